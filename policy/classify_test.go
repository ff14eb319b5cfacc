package policy

import "testing"

func TestClassifyTerminalReasons(t *testing.T) {
	for _, reason := range []string{
		"LOGGED_OUT", "LOGOUT", "CREDENTIAL_REVOKED", "UNPAIRED",
		"SESSION_REPLACED", "CONFLICT", "REPLACED", "CREDENTIAL_CORRUPT",
		"BAD_SESSION", "BANNED",
	} {
		if got := Classify(reason); got != ClassTerminal {
			t.Errorf("Classify(%q) = %v, want terminal", reason, got)
		}
	}
}

func TestClassifyTransientReasons(t *testing.T) {
	for _, reason := range []string{
		"NETWORK_ERROR", "CONNECTION_LOST", "CONNECTION_CLOSED",
		"IDLE_TIMEOUT", "TIMED_OUT", "TIMEOUT", "SERVER_RESTART",
		"RESTART_REQUIRED", "UNAVAILABLE", "SERVICE_UNAVAILABLE",
		"STREAM_ERRORED",
	} {
		if got := Classify(reason); got != ClassTransient {
			t.Errorf("Classify(%q) = %v, want transient", reason, got)
		}
	}
}

func TestClassifyIsCaseAndWhitespaceInsensitive(t *testing.T) {
	cases := map[string]Class{
		"logged_out":       ClassTerminal,
		"  Network_Error ": ClassTransient,
		"\tconflict\n":     ClassTerminal,
		"timeout":          ClassTransient,
	}
	for reason, want := range cases {
		if got := Classify(reason); got != want {
			t.Errorf("Classify(%q) = %v, want %v", reason, got, want)
		}
	}
}

func TestClassifyUnknownReason(t *testing.T) {
	for _, reason := range []string{"", "SOLAR_FLARE", "code 515"} {
		if got := Classify(reason); got != ClassUnknown {
			t.Errorf("Classify(%q) = %v, want unknown", reason, got)
		}
	}
}

func TestClassString(t *testing.T) {
	if ClassTransient.String() != "transient" ||
		ClassTerminal.String() != "terminal" ||
		ClassUnknown.String() != "unknown" {
		t.Error("Class.String returned unexpected names")
	}
}

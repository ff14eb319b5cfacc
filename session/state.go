package session

// State is the lifecycle phase of one session.
type State uint8

const (
	// StateUninitialized is the phase before the first Initialize call.
	StateUninitialized State = iota
	// StateInitializing means a transport handle is being established.
	StateInitializing
	// StateAwaitingPairing means a pairing challenge was issued and the
	// session is waiting on an out-of-band human action.
	StateAwaitingPairing
	// StateAuthenticating means the identity was accepted and the session is
	// waiting for the transport to become usable.
	StateAuthenticating
	// StateReady means the session can send and receive messages.
	StateReady
	// StateTransientDown means the link dropped for a reason expected to
	// clear; an automatic reconnect is scheduled.
	StateTransientDown
	// StateTerminalDown means the credential was invalidated. No automatic
	// recovery; the session must be explicitly re-paired.
	StateTerminalDown
	// StateReinitializing is the teardown phase between a recovery decision
	// and the next initialize attempt.
	StateReinitializing
	// StateDestroyed is terminal and irreversible.
	StateDestroyed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateAwaitingPairing:
		return "awaiting_pairing"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateTransientDown:
		return "transient_down"
	case StateTerminalDown:
		return "terminal_down"
	case StateReinitializing:
		return "reinitializing"
	case StateDestroyed:
		return "destroyed"
	default:
		return "invalid"
	}
}

// legalEdges is the transition table. StateDestroyed is reachable from every
// state and therefore not listed per-edge; legalTransition handles it.
var legalEdges = map[State][]State{
	StateUninitialized:   {StateInitializing},
	StateInitializing:    {StateAwaitingPairing, StateAuthenticating, StateTransientDown, StateTerminalDown, StateReinitializing},
	StateAwaitingPairing: {StateAuthenticating, StateInitializing, StateTransientDown, StateTerminalDown, StateReinitializing},
	StateAuthenticating:  {StateReady, StateAwaitingPairing, StateTransientDown, StateTerminalDown, StateReinitializing},
	StateReady:           {StateTransientDown, StateTerminalDown, StateReinitializing},
	StateTransientDown:   {StateReinitializing, StateTerminalDown},
	StateTerminalDown:    {StateInitializing, StateReinitializing},
	StateReinitializing:  {StateInitializing, StateTerminalDown},
	StateDestroyed:       {},
}

// legalTransition reports whether the state machine permits from -> to.
func legalTransition(from, to State) bool {
	if to == StateDestroyed {
		return from != StateDestroyed
	}
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

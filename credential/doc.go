// Package credential persists the opaque pairing artifacts a vendor client
// needs to resume a session without re-pairing.
//
// The session layer only ever asks three questions (load, save, clear), so
// the Store interface stays minimal. MemoryStore serves tests and examples;
// FileStore keeps one secretbox-encrypted file per session on disk. The
// credential payload itself is vendor-defined and never inspected here.
package credential

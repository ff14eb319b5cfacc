// Package policy holds the pure decision logic the session layer consults
// when a link misbehaves: a disconnect-reason classifier and a deterministic
// exponential backoff.
//
// Both pieces are side-effect free (the classifier logs unrecognized reasons,
// nothing more) so they can be exercised exhaustively in isolation. Backoff
// jitter is drawn from an injected random source, making retry schedules
// reproducible under a fixed seed.
package policy

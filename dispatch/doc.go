// Package dispatch provides the per-session outbound send queue.
//
// A Queue owns a single worker goroutine, so messages go out strictly in
// submission order. Two limits gate each send: a window token bucket
// (capacity tokens, refilled to full when the window elapses) and a minimum
// inter-send spacing. Rate-limit rejections from the transport are retried a
// bounded number of times with linear backoff; every other error fails the
// message immediately.
//
// Enqueue returns a Pending, a promise that resolves or rejects exactly
// once: the queue never drops a message silently, and Close fails any
// messages still waiting.
package dispatch

// Package session implements the lifecycle core of sessionwire: the
// Controller, a per-session state machine reconciling transport events,
// direct state probes and timers into one answer to "is this session usable
// right now", and the ReadinessMonitor, which compensates for transports
// that stall without emitting their ready signal.
//
// A Controller owns every mutable field of its session. The monitor and all
// timer callbacks request transitions through controller methods, so state
// changes for one session are totally ordered. External observers subscribe
// on the controller's own event surface (OnReady, OnStateChanged, ...) and
// never touch the transport's handler set; each subscription removes only
// itself.
//
// Outbound sends flow through a dispatch.Queue, inbound messages through a
// dedup.Cache, both wired by the Controller. Recovery policy (disconnect
// classification, backoff curves) lives in the policy package.
package session

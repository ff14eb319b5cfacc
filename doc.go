// Package sessionwire manages the lifecycle and delivery assurance of
// vendor messaging sessions.
//
// A session wraps one vendor transport handle and owns everything the raw
// handle does not: an explicit lifecycle state machine, classification of
// disconnect reasons into recoverable and terminal, bounded exponential
// backoff on reconnects, a readiness monitor that covers missed or absent
// transport events, a rate-limited outbound dispatch queue, and inbound
// duplicate suppression. The vendor transport itself is consumed through
// the small interface in the transport subpackage; this package never
// speaks a wire protocol.
//
// # Getting Started
//
// Create a Registry with options and a transport factory, then create and
// initialize sessions:
//
//	opts := sessionwire.NewOptions()
//	opts.ClientFactory = myFactory
//	opts.CredentialStore = credStore
//
//	reg, err := sessionwire.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer reg.Shutdown()
//
//	ctrl, err := reg.CreateSession(ctx, "account-1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctrl.OnPairingChallenge(func(payload []byte) {
//	    // render the challenge for the human to answer
//	})
//	ctrl.OnMessage(func(msg transport.InboundMessage) {
//	    fmt.Printf("from %s: %s\n", msg.Source, msg.Payload)
//	})
//
//	if err := ctrl.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if err := ctrl.WaitUntilReady(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	pending, _ := ctrl.Enqueue(ctx, "peer", []byte("hello"), transport.SendOptions{})
//	res, err := pending.Wait(ctx)
//
// # Core Types
//
//   - [Registry]: owns the set of live sessions, serializes create/destroy
//   - [Options]: every lifecycle, recovery and rate-limit knob with defaults
//   - [session.Controller]: one session's state machine and recovery logic
//   - [dispatch.Queue]: windowed, spaced, retrying outbound queue
//   - [dedup.Cache]: TTL-bounded inbound duplicate suppression
//   - [credential.Store]: pairing-artifact persistence across restarts
//
// # Recovery Model
//
// Disconnect reasons are classified, not pattern-matched ad hoc: transient
// reasons reconnect under exponential backoff with jitter, terminal reasons
// halt the session until an explicit re-pair, and unknown reasons are
// treated as transient while being tracked. When retries or monitor
// escalations exhaust their budgets the session goes fatal and stays down
// until Repair is called; nothing loops forever.
package sessionwire

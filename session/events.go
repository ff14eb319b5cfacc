package session

import (
	"sync"

	"github.com/opd-ai/sessionwire/policy"
	"github.com/opd-ai/sessionwire/transport"
)

type eventKind uint8

const (
	kindStateChanged eventKind = iota
	kindReady
	kindPairingChallenge
	kindDisconnected
	kindAuthFailed
	kindFatalError
	kindMessage
)

// emitter is the controller's subscription registry. Every subscription has
// its own id and Off removes exactly that handler, so one subsystem can
// never delete another's subscription.
type emitter struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]subscription
}

type subscription struct {
	kind eventKind
	fn   any
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[uint64]subscription)}
}

func (e *emitter) subscribe(kind eventKind, fn any) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.subs[id] = subscription{kind: kind, fn: fn}
	return id
}

func (e *emitter) off(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.subs[id]
	delete(e.subs, id)
	return ok
}

func (e *emitter) clear() {
	e.mu.Lock()
	e.subs = make(map[uint64]subscription)
	e.mu.Unlock()
}

// snapshot returns the handlers of one kind. Relative ordering between
// handlers is not guaranteed.
func (e *emitter) snapshot(kind eventKind) []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []any
	for _, sub := range e.subs {
		if sub.kind == kind {
			out = append(out, sub.fn)
		}
	}
	return out
}

// Subscription surface of the Controller. Handlers run on the goroutine that
// performed the transition, after the session mutex is released; they may
// call back into the controller.

// OnStateChanged subscribes to every state transition.
func (c *Controller) OnStateChanged(fn func(from, to State)) uint64 {
	return c.events.subscribe(kindStateChanged, fn)
}

// OnReady subscribes to the session becoming ready, whether signaled by the
// transport or inferred by the fallback poller.
func (c *Controller) OnReady(fn func()) uint64 {
	return c.events.subscribe(kindReady, fn)
}

// OnPairingChallenge subscribes to pairing challenges, carrying the vendor
// payload (for example a scannable code) for display to a human.
func (c *Controller) OnPairingChallenge(fn func(payload []byte)) uint64 {
	return c.events.subscribe(kindPairingChallenge, fn)
}

// OnDisconnected subscribes to disconnects, with the raw reason and its
// classification.
func (c *Controller) OnDisconnected(fn func(reason string, class policy.Class)) uint64 {
	return c.events.subscribe(kindDisconnected, fn)
}

// OnAuthFailed subscribes to stored-credential rejections.
func (c *Controller) OnAuthFailed(fn func(reason string)) uint64 {
	return c.events.subscribe(kindAuthFailed, fn)
}

// OnFatalError subscribes to conditions that disable automatic recovery.
func (c *Controller) OnFatalError(fn func(err error)) uint64 {
	return c.events.subscribe(kindFatalError, fn)
}

// OnMessage subscribes to inbound messages after deduplication.
func (c *Controller) OnMessage(fn func(msg transport.InboundMessage)) uint64 {
	return c.events.subscribe(kindMessage, fn)
}

// Off removes the subscription with the given id, reporting whether it
// existed. Only the given subscription is removed.
func (c *Controller) Off(id uint64) bool {
	return c.events.off(id)
}

func (c *Controller) emitStateChanged(from, to State) {
	for _, fn := range c.events.snapshot(kindStateChanged) {
		fn.(func(from, to State))(from, to)
	}
}

func (c *Controller) emitReady() {
	for _, fn := range c.events.snapshot(kindReady) {
		fn.(func())()
	}
}

func (c *Controller) emitPairingChallenge(payload []byte) {
	for _, fn := range c.events.snapshot(kindPairingChallenge) {
		fn.(func(payload []byte))(payload)
	}
}

func (c *Controller) emitDisconnected(reason string, class policy.Class) {
	for _, fn := range c.events.snapshot(kindDisconnected) {
		fn.(func(reason string, class policy.Class))(reason, class)
	}
}

func (c *Controller) emitAuthFailed(reason string) {
	for _, fn := range c.events.snapshot(kindAuthFailed) {
		fn.(func(reason string))(reason)
	}
}

func (c *Controller) emitFatalError(err error) {
	for _, fn := range c.events.snapshot(kindFatalError) {
		fn.(func(err error))(err)
	}
}

func (c *Controller) emitMessage(msg transport.InboundMessage) {
	for _, fn := range c.events.snapshot(kindMessage) {
		fn.(func(msg transport.InboundMessage))(msg)
	}
}

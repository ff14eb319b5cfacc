package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/sessionwire/transport"
)

// Default rate-limit tuning, matching the envelope most real-time messaging
// services tolerate from a single session.
const (
	DefaultCapacity       = 40
	DefaultWindow         = 60 * time.Second
	DefaultMinSpacing     = 350 * time.Millisecond
	DefaultMaxRetries     = 3
	DefaultRetryDelayUnit = time.Second
)

// ErrQueueClosed is returned for messages still queued when the queue closes
// and for Enqueue calls made afterwards.
var ErrQueueClosed = errors.New("dispatch queue closed")

// SendFunc performs the actual transport send. The session controller
// supplies one that resolves the current client on every call, so a
// reinitialize never leaves the queue holding a stale handle.
type SendFunc func(ctx context.Context, destination string, payload []byte, opts transport.SendOptions) (*transport.SendResult, error)

// Config tunes a Queue. Zero fields take the package defaults, except
// MaxRetries, where zero is meaningful and only negative selects the default.
type Config struct {
	// SessionID labels log lines; the queue itself is session-agnostic.
	SessionID string
	// Capacity is the number of sends allowed per window.
	Capacity int
	// Window is the token refill period. Tokens refill to full when it
	// elapses; the next window is anchored at the first consumption.
	Window time.Duration
	// MinSpacing is the minimum gap between consecutive sends.
	MinSpacing time.Duration
	// MaxRetries bounds additional attempts after a rate-limited send.
	// Zero means a rate-limited send fails immediately; negative selects
	// DefaultMaxRetries.
	MaxRetries int
	// RetryDelayUnit scales the linear retry backoff (unit * failures).
	RetryDelayUnit time.Duration
}

func (c *Config) withDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MinSpacing <= 0 {
		c.MinSpacing = DefaultMinSpacing
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelayUnit <= 0 {
		c.RetryDelayUnit = DefaultRetryDelayUnit
	}
}

// QueuedMessage is one outbound message owned by the queue until it resolves.
type QueuedMessage struct {
	ID          string
	Destination string
	Payload     []byte
	Opts        transport.SendOptions
	Attempt     int
	EnqueuedAt  time.Time
}

// Pending is the promise side of an enqueued message. It resolves or rejects
// exactly once.
type Pending struct {
	// MessageID identifies the queued message this promise tracks.
	MessageID string

	once sync.Once
	done chan struct{}
	res  *transport.SendResult
	err  error
}

func newPending(messageID string) *Pending {
	return &Pending{MessageID: messageID, done: make(chan struct{})}
}

func (p *Pending) resolve(res *transport.SendResult, err error) {
	p.once.Do(func() {
		p.res = res
		p.err = err
		close(p.done)
	})
}

// Done returns a channel closed when the message has resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the message resolves or ctx is cancelled.
func (p *Pending) Wait(ctx context.Context) (*transport.SendResult, error) {
	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats is a point-in-time view of queue occupancy for diagnostics.
type Stats struct {
	Tokens        int
	WindowResetAt time.Time
	Depth         int
	InFlight      bool
}

type item struct {
	msg     *QueuedMessage
	pending *Pending
}

// Queue is a single-concurrency, token-bucket-limited send queue for one
// session. Create with New, stop with Close.
type Queue struct {
	cfg     Config
	send    SendFunc
	spacing *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	queue         []*item
	tokens        int
	windowResetAt time.Time
	inFlight      bool
	closed        bool

	wake      chan struct{}
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a queue and starts its worker.
func New(cfg Config, send SendFunc) *Queue {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		cfg:     cfg,
		send:    send,
		spacing: rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		ctx:     ctx,
		cancel:  cancel,
		tokens:  cfg.Capacity,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}

	q.wg.Add(1)
	go q.worker()
	return q
}

// Enqueue appends a message and returns its promise. The payload is copied,
// so the caller may reuse its buffer. ctx gates only the enqueue itself; use
// Pending.Wait to bound the wait for delivery.
func (q *Queue) Enqueue(ctx context.Context, destination string, payload []byte, opts transport.SendOptions) (*Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if destination == "" {
		return nil, errors.New("destination required")
	}

	body := make([]byte, len(payload))
	copy(body, payload)
	msg := &QueuedMessage{
		ID:          uuid.NewString(),
		Destination: destination,
		Payload:     body,
		Opts:        opts,
		EnqueuedAt:  time.Now(),
	}
	p := newPending(msg.ID)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.queue = append(q.queue, &item{msg: msg, pending: p})
	depth := len(q.queue)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Enqueue",
		"session_id":  q.cfg.SessionID,
		"message_id":  msg.ID,
		"destination": destination,
		"depth":       depth,
	}).Debug("Message enqueued")
	return p, nil
}

// Stats returns a snapshot of the queue's occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	tokens := q.tokens
	if !q.windowResetAt.IsZero() && !time.Now().Before(q.windowResetAt) {
		tokens = q.cfg.Capacity
	}
	return Stats{
		Tokens:        tokens,
		WindowResetAt: q.windowResetAt,
		Depth:         len(q.queue),
		InFlight:      q.inFlight,
	}
}

// Close stops the worker and rejects every message still queued with
// ErrQueueClosed. Idempotent.
func (q *Queue) Close() error {
	var rest []*item

	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		rest = q.queue
		q.queue = nil
		q.mu.Unlock()

		close(q.stopCh)
		q.cancel()
		q.wg.Wait()
	})

	for _, it := range rest {
		it.pending.resolve(nil, ErrQueueClosed)
	}
	return nil
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		it := q.next()
		if it == nil {
			return
		}
		q.deliver(it)

		q.mu.Lock()
		q.inFlight = false
		q.mu.Unlock()
	}
}

// next pops the head of the queue, blocking until a message arrives or the
// queue closes.
func (q *Queue) next() *item {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		if len(q.queue) > 0 {
			it := q.queue[0]
			q.queue = q.queue[1:]
			q.inFlight = true
			q.mu.Unlock()
			return it
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.stopCh:
			return nil
		}
	}
}

// deliver sends one message, honoring both limits on every attempt.
func (q *Queue) deliver(it *item) {
	for attempt := 1; ; attempt++ {
		if err := q.acquireToken(); err != nil {
			it.pending.resolve(nil, err)
			return
		}
		if err := q.spacing.Wait(q.ctx); err != nil {
			it.pending.resolve(nil, ErrQueueClosed)
			return
		}

		it.msg.Attempt = attempt
		res, err := q.send(q.ctx, it.msg.Destination, it.msg.Payload, it.msg.Opts)
		if err == nil {
			it.pending.resolve(res, nil)
			return
		}
		if !errors.Is(err, transport.ErrRateLimited) {
			it.pending.resolve(nil, err)
			return
		}
		if attempt > q.cfg.MaxRetries {
			it.pending.resolve(nil, fmt.Errorf(
				"rate limit retries exhausted after %d attempts: %w", attempt, err))
			return
		}

		delay := q.cfg.RetryDelayUnit * time.Duration(attempt)
		logrus.WithFields(logrus.Fields{
			"function":   "deliver",
			"session_id": q.cfg.SessionID,
			"message_id": it.msg.ID,
			"attempt":    attempt,
			"delay":      delay,
		}).Warn("Send rate limited, retrying")

		select {
		case <-time.After(delay):
		case <-q.stopCh:
			it.pending.resolve(nil, ErrQueueClosed)
			return
		}
	}
}

// acquireToken blocks until a window token is available. The bucket refills
// to full once the window elapses; a fresh window is anchored at the first
// token consumed from a full bucket.
func (q *Queue) acquireToken() error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}

		now := time.Now()
		if !q.windowResetAt.IsZero() && !now.Before(q.windowResetAt) {
			q.tokens = q.cfg.Capacity
			q.windowResetAt = time.Time{}
		}
		if q.tokens > 0 {
			if q.tokens == q.cfg.Capacity {
				q.windowResetAt = now.Add(q.cfg.Window)
			}
			q.tokens--
			q.mu.Unlock()
			return nil
		}
		wait := time.Until(q.windowResetAt)
		q.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-q.stopCh:
			return ErrQueueClosed
		}
	}
}

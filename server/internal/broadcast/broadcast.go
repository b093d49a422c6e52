package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/canstream/canstream/server/internal/metrics"
	"github.com/canstream/canstream/server/internal/store"
)

// DefaultBuffer is the per-subscriber queue depth used when none is configured.
const DefaultBuffer = 64

// Policy selects what happens when a subscriber's queue is full.
type Policy int

const (
	// DropOldest discards the oldest queued notification to make room.
	DropOldest Policy = iota
	// Disconnect closes the subscription.
	Disconnect
)

// String returns the config spelling of p.
func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Disconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config value to a Policy. Empty means DropOldest.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "disconnect":
		return Disconnect, nil
	default:
		return DropOldest, fmt.Errorf("broadcast: unknown overflow policy %q: want drop_oldest|disconnect", s)
	}
}

// Notification is one accepted record pushed to subscribers.
type Notification struct {
	Key    string
	Record store.Record
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBuffer sets the per-subscriber queue depth.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithPolicy sets the overflow policy.
func WithPolicy(p Policy) Option {
	return func(b *Broadcaster) { b.policy = p }
}

// WithMetrics records drops and subscriber counts in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// Broadcaster fans accepted records out to subscribers. Publish never blocks:
// each subscriber owns a bounded queue and overflow is handled per subscriber.
type Broadcaster struct {
	buffer  int
	policy  Policy
	metrics *metrics.Metrics

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// Subscription is one subscriber's queue. Notifications arrive on C in the
// order they were published for any given key.
type Subscription struct {
	id      string
	ch      chan Notification
	b       *Broadcaster
	dropped atomic.Uint64
}

// New creates a Broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		buffer: DefaultBuffer,
		policy: DropOldest,
		subs:   make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber. It receives only notifications
// published after Subscribe returns. Subscribing to a closed Broadcaster
// returns a subscription whose channel is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{
		id: uuid.NewString(),
		ch: make(chan Notification, b.buffer),
		b:  b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	b.metrics.SetSubscribers(len(b.subs))
	return s
}

// Publish hands n to every current subscriber without blocking.
func (b *Broadcaster) Publish(n Notification) {
	var overflowed []*Subscription

	b.mu.RLock()
	for _, s := range b.subs {
		if !s.offer(n, b.policy) {
			b.metrics.BroadcastDropped(b.policy.String())
			if b.policy == Disconnect {
				overflowed = append(overflowed, s)
			}
		}
	}
	b.mu.RUnlock()

	for _, s := range overflowed {
		slog.Warn("broadcast: subscriber queue full, disconnecting",
			"subscriber", s.id, "buffer", cap(s.ch))
		b.remove(s)
	}
}

// Count returns the number of active subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close removes every subscriber and closes their channels. Later Publish
// calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	b.metrics.SetSubscribers(0)
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
		b.metrics.SetSubscribers(len(b.subs))
	}
}

// ID returns the subscriber's unique identifier.
func (s *Subscription) ID() string { return s.id }

// C returns the notification channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Notification { return s.ch }

// Dropped returns how many notifications this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() { s.b.remove(s) }

// offer enqueues n. It reports false when n or an older notification was
// dropped, or (Disconnect) when the queue was full. Callers hold b.mu.RLock,
// so the channel cannot be closed underneath.
func (s *Subscription) offer(n Notification, p Policy) bool {
	select {
	case s.ch <- n:
		return true
	default:
	}
	if p == Disconnect {
		s.dropped.Add(1)
		return false
	}

	// DropOldest. Concurrent publishers may refill the slot we free, so give
	// up after a few rounds and drop n itself.
	for i := 0; i < 3; i++ {
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- n:
			return false
		default:
		}
	}
	s.dropped.Add(1)
	return false
}

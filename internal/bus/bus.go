// Package bus delivers each new snapshot and its matches to registered
// listeners.
//
// Listeners are called synchronously in registration order. A failing or
// panicking listener is logged and counted; the remaining listeners are
// still notified. Channel subscriptions receive the same notifications
// without blocking the publisher.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/HendryAvila/routine/internal/metrics"
	"github.com/HendryAvila/routine/internal/rules"
	"github.com/HendryAvila/routine/internal/situation"
	"go.uber.org/zap"
)

const defaultSubscriberCapacity = 16

// ErrDuplicateListener is returned when a listener id is already registered.
var ErrDuplicateListener = errors.New("bus: listener already registered")

// Notification is one published (snapshot, matches) pair.
type Notification struct {
	Snapshot *situation.Snapshot
	Matches  []rules.Match
}

// Listener receives notifications.
type Listener interface {
	ID() string
	Notify(ctx context.Context, n Notification) error
}

// ListenerFunc adapts a function into a Listener.
type ListenerFunc struct {
	Name string
	Fn   func(ctx context.Context, n Notification) error
}

func (f ListenerFunc) ID() string { return f.Name }

func (f ListenerFunc) Notify(ctx context.Context, n Notification) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx, n)
}

// Bus is the listener registry.
type Bus struct {
	mu          sync.Mutex
	listeners   []Listener
	subscribers map[*subscriber]struct{}
	logger      *zap.Logger
}

// New returns an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: map[*subscriber]struct{}{},
		logger:      logger.Named("bus"),
	}
}

// Register appends a listener. Ids must be unique.
func (b *Bus) Register(l Listener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.listeners {
		if existing.ID() == l.ID() {
			return fmt.Errorf("%w: %s", ErrDuplicateListener, l.ID())
		}
	}
	b.listeners = append(b.listeners, l)
	return nil
}

// Unregister removes a listener by id and reports whether it was present.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l.ID() == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Listeners returns the registered ids in delivery order.
func (b *Bus) Listeners() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, len(b.listeners))
	for i, l := range b.listeners {
		ids[i] = l.ID()
	}
	return ids
}

// Publish notifies every listener in registration order, then every
// channel subscriber. It returns the listener failures joined.
func (b *Bus) Publish(ctx context.Context, snap *situation.Snapshot, matches []rules.Match) error {
	n := Notification{Snapshot: snap, Matches: matches}

	b.mu.Lock()
	listeners := append([]Listener(nil), b.listeners...)
	subs := make([]*subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := b.deliver(ctx, l, n); err != nil {
			metrics.ListenerErrors.WithLabelValues(l.ID()).Inc()
			b.logger.Warn("listener failed", zap.String("listener", l.ID()), zap.Error(err))
			errs = append(errs, fmt.Errorf("listener %s: %w", l.ID(), err))
		}
	}
	for _, s := range subs {
		if !s.deliver(n) {
			b.logger.Warn("subscriber full, notification dropped", zap.String("snapshot_id", snap.ID))
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) deliver(ctx context.Context, l Listener, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.Notify(ctx, n)
}

// --- Channel subscriptions ---

// Subscription is a buffered feed of notifications.
type Subscription struct {
	C      <-chan Notification
	cancel func()
}

// Close stops delivery and closes C.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe registers a buffered channel subscription. Delivery never
// blocks the publisher; notifications that do not fit are dropped.
func (b *Bus) Subscribe(capacity int) Subscription {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	s := &subscriber{ch: make(chan Notification, capacity)}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return Subscription{
		C: s.ch,
		cancel: func() {
			b.mu.Lock()
			delete(b.subscribers, s)
			b.mu.Unlock()
			s.close()
		},
	}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Notification
	closed bool
}

func (s *subscriber) deliver(n Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- n:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

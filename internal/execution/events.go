package execution

import "sync"

// Subscription is a buffered feed of engine events.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Close stops delivery and closes C.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe registers an event feed with the given capacity, or the
// configured event buffer when capacity <= 0. Delivery never blocks the
// engine; events that do not fit are dropped.
func (e *Engine) Subscribe(capacity int) Subscription {
	if capacity <= 0 {
		capacity = e.cfg.EventBuffer
	}
	s := &subscriber{ch: make(chan Event, capacity)}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		s.close()
		return Subscription{C: s.ch}
	}
	e.subs[s] = struct{}{}
	e.mu.Unlock()
	return Subscription{
		C: s.ch,
		cancel: func() {
			e.mu.Lock()
			delete(e.subs, s)
			e.mu.Unlock()
			s.close()
		},
	}
}

func (e *Engine) emitLocked(r *run, typ EventType, stepID, msg string) {
	ev := Event{
		Type:        typ,
		ExecutionID: r.exec.ID,
		SOPID:       r.exec.SOPID,
		StepID:      stepID,
		Message:     msg,
		At:          e.clock.Now(),
	}
	for s := range e.subs {
		s.deliver(ev)
	}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
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

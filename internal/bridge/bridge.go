// Package bridge turns rule matches into actions. The Dispatcher is a bus
// listener that routes each suggested action to the handler registered for
// its type; SOPTrigger is the handler that starts SOP executions.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HendryAvila/routine/internal/bus"
	"github.com/HendryAvila/routine/internal/execution"
	"github.com/HendryAvila/routine/internal/rules"
	"github.com/HendryAvila/routine/internal/situation"
	"go.uber.org/zap"
)

// DispatcherID is the listener id the Dispatcher registers under.
const DispatcherID = "action-dispatcher"

// Handler performs one suggested action of a match.
type Handler interface {
	Handle(ctx context.Context, m rules.Match, a rules.Action, snap *situation.Snapshot) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m rules.Match, a rules.Action, snap *situation.Snapshot) error

func (f HandlerFunc) Handle(ctx context.Context, m rules.Match, a rules.Action, snap *situation.Snapshot) error {
	return f(ctx, m, a, snap)
}

// RuleFirer records a rule firing subject to the rule's constraints.
type RuleFirer interface {
	Fire(ctx context.Context, id string, now time.Time) (bool, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now and time.After.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
		if after != nil {
			d.after = after
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// Dispatcher routes suggested actions to handlers in match order.
type Dispatcher struct {
	firer  RuleFirer
	logger *zap.Logger
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time

	mu       sync.RWMutex
	handlers map[rules.ActionType]Handler

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewDispatcher returns a dispatcher that logs every action type until a
// handler is registered for it. firer may be nil, in which case rule
// constraints are not checked.
func NewDispatcher(firer RuleFirer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		firer:    firer,
		logger:   zap.NewNop(),
		now:      time.Now,
		after:    time.After,
		handlers: map[rules.ActionType]Handler{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("bridge")
	d.base, d.stop = context.WithCancel(context.Background())
	log := LogHandler(d.logger)
	for _, t := range rules.ActionTypes {
		d.handlers[t] = log
	}
	return d
}

// Register installs h for action type t. A nil handler is ignored.
func (d *Dispatcher) Register(t rules.ActionType, h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// ID implements bus.Listener.
func (d *Dispatcher) ID() string { return DispatcherID }

// Notify implements bus.Listener. Each match's rule is fired once against
// its constraints; a constrained rule dispatches nothing. Actions with a
// delay are dispatched later on a tracked goroutine. Handler errors are
// joined.
func (d *Dispatcher) Notify(ctx context.Context, n bus.Notification) error {
	var errs []error
	for _, m := range n.Matches {
		if m.Rule == nil {
			continue
		}
		if d.firer != nil {
			ok, err := d.firer.Fire(ctx, m.Rule.ID, d.now())
			if err != nil {
				errs = append(errs, fmt.Errorf("bridge: fire rule %s: %w", m.Rule.ID, err))
				continue
			}
			if !ok {
				d.logger.Debug("rule constrained", zap.String("rule_id", m.Rule.ID))
				continue
			}
		}
		for _, a := range m.SuggestedActions {
			if a.DelaySeconds > 0 {
				d.later(m, a, n.Snapshot)
				continue
			}
			if err := d.dispatch(ctx, m, a, n.Snapshot); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) dispatch(ctx context.Context, m rules.Match, a rules.Action, snap *situation.Snapshot) error {
	d.mu.RLock()
	h, ok := d.handlers[a.Type]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn("no handler for action", zap.String("rule_id", m.Rule.ID), zap.String("action", string(a.Type)))
		return nil
	}
	if err := h.Handle(ctx, m, a, snap); err != nil {
		return fmt.Errorf("bridge: %s action of rule %s: %w", a.Type, m.Rule.ID, err)
	}
	return nil
}

func (d *Dispatcher) later(m rules.Match, a rules.Action, snap *situation.Snapshot) {
	delay := time.Duration(a.DelaySeconds) * time.Second
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-d.base.Done():
			return
		case <-d.after(delay):
		}
		if err := d.dispatch(d.base, m, a, snap); err != nil {
			d.logger.Warn("delayed action failed", zap.Duration("delay", delay), zap.Error(err))
		}
	}()
}

// Close drops pending delayed actions and waits for in-flight ones.
func (d *Dispatcher) Close() {
	d.stop()
	d.wg.Wait()
}

// LogHandler returns a handler that only logs the action.
func LogHandler(logger *zap.Logger) Handler {
	return HandlerFunc(func(_ context.Context, m rules.Match, a rules.Action, _ *situation.Snapshot) error {
		fields := []zap.Field{
			zap.String("rule_id", m.Rule.ID),
			zap.String("action", string(a.Type)),
			zap.Float64("score", m.MatchScore),
		}
		for k, v := range a.Payload {
			fields = append(fields, zap.String("payload."+k, v.Text()))
		}
		logger.Info("action suggested", fields...)
		return nil
	})
}

// --- SOP trigger ---

// Starter starts SOP executions.
type Starter interface {
	Trigger(ctx context.Context, sopID string, src execution.Source) (*execution.Execution, error)
}

// SOPTrigger handles trigger_sop actions by starting the SOP named in the
// payload's sopId. Within one notification each SOP is triggered at most
// once, so the highest ranked match wins.
type SOPTrigger struct {
	starter Starter
	logger  *zap.Logger

	mu     sync.Mutex
	snapID string
	fired  map[string]bool
}

// NewSOPTrigger returns a handler over starter, or nil when starter is nil.
func NewSOPTrigger(starter Starter, logger *zap.Logger) *SOPTrigger {
	if starter == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SOPTrigger{starter: starter, logger: logger.Named("bridge"), fired: map[string]bool{}}
}

// Handle implements Handler. Refused triggers (missing, inactive or
// constrained SOP) are not errors.
func (t *SOPTrigger) Handle(ctx context.Context, m rules.Match, a rules.Action, snap *situation.Snapshot) error {
	sopID, ok := a.PayloadString("sopId")
	if !ok || sopID == "" {
		return errors.New("payload has no sopId")
	}
	if !t.claim(snap, sopID) {
		return nil
	}

	x, err := t.starter.Trigger(ctx, sopID, execution.Source{
		TriggeredBy: execution.TriggeredByRule,
		RuleID:      m.Rule.ID,
		Executor:    "rule:" + m.Rule.Name,
		Snapshot:    snap,
	})
	switch {
	case errors.Is(err, execution.ErrSOPNotFound),
		errors.Is(err, execution.ErrSOPInactive),
		errors.Is(err, execution.ErrConstrained):
		t.logger.Info("sop trigger refused", zap.String("sop_id", sopID), zap.String("rule_id", m.Rule.ID), zap.Error(err))
		return nil
	case err != nil:
		return err
	}
	t.logger.Info("sop triggered by rule",
		zap.String("sop_id", sopID), zap.String("rule_id", m.Rule.ID), zap.String("execution_id", x.ID))
	return nil
}

// claim reports whether sopID has not been triggered for this snapshot yet
// and marks it.
func (t *SOPTrigger) claim(snap *situation.Snapshot, sopID string) bool {
	id := ""
	if snap != nil {
		id = snap.ID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if id != t.snapID || id == "" {
		t.snapID = id
		t.fired = map[string]bool{}
	}
	if t.fired[sopID] {
		return false
	}
	t.fired[sopID] = true
	return true
}

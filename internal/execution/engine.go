package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HendryAvila/routine/internal/metrics"
	"github.com/HendryAvila/routine/internal/rules"
	"github.com/HendryAvila/routine/internal/situation"
	"github.com/HendryAvila/routine/internal/sop"
	"github.com/HendryAvila/routine/internal/value"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ValidationPolicy decides what a failed step validation does to the rest
// of the execution.
type ValidationPolicy string

const (
	// PolicyHalt records the failed step and completes the execution with
	// success=false.
	PolicyHalt ValidationPolicy = "halt"
	// PolicyContinue records the failed step and moves on.
	PolicyContinue ValidationPolicy = "continue"
)

// Config tunes the interpreters.
type Config struct {
	// AutoAdvance applies the settle delay between ordered steps even when
	// the SOP does not ask for it.
	AutoAdvance bool `yaml:"auto_advance"`
	// SettleDelay separates auto-advancing steps.
	SettleDelay time.Duration `yaml:"settle_delay"`
	// ValidationPolicy is halt or continue.
	ValidationPolicy ValidationPolicy `yaml:"validation_policy"`
	// MaxLoopIterations caps every loop node's own bound; zero disables the cap.
	MaxLoopIterations int `yaml:"max_loop_iterations"`
	// EventBuffer is the default Subscribe capacity.
	EventBuffer int `yaml:"event_buffer"`
	// RetainFinished is how many terminal executions stay listed; older
	// ones are dropped on the next trigger. Zero keeps them all.
	RetainFinished int `yaml:"retain_finished"`
}

// DefaultConfig returns the stock interpreter settings.
func DefaultConfig() Config {
	return Config{
		SettleDelay:       2 * time.Second,
		ValidationPolicy:  PolicyHalt,
		MaxLoopIterations: 100,
		EventBuffer:       64,
		RetainFinished:    200,
	}
}

func (c Config) normalized() Config {
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.ValidationPolicy != PolicyContinue {
		c.ValidationPolicy = PolicyHalt
	}
	if c.MaxLoopIterations < 0 {
		c.MaxLoopIterations = 0
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultConfig().EventBuffer
	}
	if c.RetainFinished < 0 {
		c.RetainFinished = 0
	}
	return c
}

// Registry is the part of the SOP registry the engine needs.
type Registry interface {
	Get(id string) (*sop.SOP, error)
	RecordTrigger(ctx context.Context, id string, now time.Time) (bool, error)
	RecordCompletion(ctx context.Context, id string, success bool, duration time.Duration, at time.Time) error
}

// ValidationInput is handed to a registered Validator.
type ValidationInput struct {
	ExecutionID string
	SOPID       string
	StepID      string
	Snapshot    *situation.Snapshot
}

// Validator runs an automatic step validation registered by name.
type Validator func(ctx context.Context, in ValidationInput) (bool, error)

// Decider resolves a flowchart decision without waiting for Decide. It
// returns ok=false to defer to an external decision.
type Decider func(ctx context.Context, node sop.Node, snap *situation.Snapshot) (value string, ok bool)

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the interpreter settings.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithClock replaces the wall clock behind timestamps and suspensions.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithValidator registers an automatic validation predicate under name.
func WithValidator(name string, fn Validator) Option {
	return func(e *Engine) { e.validators[name] = fn }
}

// WithDecider installs an automatic decision source for flowcharts.
func WithDecider(d Decider) Option {
	return func(e *Engine) { e.decider = d }
}

// WithIDs replaces the execution id generator.
func WithIDs(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// Engine owns the live executions.
type Engine struct {
	registry   Registry
	cfg        Config
	clock      Clock
	logger     *zap.Logger
	validators map[string]Validator
	decider    Decider
	newID      func() string

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	order  []string
	subs   map[*subscriber]struct{}
	closed bool
}

// run is the engine-side state of one execution. Everything except sop,
// snapshot, ctx and cancel is guarded by Engine.mu.
type run struct {
	exec     *Execution
	sop      *sop.SOP
	snapshot *situation.Snapshot
	ctx      context.Context
	cancel   context.CancelFunc

	changed   chan struct{}
	done      chan struct{}
	confirmed map[string]bool
	decisions map[string]string
	fullRate  bool
}

// New returns an engine reading SOPs from reg.
func New(reg Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:   reg,
		cfg:        DefaultConfig(),
		clock:      realClock{},
		logger:     zap.NewNop(),
		validators: map[string]Validator{},
		newID:      uuid.NewString,
		runs:       map[string]*run{},
		subs:       map[*subscriber]struct{}{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.normalized()
	e.logger = e.logger.Named("execution")
	e.base, e.stop = context.WithCancel(context.Background())
	return e
}

// Config returns the effective interpreter settings.
func (e *Engine) Config() Config { return e.cfg }

// Trigger starts an execution of sopID. A missing, inactive or
// constrained SOP is logged and refused with ErrSOPNotFound,
// ErrSOPInactive or ErrConstrained; no execution is created.
func (e *Engine) Trigger(ctx context.Context, sopID string, src Source) (*Execution, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	log := e.logger.With(zap.String("sop_id", sopID), zap.String("triggered_by", src.TriggeredBy))

	def, err := e.registry.Get(sopID)
	if errors.Is(err, sop.ErrNotFound) {
		log.Warn("trigger refused: sop not found")
		metrics.Executions.WithLabelValues("blocked").Inc()
		return nil, fmt.Errorf("%w: %s", ErrSOPNotFound, sopID)
	}
	if err != nil {
		return nil, fmt.Errorf("execution: trigger %s: %w", sopID, err)
	}
	if !def.IsActive {
		log.Warn("trigger refused: sop inactive")
		metrics.Executions.WithLabelValues("blocked").Inc()
		return nil, fmt.Errorf("%w: %s", ErrSOPInactive, sopID)
	}

	now := e.clock.Now()
	ok, err := e.registry.RecordTrigger(ctx, sopID, now)
	if err != nil {
		return nil, fmt.Errorf("execution: trigger %s: %w", sopID, err)
	}
	if !ok {
		log.Warn("trigger refused: constraints",
			zap.Int("max_per_day", def.Constraints.MaxTriggersPerDay),
			zap.Int("cooldown_minutes", def.Constraints.CooldownMinutes))
		metrics.Executions.WithLabelValues("blocked").Inc()
		return nil, fmt.Errorf("%w: %s", ErrConstrained, sopID)
	}

	runCtx, cancel := context.WithCancel(e.base)
	r := &run{
		exec:      newExecution(e.newID(), def, src, now),
		sop:       def,
		snapshot:  src.Snapshot,
		ctx:       runCtx,
		cancel:    cancel,
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
		confirmed: map[string]bool{},
		decisions: map[string]string{},
		fullRate:  def.Shape == sop.ShapeChecklist,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	e.pruneLocked()
	e.runs[r.exec.ID] = r
	e.order = append(e.order, r.exec.ID)
	if err := transition(r.exec, StatusRunning, now, ""); err != nil {
		e.mu.Unlock()
		cancel()
		return nil, err
	}
	e.emitLocked(r, EventStarted, "", "")
	out := r.exec.Clone()
	e.wg.Add(1)
	e.mu.Unlock()

	metrics.ActiveExecutions.Inc()
	log.Info("execution started", zap.String("execution_id", out.ID), zap.String("shape", string(def.Shape)))
	go e.run(r)
	return out, nil
}

func newExecution(id string, def *sop.SOP, src Source, now time.Time) *Execution {
	ex := &Execution{
		ID:        id,
		SOPID:     def.ID,
		SOPName:   def.Name,
		Status:    StatusPreparing,
		StartedAt: now,
		Context:   src,
	}
	switch def.Shape {
	case sop.ShapeChecklist:
		for _, it := range def.Checklist.Items {
			ex.StepRecords = append(ex.StepRecords, StepRecord{StepID: it.ID, Status: StepPending})
		}
	case sop.ShapeSteps:
		for _, st := range def.Steps.Steps {
			ex.StepRecords = append(ex.StepRecords, StepRecord{StepID: st.ID, Status: StepPending})
		}
	case sop.ShapeFlowchart:
		for _, n := range def.Flowchart.Nodes {
			ex.StepRecords = append(ex.StepRecords, StepRecord{StepID: n.ID, Status: StepPending})
		}
		ex.Flow = &Flow{Visited: []string{}, Decisions: []DecisionRecord{}, LoopIterations: map[string]int{}}
	}
	recomputeProgress(ex)
	return ex
}

// --- Control ---

// Pause suspends a running execution at its next suspension point.
func (e *Engine) Pause(id, reason string) (*Execution, error) {
	return e.control(id, func(r *run, now time.Time) error {
		if err := transition(r.exec, StatusPaused, now, reason); err != nil {
			return err
		}
		e.emitLocked(r, EventPaused, "", reason)
		return nil
	})
}

// Resume continues a paused execution.
func (e *Engine) Resume(id string) (*Execution, error) {
	return e.control(id, func(r *run, now time.Time) error {
		if err := transition(r.exec, StatusRunning, now, ""); err != nil {
			return err
		}
		e.emitLocked(r, EventResumed, "", "")
		return nil
	})
}

// Cancel stops a running or paused execution. Cancelling a terminal
// execution is a no-op.
func (e *Engine) Cancel(id, reason string) (*Execution, error) {
	return e.control(id, func(r *run, now time.Time) error {
		if r.exec.Status.Terminal() {
			return nil
		}
		return e.cancelLocked(r, now, reason)
	})
}

func (e *Engine) cancelLocked(r *run, now time.Time, reason string) error {
	if err := transition(r.exec, StatusCancelled, now, reason); err != nil {
		return err
	}
	r.exec.Progress.CurrentStep = ""
	r.cancel()
	e.emitLocked(r, EventCancelled, "", reason)
	close(r.done)
	metrics.Executions.WithLabelValues("cancelled").Inc()
	metrics.ActiveExecutions.Dec()
	e.logger.Info("execution cancelled",
		zap.String("execution_id", r.exec.ID), zap.String("sop_id", r.exec.SOPID), zap.String("reason", reason))
	return nil
}

// CheckItem marks a checklist item done or not done.
func (e *Engine) CheckItem(id, itemID string, done bool) (*Execution, error) {
	return e.control(id, func(r *run, now time.Time) error {
		if r.sop.Shape != sop.ShapeChecklist {
			return fmt.Errorf("%w: check item on %s", ErrWrongShape, r.sop.Shape)
		}
		if r.exec.Status.Terminal() {
			return fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, id, r.exec.Status)
		}
		rec, ok := r.exec.Record(itemID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStep, itemID)
		}
		if !done {
			rec.Status, rec.CompletedAt, rec.Duration = StepPending, nil, 0
			recomputeProgress(r.exec)
			return nil
		}
		if rec.StartedAt == nil {
			t := now
			rec.StartedAt = &t
		}
		finishStep(r.exec, itemID, StepCompleted, now, "")
		e.emitLocked(r, EventStepCompleted, itemID, "")
		return nil
	})
}

// ConfirmStep confirms the body of a step or node. A confirmation may
// arrive before the interpreter reaches the step. On a checklist it checks
// the item.
func (e *Engine) ConfirmStep(id, stepID string) (*Execution, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if ok && r.sop.Shape == sop.ShapeChecklist {
		return e.CheckItem(id, stepID, true)
	}
	return e.control(id, func(r *run, _ time.Time) error {
		rec, err := openRecord(r, stepID)
		if err != nil {
			return err
		}
		r.confirmed[rec.StepID] = true
		return nil
	})
}

// SkipStep skips an optional ordered step, or a flowchart process or loop
// node. Skipping a loop node ends the loop.
func (e *Engine) SkipStep(id, stepID string) (*Execution, error) {
	return e.control(id, func(r *run, now time.Time) error {
		if err := skippable(r.sop, stepID); err != nil {
			return err
		}
		rec, err := openRecord(r, stepID)
		if err != nil {
			return err
		}
		finishStep(r.exec, rec.StepID, StepSkipped, now, "skipped")
		e.emitLocked(r, EventStepSkipped, stepID, "")
		return nil
	})
}

// Decide supplies the value for a flowchart decision node.
func (e *Engine) Decide(id, nodeID, val string) (*Execution, error) {
	return e.control(id, func(r *run, _ time.Time) error {
		if r.sop.Shape != sop.ShapeFlowchart {
			return fmt.Errorf("%w: decide on %s", ErrWrongShape, r.sop.Shape)
		}
		n, ok := r.sop.Flowchart.Node(nodeID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStep, nodeID)
		}
		if n.Type != sop.NodeDecision {
			return fmt.Errorf("%w: node %s is %s, not decision", ErrWrongShape, nodeID, n.Type)
		}
		if _, err := openRecord(r, nodeID); err != nil {
			return err
		}
		r.decisions[nodeID] = val
		return nil
	})
}

// control runs fn on the execution under the engine lock, wakes the
// interpreter and returns a copy of the result.
func (e *Engine) control(id string, fn func(r *run, now time.Time) error) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := fn(r, e.clock.Now()); err != nil {
		return nil, err
	}
	signalLocked(r)
	return r.exec.Clone(), nil
}

func openRecord(r *run, stepID string) (*StepRecord, error) {
	if r.exec.Status.Terminal() {
		return nil, fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, r.exec.ID, r.exec.Status)
	}
	rec, ok := r.exec.Record(stepID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	if rec.Status != StepPending && rec.Status != StepInProgress {
		return nil, fmt.Errorf("%w: step %s is %s", ErrInvalidTransition, stepID, rec.Status)
	}
	return rec, nil
}

func skippable(s *sop.SOP, stepID string) error {
	switch s.Shape {
	case sop.ShapeSteps:
		for _, st := range s.Steps.Steps {
			if st.ID == stepID {
				if !st.Optional {
					return fmt.Errorf("%w: step %s is required", ErrNotSkippable, stepID)
				}
				return nil
			}
		}
	case sop.ShapeFlowchart:
		if n, ok := s.Flowchart.Node(stepID); ok {
			if n.Type != sop.NodeProcess && n.Type != sop.NodeLoop {
				return fmt.Errorf("%w: %s node %s", ErrNotSkippable, n.Type, stepID)
			}
			return nil
		}
	default:
		return fmt.Errorf("%w: skip on %s", ErrWrongShape, s.Shape)
	}
	return fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
}

// signalLocked wakes every goroutine suspended on r.
func signalLocked(r *run) {
	close(r.changed)
	r.changed = make(chan struct{})
}

// pruneLocked drops the oldest terminal executions beyond RetainFinished.
func (e *Engine) pruneLocked() {
	if e.cfg.RetainFinished <= 0 {
		return
	}
	finished := 0
	for _, id := range e.order {
		if e.runs[id].exec.Status.Terminal() {
			finished++
		}
	}
	drop := finished - e.cfg.RetainFinished
	if drop <= 0 {
		return
	}
	kept := e.order[:0]
	for _, id := range e.order {
		if drop > 0 && e.runs[id].exec.Status.Terminal() {
			delete(e.runs, id)
			drop--
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}

// --- Lookups ---

// Get returns a copy of one execution.
func (e *Engine) Get(id string) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.exec.Clone(), nil
}

// List returns every execution in trigger order.
func (e *Engine) List() []*Execution {
	return e.collect(func(*Execution) bool { return true })
}

// Active returns the non-terminal executions in trigger order.
func (e *Engine) Active() []*Execution {
	return e.collect(func(x *Execution) bool { return !x.Status.Terminal() })
}

func (e *Engine) collect(keep func(*Execution) bool) []*Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Execution, 0, len(e.order))
	for _, id := range e.order {
		if x := e.runs[id].exec; keep(x) {
			out = append(out, x.Clone())
		}
	}
	return out
}

// Watch returns a channel closed once the execution reaches a terminal
// state.
func (e *Engine) Watch(id string) (<-chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.done, nil
}

// Close cancels every live execution and waits for the interpreters to
// return. Subscriptions are closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	now := e.clock.Now()
	for _, id := range e.order {
		if r := e.runs[id]; !r.exec.Status.Terminal() {
			_ = e.cancelLocked(r, now, "engine closed")
			signalLocked(r)
		}
	}
	e.mu.Unlock()

	e.stop()
	e.wg.Wait()

	e.mu.Lock()
	for s := range e.subs {
		s.close()
	}
	e.subs = map[*subscriber]struct{}{}
	e.mu.Unlock()
	return nil
}

// holds evaluates c against the snapshot that triggered r. Without a
// snapshot every field is absent.
func (r *run) holds(c rules.Condition) bool {
	field := value.Null()
	if r.snapshot != nil {
		field = r.snapshot.Lookup(c.Field)
	}
	return rules.EvaluateCondition(c, field)
}

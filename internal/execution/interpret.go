package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HendryAvila/routine/internal/metrics"
	"github.com/HendryAvila/routine/internal/sop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// errHalted ends interpretation after a failed validation under
	// PolicyHalt; the execution still finalizes.
	errHalted = errors.New("execution: halted by failed validation")
	// errStopped ends interpretation of an execution that went terminal
	// elsewhere.
	errStopped = errors.New("execution: stopped")
)

func (e *Engine) run(r *run) {
	defer e.wg.Done()

	var err error
	switch r.sop.Shape {
	case sop.ShapeChecklist:
		err = e.runChecklist(r)
	case sop.ShapeSteps:
		err = e.runSteps(r)
	case sop.ShapeFlowchart:
		err = e.runFlowchart(r)
	}
	switch {
	case err == nil, errors.Is(err, errHalted):
	case errors.Is(err, errStopped), r.ctx.Err() != nil:
		return
	default:
		e.logger.Error("interpreter failed", zap.String("execution_id", r.exec.ID), zap.Error(err))
	}
	e.finalize(r)
}

// --- Suspension ---

// await is the only suspension point. It returns once ready holds while
// the execution is running. A positive timeout makes ready hold once it
// fires; the timer only runs while the execution is running, so a pause
// stops it and resume re-arms the remainder. It fails with errStopped when
// the execution goes terminal and with ctx's error when ctx ends.
func (e *Engine) await(ctx context.Context, r *run, ready func() bool, timeout time.Duration) error {
	var (
		timer     <-chan time.Time
		armedAt   time.Time
		remaining = timeout
		fired     bool
	)
	for {
		e.mu.Lock()
		if r.exec.Status.Terminal() {
			e.mu.Unlock()
			return errStopped
		}
		running := r.exec.Status == StatusRunning
		if running && (fired || (ready != nil && ready())) {
			e.mu.Unlock()
			return nil
		}
		if timeout > 0 && !fired {
			now := e.clock.Now()
			switch {
			case running && timer == nil:
				if remaining < 0 {
					remaining = 0
				}
				timer, armedAt = e.clock.After(remaining), now
			case !running && timer != nil:
				remaining -= now.Sub(armedAt)
				timer = nil
			}
		}
		ch := r.changed
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		case <-timer:
			timer, fired = nil, true
		}
	}
}

func (e *Engine) waitRunning(ctx context.Context, r *run) error {
	return e.await(ctx, r, func() bool { return true }, 0)
}

// --- Step body ---

type body struct {
	id         string
	reminder   time.Duration
	duration   time.Duration
	mode       sop.ExecutionMode
	validation *sop.StepValidation
}

// beginLocked moves a record to in_progress unless it was already skipped.
func (e *Engine) beginLocked(r *run, id string) bool {
	rec, ok := r.exec.Record(id)
	if !ok || rec.Status == StepSkipped {
		return false
	}
	startStep(r.exec, id, e.clock.Now())
	return true
}

// perform runs the reminder delay and the confirm or timed wait of one
// body. It consumes a pending confirmation and reports whether the step
// was skipped meanwhile.
func (e *Engine) perform(ctx context.Context, r *run, b body) (bool, error) {
	skipped := func() bool {
		rec, _ := r.exec.Record(b.id)
		return rec.Status == StepSkipped
	}
	if b.reminder > 0 {
		if err := e.await(ctx, r, skipped, b.reminder); err != nil {
			return false, err
		}
	}
	ready := func() bool { return r.confirmed[b.id] || skipped() }
	timeout := time.Duration(0)
	if b.mode == sop.ModeTimed {
		if b.duration <= 0 {
			ready = func() bool { return true }
		}
		timeout = b.duration
	}
	if err := e.await(ctx, r, ready, timeout); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(r.confirmed, b.id)
	return skipped(), nil
}

// settle validates a performed body and records the step as completed or
// failed. Under PolicyHalt a failure returns errHalted.
func (e *Engine) settle(ctx context.Context, r *run, b body) error {
	passed, msg := e.validate(ctx, r, b)

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.exec.Status.Terminal() {
		return errStopped
	}
	now := e.clock.Now()
	if passed {
		finishStep(r.exec, b.id, StepCompleted, now, "")
		e.emitLocked(r, EventStepCompleted, b.id, "")
		return nil
	}
	finishStep(r.exec, b.id, StepFailed, now, msg)
	e.emitLocked(r, EventStepFailed, b.id, msg)
	e.logger.Warn("step validation failed",
		zap.String("execution_id", r.exec.ID), zap.String("step_id", b.id),
		zap.String("reason", msg), zap.String("policy", string(e.cfg.ValidationPolicy)))
	if e.cfg.ValidationPolicy == PolicyHalt {
		return errHalted
	}
	return nil
}

func (e *Engine) runBody(ctx context.Context, r *run, b body) error {
	skipped, err := e.perform(ctx, r, b)
	if err != nil || skipped {
		return err
	}
	return e.settle(ctx, r, b)
}

// validate runs an automatic validation inline. Other validation types
// pass here and are confirmed externally.
func (e *Engine) validate(ctx context.Context, r *run, b body) (bool, string) {
	v := b.validation
	if v == nil || v.Type != sop.ValidationAutomatic {
		return true, ""
	}
	msg := v.Message
	if msg == "" {
		msg = "validation failed"
	}
	if v.Condition != nil && !r.holds(*v.Condition) {
		return false, msg
	}
	if v.Predicate == "" {
		return true, ""
	}
	fn, ok := e.validators[v.Predicate]
	if !ok {
		return false, fmt.Sprintf("no validator registered as %q", v.Predicate)
	}
	passed, err := fn(ctx, ValidationInput{
		ExecutionID: r.exec.ID,
		SOPID:       r.sop.ID,
		StepID:      b.id,
		Snapshot:    r.snapshot,
	})
	if err != nil {
		return false, err.Error()
	}
	if !passed {
		return false, msg
	}
	return true, ""
}

// --- Checklist ---

// requiredItems is the completion set: the declared required items, else
// the items flagged required, else every item.
func requiredItems(c *sop.Checklist) []string {
	if len(c.CompletionCriteria.RequiredItems) > 0 {
		return c.CompletionCriteria.RequiredItems
	}
	var ids []string
	for _, it := range c.Items {
		if it.Required {
			ids = append(ids, it.ID)
		}
	}
	if len(ids) > 0 {
		return ids
	}
	for _, it := range c.Items {
		ids = append(ids, it.ID)
	}
	return ids
}

// runChecklist waits until every required item is checked. Items are
// toggled through CheckItem.
func (e *Engine) runChecklist(r *run) error {
	required := requiredItems(r.sop.Checklist)
	return e.await(r.ctx, r, func() bool {
		for _, id := range required {
			if rec, ok := r.exec.Record(id); !ok || rec.Status != StepCompleted {
				return false
			}
		}
		return true
	}, 0)
}

// --- Ordered steps ---

func (e *Engine) runSteps(r *run) error {
	st := r.sop.Steps
	autoAdvance := st.AutoAdvance || e.cfg.AutoAdvance
	for i, step := range st.Steps {
		if err := e.waitRunning(r.ctx, r); err != nil {
			return err
		}

		e.mu.Lock()
		if step.SkipCondition != nil && r.holds(*step.SkipCondition) {
			if rec, _ := r.exec.Record(step.ID); rec.Status != StepSkipped {
				finishStep(r.exec, step.ID, StepSkipped, e.clock.Now(), "skip condition met")
				e.emitLocked(r, EventStepSkipped, step.ID, "skip condition met")
			}
			e.mu.Unlock()
			continue
		}
		started := e.beginLocked(r, step.ID)
		e.mu.Unlock()
		if !started {
			continue
		}

		err := e.runBody(r.ctx, r, body{
			id:         step.ID,
			reminder:   seconds(step.ReminderDelay),
			duration:   seconds(step.EstimatedDuration),
			mode:       st.ExecutionMode,
			validation: step.Validation,
		})
		if err != nil {
			return err
		}

		if autoAdvance && e.cfg.SettleDelay > 0 && i < len(st.Steps)-1 {
			if err := e.await(r.ctx, r, nil, e.cfg.SettleDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- Flowchart ---

// runFlowchart walks the node arena from the start node. Each node is
// visited at most once, except a loop node that still has iterations
// left; any other revisit aborts the walk with a warning.
func (e *Engine) runFlowchart(r *run) error {
	fc := r.sop.Flowchart
	arena := make(map[string]int, len(fc.Nodes))
	for i, n := range fc.Nodes {
		arena[n.ID] = i
	}
	visited := map[string]bool{}

	for cur := fc.StartNodeID; cur != ""; {
		if err := e.waitRunning(r.ctx, r); err != nil {
			return err
		}
		idx, ok := arena[cur]
		if !ok {
			e.warn(r, cur, "unknown node, traversal stopped")
			return nil
		}
		node := fc.Nodes[idx]
		if visited[cur] && !e.reentrant(r, node) {
			e.warn(r, cur, "cycle detected, traversal stopped")
			return nil
		}
		if !visited[cur] {
			visited[cur] = true
			e.mu.Lock()
			r.exec.Flow.Visited = append(r.exec.Flow.Visited, cur)
			e.mu.Unlock()
		}

		var err error
		switch node.Type {
		case sop.NodeEnd:
			e.mu.Lock()
			if e.beginLocked(r, node.ID) {
				finishStep(r.exec, node.ID, StepCompleted, e.clock.Now(), "")
				e.emitLocked(r, EventStepCompleted, node.ID, "")
			}
			e.mu.Unlock()
			return nil
		case sop.NodeDecision:
			cur, err = e.visitDecision(r, node)
		case sop.NodeParallel:
			cur, err = e.visitParallel(r, node, arena, visited)
		case sop.NodeLoop:
			cur, err = e.visitLoop(r, node)
		default:
			cur, err = e.visitStep(r, node)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// reentrant reports whether a visited node may be walked again: only a loop
// node that was not skipped and is below its bound.
func (e *Engine) reentrant(r *run, n sop.Node) bool {
	if n.Type != sop.NodeLoop {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := r.exec.Record(n.ID); ok && rec.Status == StepSkipped {
		return false
	}
	return r.exec.Flow.LoopIterations[n.ID] < e.loopBound(n)
}

// loopBound is the node's own bound capped by MaxLoopIterations.
func (e *Engine) loopBound(n sop.Node) int {
	bound := n.Loop.MaxIterations
	if capN := e.cfg.MaxLoopIterations; capN > 0 && bound > capN {
		bound = capN
	}
	return bound
}

func (e *Engine) nodeBody(r *run, n sop.Node) body {
	return body{
		id:         n.ID,
		duration:   seconds(n.EstimatedDuration),
		mode:       r.sop.Flowchart.ExecutionMode,
		validation: n.Validation,
	}
}

// visitStep runs a start or process node and follows its connection.
func (e *Engine) visitStep(r *run, n sop.Node) (string, error) {
	next, _ := n.Next()
	e.mu.Lock()
	started := e.beginLocked(r, n.ID)
	e.mu.Unlock()
	if !started {
		return next, nil
	}
	if err := e.runBody(r.ctx, r, e.nodeBody(r, n)); err != nil {
		return "", err
	}
	return next, nil
}

// visitDecision obtains a value from the Decider or from Decide, records
// it and follows the matching option. No match ends the walk.
func (e *Engine) visitDecision(r *run, n sop.Node) (string, error) {
	e.mu.Lock()
	e.beginLocked(r, n.ID)
	e.mu.Unlock()

	val, ok := "", false
	if e.decider != nil {
		val, ok = e.decider(r.ctx, n, r.snapshot)
	}
	if !ok {
		err := e.await(r.ctx, r, func() bool {
			_, ok := r.decisions[n.ID]
			return ok
		}, 0)
		if err != nil {
			return "", err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.exec.Status.Terminal() {
		return "", errStopped
	}
	if !ok {
		val = r.decisions[n.ID]
		delete(r.decisions, n.ID)
	}
	now := e.clock.Now()
	r.exec.Flow.Decisions = append(r.exec.Flow.Decisions, DecisionRecord{NodeID: n.ID, Value: val, At: now})
	finishStep(r.exec, n.ID, StepCompleted, now, val)
	e.emitLocked(r, EventStepCompleted, n.ID, val)

	for _, opt := range n.Decision.Options {
		if opt.Value == val {
			return opt.NextNodeID, nil
		}
	}
	e.warnLocked(r, n.ID, fmt.Sprintf("no option for decision value %q, traversal stopped", val))
	return "", nil
}

// visitParallel runs every branch concurrently and joins them before
// following the node's connection. The first branch error is returned;
// the parallel node is then recorded as failed and the branch nodes that
// were interrupted go back to pending.
func (e *Engine) visitParallel(r *run, n sop.Node, arena map[string]int, visited map[string]bool) (string, error) {
	fc := r.sop.Flowchart
	for _, branch := range n.Parallel.Branches {
		for _, id := range branch {
			visited[id] = true
		}
	}
	e.mu.Lock()
	e.beginLocked(r, n.ID)
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(r.ctx)
	for _, branch := range n.Parallel.Branches {
		g.Go(func() error {
			for _, id := range branch {
				node := fc.Nodes[arena[id]]
				e.mu.Lock()
				r.exec.Flow.Visited = append(r.exec.Flow.Visited, id)
				started := e.beginLocked(r, id)
				e.mu.Unlock()
				if !started {
					continue
				}
				if err := e.runBody(gctx, r, e.nodeBody(r, node)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if r.ctx.Err() != nil {
			return "", r.ctx.Err()
		}
		if !errors.Is(err, errStopped) {
			e.abandonParallel(r, n)
		}
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	finishStep(r.exec, n.ID, StepCompleted, e.clock.Now(), "")
	e.emitLocked(r, EventStepCompleted, n.ID, "")
	next, _ := n.Next()
	return next, nil
}

func (e *Engine) abandonParallel(r *run, n sop.Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var failed []string
	for _, branch := range n.Parallel.Branches {
		for _, id := range branch {
			resetStep(r.exec, id)
			if rec, ok := r.exec.Record(id); ok && rec.Status == StepFailed {
				failed = append(failed, id)
			}
		}
	}
	msg := "branch failed: " + strings.Join(failed, ", ")
	finishStep(r.exec, n.ID, StepFailed, e.clock.Now(), msg)
	e.emitLocked(r, EventStepFailed, n.ID, msg)
}

// visitLoop repeats the node body while its iteration count is below the
// bound, then exits through the connection. The count survives re-entry,
// so the bound holds across the whole execution. Skipping the node exits.
func (e *Engine) visitLoop(r *run, n sop.Node) (string, error) {
	next, _ := n.Next()
	bound := e.loopBound(n)

	e.mu.Lock()
	started := e.beginLocked(r, n.ID)
	e.mu.Unlock()
	if !started {
		return next, nil
	}

	b := e.nodeBody(r, n)
	for {
		e.mu.Lock()
		done := r.exec.Flow.LoopIterations[n.ID] >= bound
		e.mu.Unlock()
		if done {
			break
		}
		skipped, err := e.perform(r.ctx, r, b)
		if err != nil {
			return "", err
		}
		if skipped {
			return next, nil
		}
		e.mu.Lock()
		r.exec.Flow.LoopIterations[n.ID]++
		e.mu.Unlock()
	}
	if err := e.settle(r.ctx, r, b); err != nil {
		return "", err
	}
	return next, nil
}

func (e *Engine) warn(r *run, stepID, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warnLocked(r, stepID, msg)
}

func (e *Engine) warnLocked(r *run, stepID, msg string) {
	e.logger.Warn(msg, zap.String("execution_id", r.exec.ID), zap.String("sop_id", r.exec.SOPID), zap.String("node_id", stepID))
	e.emitLocked(r, EventWarning, stepID, msg)
}

// --- Finalization ---

// finalize completes the execution, folds it into the SOP stats and
// releases its watchers.
func (e *Engine) finalize(r *run) {
	e.mu.Lock()
	x := r.exec
	if x.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	now := e.clock.Now()
	if x.Status == StatusPaused {
		_ = transition(x, StatusRunning, now, "")
	}
	if err := transition(x, StatusCompleted, now, ""); err != nil {
		e.mu.Unlock()
		e.logger.Error("finalize", zap.String("execution_id", x.ID), zap.Error(err))
		return
	}
	x.Progress.CurrentStep = ""
	x.Result = buildResult(x)
	if r.fullRate {
		x.Result.CompletionRate = 100
	}
	e.emitLocked(r, EventCompleted, "", "")
	close(r.done)
	r.cancel()

	sopID, id, success := x.SOPID, x.ID, x.Result.Success
	rate := x.Result.CompletionRate
	duration := now.Sub(x.StartedAt)
	e.mu.Unlock()

	outcome := "succeeded"
	if !success {
		outcome = "failed"
	}
	metrics.Executions.WithLabelValues(outcome).Inc()
	metrics.ActiveExecutions.Dec()
	e.logger.Info("execution completed",
		zap.String("execution_id", id), zap.String("sop_id", sopID),
		zap.Bool("success", success), zap.Int("completion_rate", rate), zap.Duration("duration", duration))

	if err := e.registry.RecordCompletion(context.Background(), sopID, success, duration, now); err != nil {
		e.logger.Warn("recording completion failed", zap.String("sop_id", sopID), zap.Error(err))
	}
}

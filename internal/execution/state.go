package execution

import (
	"fmt"
	"math"
	"time"
)

// --- Lifecycle state machine ---
//
// preparing -> running -> {paused <-> running} -> {completed | cancelled}.
// Terminal states have no outgoing edges.

var transitions = map[Status][]Status{
	StatusPreparing: {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusCancelled},
	StatusPaused:    {StatusRunning, StatusCancelled},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves e to status to, stamping the timestamps that edge
// implies. Pausing opens an interruption, resuming closes the last one,
// and reaching a terminal state stamps CompletedAt.
func transition(e *Execution, to Status, now time.Time, reason string) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s for execution %s", ErrInvalidTransition, e.Status, to, e.ID)
	}
	switch to {
	case StatusPaused:
		t := now
		e.PausedAt = &t
		e.Interruptions = append(e.Interruptions, Interruption{Timestamp: now, Reason: reason})
	case StatusRunning:
		if e.Status == StatusPaused {
			e.PausedAt = nil
			if n := len(e.Interruptions); n > 0 && e.Interruptions[n-1].ResumedAt == nil {
				t := now
				e.Interruptions[n-1].ResumedAt = &t
			}
		}
	case StatusCompleted, StatusCancelled:
		t := now
		e.CompletedAt = &t
		e.PausedAt = nil
		if n := len(e.Interruptions); n > 0 && e.Interruptions[n-1].ResumedAt == nil {
			e.Interruptions[n-1].ResumedAt = &t
		}
	}
	e.Status = to
	return nil
}

// --- Step records ---

func startStep(e *Execution, id string, now time.Time) {
	rec, ok := e.Record(id)
	if !ok {
		return
	}
	t := now
	rec.Status = StepInProgress
	rec.StartedAt = &t
	e.Progress.CurrentStep = id
}

// finishStep moves a record to a terminal step status. Completed records
// get a duration measured from their start.
func finishStep(e *Execution, id string, status StepStatus, now time.Time, note string) {
	rec, ok := e.Record(id)
	if !ok {
		return
	}
	t := now
	rec.Status = status
	rec.CompletedAt = &t
	rec.Note = note
	if status == StepCompleted && rec.StartedAt != nil {
		rec.Duration = now.Sub(*rec.StartedAt)
	}
	if e.Progress.CurrentStep == id {
		e.Progress.CurrentStep = ""
	}
	recomputeProgress(e)
}

// resetStep returns an interrupted in_progress record to pending.
func resetStep(e *Execution, id string) {
	rec, ok := e.Record(id)
	if !ok || rec.Status != StepInProgress {
		return
	}
	rec.Status = StepPending
	rec.StartedAt = nil
	if e.Progress.CurrentStep == id {
		e.Progress.CurrentStep = ""
	}
}

// recomputeProgress derives Progress from the records; it never adjusts
// counters incrementally.
func recomputeProgress(e *Execution) {
	completed := 0
	for _, r := range e.StepRecords {
		if r.Status == StepCompleted {
			completed++
		}
	}
	e.Progress.TotalSteps = len(e.StepRecords)
	e.Progress.CompletedSteps = completed
	e.Progress.PercentComplete = percent(completed, len(e.StepRecords))
}

func percent(n, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(n) / float64(total) * 100))
}

// buildResult summarizes the records of a finished execution.
func buildResult(e *Execution) *Result {
	res := &Result{SkippedSteps: []string{}, FailedSteps: []string{}}
	completed := 0
	for _, r := range e.StepRecords {
		switch r.Status {
		case StepCompleted:
			completed++
		case StepSkipped:
			res.SkippedSteps = append(res.SkippedSteps, r.StepID)
		case StepFailed:
			res.FailedSteps = append(res.FailedSteps, r.StepID)
		}
	}
	res.Success = len(res.FailedSteps) == 0
	res.CompletionRate = percent(completed, len(e.StepRecords))
	return res
}

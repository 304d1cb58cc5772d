package execution

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPreparing, StatusRunning, true},
		{StatusPreparing, StatusPaused, false},
		{StatusRunning, StatusPaused, true},
		{StatusPaused, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusPaused, StatusCompleted, false},
		{StatusRunning, StatusCancelled, true},
		{StatusPaused, StatusCancelled, true},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusRunning, false},
		{StatusCancelled, StatusCompleted, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransition_StampsInterruptions(t *testing.T) {
	t0 := time.Date(2026, 3, 4, 21, 0, 0, 0, time.UTC)
	e := &Execution{ID: "x", Status: StatusPreparing}

	if err := transition(e, StatusRunning, t0, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := transition(e, StatusPaused, t0.Add(time.Minute), "phone call"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if e.PausedAt == nil || len(e.Interruptions) != 1 || e.Interruptions[0].Reason != "phone call" {
		t.Fatalf("pause not recorded: %+v", e)
	}
	if err := transition(e, StatusRunning, t0.Add(3*time.Minute), ""); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if e.PausedAt != nil {
		t.Error("PausedAt should be cleared on resume")
	}
	if got := e.Interruptions[0].ResumedAt; got == nil || !got.Equal(t0.Add(3*time.Minute)) {
		t.Errorf("ResumedAt = %v, want %v", got, t0.Add(3*time.Minute))
	}

	if err := transition(e, StatusCompleted, t0.Add(5*time.Minute), ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if e.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}
	if err := transition(e, StatusRunning, t0, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("leaving terminal state: err = %v, want ErrInvalidTransition", err)
	}
	if e.Status != StatusCompleted {
		t.Errorf("Status = %s after rejected transition", e.Status)
	}
}

func TestRecomputeProgress(t *testing.T) {
	e := &Execution{StepRecords: []StepRecord{
		{StepID: "a", Status: StepCompleted},
		{StepID: "b", Status: StepSkipped},
		{StepID: "c", Status: StepPending},
	}}
	recomputeProgress(e)
	if e.Progress.TotalSteps != 3 || e.Progress.CompletedSteps != 1 || e.Progress.PercentComplete != 33 {
		t.Errorf("Progress = %+v, want 3/1/33", e.Progress)
	}

	now := time.Now()
	startStep(e, "c", now)
	if e.Progress.CurrentStep != "c" {
		t.Errorf("CurrentStep = %q, want c", e.Progress.CurrentStep)
	}
	finishStep(e, "c", StepCompleted, now.Add(2*time.Second), "")
	if e.Progress.PercentComplete != 67 || e.Progress.CurrentStep != "" {
		t.Errorf("Progress = %+v, want 67%% and no current step", e.Progress)
	}
	rec, _ := e.Record("c")
	if rec.Duration != 2*time.Second {
		t.Errorf("Duration = %v, want 2s", rec.Duration)
	}

	res := buildResult(e)
	if !res.Success || res.CompletionRate != 67 || len(res.SkippedSteps) != 1 || res.SkippedSteps[0] != "b" {
		t.Errorf("Result = %+v", res)
	}
}

func TestPercent(t *testing.T) {
	tests := []struct{ n, total, want int }{
		{0, 0, 0}, {0, 4, 0}, {1, 3, 33}, {2, 3, 67}, {3, 4, 75}, {1, 8, 13}, {4, 4, 100},
	}
	for _, tt := range tests {
		if got := percent(tt.n, tt.total); got != tt.want {
			t.Errorf("percent(%d, %d) = %d, want %d", tt.n, tt.total, got, tt.want)
		}
	}
}

// Package execution runs SOPs. The Engine owns every live Execution, drives
// it through the checklist, ordered-steps or flowchart interpreter, and
// reports progress through events and per-execution watch channels.
package execution

import (
	"errors"
	"time"

	"github.com/HendryAvila/routine/internal/situation"
)

var (
	// ErrSOPNotFound is returned by Trigger for an unknown SOP.
	ErrSOPNotFound = errors.New("execution: sop not found")
	// ErrSOPInactive is returned by Trigger for a deactivated SOP.
	ErrSOPInactive = errors.New("execution: sop inactive")
	// ErrConstrained is returned by Trigger when cooldown or the daily cap
	// blocks the trigger.
	ErrConstrained = errors.New("execution: blocked by constraints")
	// ErrInvalidTransition is returned for a status change the lifecycle
	// does not allow.
	ErrInvalidTransition = errors.New("execution: invalid transition")
	// ErrNotFound is returned for an unknown execution id.
	ErrNotFound = errors.New("execution: not found")
	// ErrUnknownStep is returned for a step, item or node id the execution
	// does not track.
	ErrUnknownStep = errors.New("execution: unknown step")
	// ErrNotSkippable is returned when skipping a required step.
	ErrNotSkippable = errors.New("execution: step cannot be skipped")
	// ErrWrongShape is returned when an operation does not apply to the
	// execution's SOP shape.
	ErrWrongShape = errors.New("execution: operation does not fit sop shape")
	// ErrClosed is returned once the engine has been closed.
	ErrClosed = errors.New("execution: engine closed")
)

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusPreparing Status = "preparing"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// StepStatus is the state of one tracked step, item or node.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
	StepFailed     StepStatus = "failed"
)

// StepRecord tracks one step. Duration is set when the step completes.
type StepRecord struct {
	StepID      string        `json:"stepId"`
	Status      StepStatus    `json:"status"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Note        string        `json:"note,omitempty"`
}

// Progress is derived from the step records after every change.
type Progress struct {
	TotalSteps      int    `json:"totalSteps"`
	CompletedSteps  int    `json:"completedSteps"`
	PercentComplete int    `json:"percentComplete"`
	CurrentStep     string `json:"currentStep,omitempty"`
}

// Interruption is one pause. ResumedAt is nil while still paused.
type Interruption struct {
	Timestamp time.Time  `json:"timestamp"`
	Reason    string     `json:"reason,omitempty"`
	ResumedAt *time.Time `json:"resumedAt,omitempty"`
}

// Source describes who or what triggered an execution.
type Source struct {
	TriggeredBy string              `json:"triggeredBy"`
	RuleID      string              `json:"ruleId,omitempty"`
	Executor    string              `json:"executor,omitempty"`
	Snapshot    *situation.Snapshot `json:"-"`
}

// Trigger sources.
const (
	TriggeredManually = "manual"
	TriggeredByRule   = "rule"
)

// Result summarizes a completed execution.
type Result struct {
	Success        bool     `json:"success"`
	CompletionRate int      `json:"completionRate"`
	SkippedSteps   []string `json:"skippedSteps"`
	FailedSteps    []string `json:"failedSteps"`
}

// DecisionRecord is one resolved flowchart decision.
type DecisionRecord struct {
	NodeID string    `json:"nodeId"`
	Value  string    `json:"value"`
	At     time.Time `json:"at"`
}

// Flow is the traversal state of a flowchart execution.
type Flow struct {
	Visited        []string         `json:"visitedNodes"`
	Decisions      []DecisionRecord `json:"decisionHistory"`
	LoopIterations map[string]int   `json:"loopIterations,omitempty"`
}

// Execution is one run of an SOP. Values handed out by the Engine are
// copies; the Engine keeps the only mutable instance.
type Execution struct {
	ID            string         `json:"id"`
	SOPID         string         `json:"sopId"`
	SOPName       string         `json:"sopName"`
	Status        Status         `json:"status"`
	StartedAt     time.Time      `json:"startedAt"`
	PausedAt      *time.Time     `json:"pausedAt,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	Progress      Progress       `json:"progress"`
	StepRecords   []StepRecord   `json:"stepRecords"`
	Interruptions []Interruption `json:"interruptions,omitempty"`
	Context       Source         `json:"context"`
	Flow          *Flow          `json:"flow,omitempty"`
	Result        *Result        `json:"result,omitempty"`
}

// Record returns the step record for id.
func (e *Execution) Record(id string) (*StepRecord, bool) {
	for i := range e.StepRecords {
		if e.StepRecords[i].StepID == id {
			return &e.StepRecords[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.PausedAt = clonePtr(e.PausedAt)
	cp.CompletedAt = clonePtr(e.CompletedAt)
	cp.StepRecords = make([]StepRecord, len(e.StepRecords))
	for i, r := range e.StepRecords {
		r.StartedAt = clonePtr(r.StartedAt)
		r.CompletedAt = clonePtr(r.CompletedAt)
		cp.StepRecords[i] = r
	}
	cp.Interruptions = make([]Interruption, len(e.Interruptions))
	for i, in := range e.Interruptions {
		in.ResumedAt = clonePtr(in.ResumedAt)
		cp.Interruptions[i] = in
	}
	if e.Flow != nil {
		f := Flow{
			Visited:        append([]string(nil), e.Flow.Visited...),
			Decisions:      append([]DecisionRecord(nil), e.Flow.Decisions...),
			LoopIterations: make(map[string]int, len(e.Flow.LoopIterations)),
		}
		for k, v := range e.Flow.LoopIterations {
			f.LoopIterations[k] = v
		}
		cp.Flow = &f
	}
	if e.Result != nil {
		r := *e.Result
		r.SkippedSteps = append([]string{}, e.Result.SkippedSteps...)
		r.FailedSteps = append([]string{}, e.Result.FailedSteps...)
		cp.Result = &r
	}
	return &cp
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// --- Events ---

// EventType names an engine event.
type EventType string

const (
	EventStarted       EventType = "started"
	EventStepCompleted EventType = "step_completed"
	EventStepSkipped   EventType = "step_skipped"
	EventStepFailed    EventType = "step_failed"
	EventPaused        EventType = "paused"
	EventResumed       EventType = "resumed"
	EventCompleted     EventType = "completed"
	EventCancelled     EventType = "cancelled"
	EventWarning       EventType = "warning"
)

// Event reports one change to an execution.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"executionId"`
	SOPID       string    `json:"sopId"`
	StepID      string    `json:"stepId,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

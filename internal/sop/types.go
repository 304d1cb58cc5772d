// Package sop models standard operating procedures: guided processes in one
// of three shapes (checklist, ordered steps, decision flowchart).
//
// Definitions are decoded from YAML or JSON, checked by Build and kept in a
// Registry that persists the catalogue and execution stats. Templates are
// reusable definitions instantiated into new SOPs.
package sop

import (
	"errors"
	"fmt"
	"time"

	"github.com/HendryAvila/routine/internal/limit"
	"github.com/HendryAvila/routine/internal/rules"
)

var (
	// ErrNotFound is returned for an unknown SOP or template id.
	ErrNotFound = errors.New("sop: not found")
	// ErrExists is returned when creating an SOP whose id is taken.
	ErrExists = errors.New("sop: already exists")
	// ErrUnsupportedShape is wrapped by DefinitionError for unknown shapes.
	ErrUnsupportedShape = errors.New("sop: unsupported shape")
)

// DefinitionError reports why a definition was rejected.
type DefinitionError struct {
	Field  string
	Reason string
	Err    error
}

func (e *DefinitionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("sop: invalid definition: %s", e.Reason)
	}
	return fmt.Sprintf("sop: invalid definition: %s: %s", e.Field, e.Reason)
}

func (e *DefinitionError) Unwrap() error { return e.Err }

func defErr(field, format string, args ...any) *DefinitionError {
	return &DefinitionError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// --- Shape enum ---

// Shape selects the interpreter an SOP runs under.
type Shape string

const (
	ShapeChecklist Shape = "checklist"
	ShapeSteps     Shape = "ordered_steps"
	ShapeFlowchart Shape = "flowchart"
)

// --- Triggers ---

// TriggerType says what may start an SOP.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerRule     TriggerType = "rule"
	TriggerSchedule TriggerType = "schedule"
)

// Trigger declares one way an SOP may be started.
type Trigger struct {
	Type     TriggerType `json:"type" yaml:"type" validate:"required,oneof=manual rule schedule"`
	RuleID   string      `json:"ruleId,omitempty" yaml:"ruleId,omitempty" validate:"required_if=Type rule"`
	Schedule string      `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Stats accumulates execution outcomes. SuccessRate is a percentage and
// AverageDuration is in seconds.
type Stats struct {
	TotalExecutions int         `json:"totalExecutions" yaml:"totalExecutions"`
	SuccessRate     float64     `json:"successRate" yaml:"successRate"`
	AverageDuration float64     `json:"averageDuration" yaml:"averageDuration"`
	LastExecuted    *time.Time  `json:"lastExecuted,omitempty" yaml:"lastExecuted,omitempty"`
	RecentTriggers  []time.Time `json:"recentTriggers,omitempty" yaml:"recentTriggers,omitempty"`
}

// --- Checklist ---

// Item is one checklist entry. EstimatedDuration is in seconds.
type Item struct {
	ID                string `json:"id" yaml:"id" validate:"required"`
	Title             string `json:"title" yaml:"title" validate:"required"`
	Required          bool   `json:"required,omitempty" yaml:"required,omitempty"`
	EstimatedDuration int    `json:"estimatedDuration,omitempty" yaml:"estimatedDuration,omitempty" validate:"gte=0"`
}

// CompletionCriteria lists the item ids that must be checked.
type CompletionCriteria struct {
	RequiredItems []string `json:"requiredItems" yaml:"requiredItems"`
}

// Checklist is the payload of a checklist SOP.
type Checklist struct {
	Items              []Item             `json:"items" yaml:"items" validate:"required,min=1,dive"`
	CompletionCriteria CompletionCriteria `json:"completionCriteria" yaml:"completionCriteria"`
}

// --- Ordered steps ---

// ValidationType names how a step's outcome is checked.
type ValidationType string

const (
	ValidationManual    ValidationType = "manual"
	ValidationAutomatic ValidationType = "automatic"
	ValidationPhoto     ValidationType = "photo"
	ValidationLocation  ValidationType = "location"
	ValidationData      ValidationType = "data"
)

// StepValidation checks a step once its body is done. Only automatic
// validations run inline: either Condition against the triggering snapshot
// or the engine validator registered under Predicate.
type StepValidation struct {
	Type      ValidationType   `json:"type" yaml:"type" validate:"required,oneof=manual automatic photo location data"`
	Predicate string           `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Condition *rules.Condition `json:"condition,omitempty" yaml:"condition,omitempty" validate:"omitempty"`
	Message   string           `json:"message,omitempty" yaml:"message,omitempty"`
}

// Step is one ordered step. Durations are in seconds.
type Step struct {
	ID                string           `json:"id" yaml:"id" validate:"required"`
	Title             string           `json:"title" yaml:"title" validate:"required"`
	Description       string           `json:"description,omitempty" yaml:"description,omitempty"`
	EstimatedDuration int              `json:"estimatedDuration,omitempty" yaml:"estimatedDuration,omitempty" validate:"gte=0"`
	Optional          bool             `json:"optional,omitempty" yaml:"optional,omitempty"`
	ReminderDelay     int              `json:"reminderDelay,omitempty" yaml:"reminderDelay,omitempty" validate:"gte=0"`
	Validation        *StepValidation  `json:"validation,omitempty" yaml:"validation,omitempty" validate:"omitempty"`
	SkipCondition     *rules.Condition `json:"skipCondition,omitempty" yaml:"skipCondition,omitempty" validate:"omitempty"`
}

// ExecutionMode selects how a step body ends.
type ExecutionMode string

const (
	// ModeConfirm waits for an external confirmation.
	ModeConfirm ExecutionMode = "confirm"
	// ModeTimed sleeps for the step's estimated duration.
	ModeTimed ExecutionMode = "timed"
)

// Steps is the payload of an ordered-steps SOP.
type Steps struct {
	Steps         []Step        `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
	ExecutionMode ExecutionMode `json:"executionMode" yaml:"executionMode" validate:"omitempty,oneof=confirm timed"`
	AutoAdvance   bool          `json:"autoAdvance,omitempty" yaml:"autoAdvance,omitempty"`
}

// --- Flowchart ---

// NodeType determines how the interpreter treats a node.
type NodeType string

const (
	NodeStart    NodeType = "start"
	NodeEnd      NodeType = "end"
	NodeProcess  NodeType = "process"
	NodeDecision NodeType = "decision"
	NodeParallel NodeType = "parallel"
	NodeLoop     NodeType = "loop"
)

// DecisionOption routes a decision value to the next node.
type DecisionOption struct {
	Value      string `json:"value" yaml:"value" validate:"required"`
	Label      string `json:"label,omitempty" yaml:"label,omitempty"`
	NextNodeID string `json:"nextNodeId" yaml:"nextNodeId" validate:"required"`
}

// Decision is the payload of a decision node.
type Decision struct {
	Question string           `json:"question" yaml:"question"`
	Options  []DecisionOption `json:"options" yaml:"options" validate:"required,min=1,dive"`
}

// Parallel lists branches of process node ids run concurrently.
type Parallel struct {
	Branches [][]string `json:"branches" yaml:"branches" validate:"required,min=1"`
}

// Loop bounds how often a loop node re-enters itself.
type Loop struct {
	MaxIterations int `json:"maxIterations" yaml:"maxIterations" validate:"gt=0"`
}

// Node is one flowchart vertex. EstimatedDuration is in seconds.
type Node struct {
	ID                string          `json:"id" yaml:"id" validate:"required"`
	Type              NodeType        `json:"type" yaml:"type" validate:"required,oneof=start end process decision parallel loop"`
	Title             string          `json:"title,omitempty" yaml:"title,omitempty"`
	EstimatedDuration int             `json:"estimatedDuration,omitempty" yaml:"estimatedDuration,omitempty" validate:"gte=0"`
	Connections       []string        `json:"connections,omitempty" yaml:"connections,omitempty"`
	Decision          *Decision       `json:"decision,omitempty" yaml:"decision,omitempty" validate:"omitempty"`
	Parallel          *Parallel       `json:"parallel,omitempty" yaml:"parallel,omitempty" validate:"omitempty"`
	Loop              *Loop           `json:"loop,omitempty" yaml:"loop,omitempty" validate:"omitempty"`
	Validation        *StepValidation `json:"validation,omitempty" yaml:"validation,omitempty" validate:"omitempty"`
}

// Next returns the node's sole outgoing connection.
func (n Node) Next() (string, bool) {
	if len(n.Connections) == 0 {
		return "", false
	}
	return n.Connections[0], true
}

// Flowchart is the payload of a flowchart SOP.
type Flowchart struct {
	Nodes         []Node        `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	StartNodeID   string        `json:"startNodeId" yaml:"startNodeId" validate:"required"`
	ExecutionMode ExecutionMode `json:"executionMode,omitempty" yaml:"executionMode,omitempty" validate:"omitempty,oneof=confirm timed"`
}

// Node returns the node with id.
func (f *Flowchart) Node(id string) (Node, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// --- SOP ---

// SOP is a process definition. Exactly one of Checklist, Steps and
// Flowchart is set, matching Shape.
type SOP struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name" validate:"required"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string            `json:"category,omitempty" yaml:"category,omitempty"`
	Priority    int               `json:"priority" yaml:"priority"`
	Version     string            `json:"version" yaml:"version"`
	IsActive    bool              `json:"isActive" yaml:"isActive"`
	Shape       Shape             `json:"type" yaml:"type"`
	Triggers    []Trigger         `json:"triggers,omitempty" yaml:"triggers,omitempty" validate:"dive"`
	Constraints limit.Constraints `json:"constraints" yaml:"constraints"`
	Stats       Stats             `json:"stats" yaml:"stats"`
	Tags        []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Checklist   *Checklist        `json:"checklist,omitempty" yaml:"checklist,omitempty" validate:"omitempty"`
	Steps       *Steps            `json:"steps,omitempty" yaml:"steps,omitempty" validate:"omitempty"`
	Flowchart   *Flowchart        `json:"flowchart,omitempty" yaml:"flowchart,omitempty" validate:"omitempty"`
	CreatedAt   time.Time         `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt" yaml:"updatedAt"`
}

// TotalSteps is the number of step records an execution of s tracks.
func (s *SOP) TotalSteps() int {
	switch s.Shape {
	case ShapeChecklist:
		return len(s.Checklist.Items)
	case ShapeSteps:
		return len(s.Steps.Steps)
	case ShapeFlowchart:
		return len(s.Flowchart.Nodes)
	}
	return 0
}

// Clone returns a deep copy. Validation, decision and loop payloads are
// never mutated after Build and stay shared.
func (s *SOP) Clone() *SOP {
	cp := *s
	cp.Triggers = append([]Trigger(nil), s.Triggers...)
	cp.Tags = append([]string(nil), s.Tags...)
	cp.Stats.RecentTriggers = append([]time.Time(nil), s.Stats.RecentTriggers...)
	if s.Stats.LastExecuted != nil {
		t := *s.Stats.LastExecuted
		cp.Stats.LastExecuted = &t
	}
	if s.Checklist != nil {
		c := *s.Checklist
		c.Items = append([]Item(nil), s.Checklist.Items...)
		c.CompletionCriteria.RequiredItems = append([]string{}, s.Checklist.CompletionCriteria.RequiredItems...)
		cp.Checklist = &c
	}
	if s.Steps != nil {
		st := *s.Steps
		st.Steps = append([]Step(nil), s.Steps.Steps...)
		cp.Steps = &st
	}
	if s.Flowchart != nil {
		f := *s.Flowchart
		f.Nodes = make([]Node, len(s.Flowchart.Nodes))
		for i, n := range s.Flowchart.Nodes {
			n.Connections = append([]string(nil), n.Connections...)
			if n.Parallel != nil {
				p := Parallel{Branches: make([][]string, len(n.Parallel.Branches))}
				for j, b := range n.Parallel.Branches {
					p.Branches[j] = append([]string(nil), b...)
				}
				n.Parallel = &p
			}
			f.Nodes[i] = n
		}
		cp.Flowchart = &f
	}
	return &cp
}

// Package rules evaluates declarative context rules against situation
// snapshots.
//
// A Rule is a prioritized set of weighted conditions combined with AND or
// OR logic. The Matcher scores every enabled rule against a snapshot and
// returns the rules that cleared the threshold, ranked for downstream
// consumers. The RuleSet owns the durable collection.
package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/HendryAvila/routine/internal/limit"
	"github.com/HendryAvila/routine/internal/value"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrNotFound is returned for an unknown rule id.
	ErrNotFound = errors.New("rules: rule not found")
	// ErrExists is returned when creating a rule whose id is taken.
	ErrExists = errors.New("rules: rule already exists")
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("rules: invalid rule")
)

// --- Operator enum ---

// Operator is the comparison a condition applies.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "notEquals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
	OpBetween     Operator = "between"
	OpIn          Operator = "in"
	OpRegex       Operator = "regex"
)

// --- Logic enum ---

// Logic combines condition results.
type Logic string

const (
	LogicAND Logic = "AND"
	LogicOR  Logic = "OR"
)

// --- Action types ---

// ActionType tells consumers how to interpret an action payload.
type ActionType string

const (
	ActionTriggerSOP       ActionType = "trigger_sop"
	ActionSendNotification ActionType = "send_notification"
	ActionAdjustSchedule   ActionType = "adjust_schedule"
	ActionSuggestTask      ActionType = "suggest_task"
	ActionChangeMode       ActionType = "change_mode"
	ActionCustom           ActionType = "custom"
)

// ActionTypes lists every action type in declaration order.
var ActionTypes = []ActionType{
	ActionTriggerSOP,
	ActionSendNotification,
	ActionAdjustSchedule,
	ActionSuggestTask,
	ActionChangeMode,
	ActionCustom,
}

// --- Model ---

// Condition tests one field of a snapshot.
type Condition struct {
	Field    string      `json:"field" yaml:"field" validate:"required"`
	Operator Operator    `json:"operator" yaml:"operator" validate:"required,oneof=equals notEquals contains greaterThan lessThan between in regex"`
	Value    value.Value `json:"value" yaml:"value"`
	Weight   float64     `json:"weight,omitempty" yaml:"weight,omitempty" validate:"gte=0"`
}

// EffectiveWeight is the weight used for scoring; unset weights count as 1.
func (c Condition) EffectiveWeight() float64 {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

// Action is something to do when a rule matches.
type Action struct {
	Type         ActionType             `json:"type" yaml:"type" validate:"required,oneof=trigger_sop send_notification adjust_schedule suggest_task change_mode custom"`
	Payload      map[string]value.Value `json:"payload,omitempty" yaml:"payload,omitempty"`
	DelaySeconds int                    `json:"delaySeconds,omitempty" yaml:"delaySeconds,omitempty" validate:"gte=0"`
}

// PayloadString returns payload[key] as a string.
func (a Action) PayloadString(key string) (string, bool) {
	v, ok := a.Payload[key]
	if !ok {
		return "", false
	}
	return v.AsString()
}

// Stats tracks how often a rule has fired.
type Stats struct {
	TriggerCount   int         `json:"triggerCount" yaml:"triggerCount"`
	LastTriggered  *time.Time  `json:"lastTriggered,omitempty" yaml:"lastTriggered,omitempty"`
	RecentTriggers []time.Time `json:"recentTriggers,omitempty" yaml:"recentTriggers,omitempty"`
}

// Rule is a named, prioritized set of weighted conditions plus the actions
// to fire when it matches.
type Rule struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name" yaml:"name" validate:"required"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled        bool              `json:"enabled" yaml:"enabled"`
	Priority       int               `json:"priority" yaml:"priority"`
	Conditions     []Condition       `json:"conditions" yaml:"conditions" validate:"dive"`
	ConditionLogic Logic             `json:"conditionLogic" yaml:"conditionLogic" validate:"required,oneof=AND OR"`
	Actions        []Action          `json:"actions" yaml:"actions" validate:"dive"`
	Constraints    limit.Constraints `json:"constraints" yaml:"constraints"`
	Stats          Stats             `json:"stats" yaml:"stats"`
	CreatedAt      time.Time         `json:"createdAt" yaml:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt" yaml:"updatedAt"`
}

// Clone returns a deep copy. Values are immutable and shared.
func (r *Rule) Clone() *Rule {
	cp := *r
	cp.Conditions = append([]Condition(nil), r.Conditions...)
	cp.Actions = make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		cp.Actions[i] = a
		if a.Payload != nil {
			cp.Actions[i].Payload = make(map[string]value.Value, len(a.Payload))
			for k, v := range a.Payload {
				cp.Actions[i].Payload[k] = v
			}
		}
	}
	if r.Stats.LastTriggered != nil {
		t := *r.Stats.LastTriggered
		cp.Stats.LastTriggered = &t
	}
	cp.Stats.RecentTriggers = append([]time.Time(nil), r.Stats.RecentTriggers...)
	return &cp
}

// Match is the scored result of evaluating one rule against one snapshot.
type Match struct {
	Rule              *Rule       `json:"rule"`
	MatchScore        float64     `json:"matchScore"`
	MatchedConditions []Condition `json:"matchedConditions"`
	SuggestedActions  []Action    `json:"suggestedActions"`
	Confidence        float64     `json:"confidence"`
	Explanation       string      `json:"explanation"`
}

// --- Validation ---

var validate = validator.New()

// Validate checks struct tags and the operand shapes of each condition.
func Validate(r *Rule) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalid, r.Name, err)
	}
	for i, c := range r.Conditions {
		if err := checkOperand(c); err != nil {
			return fmt.Errorf("%w %q: condition %d: %w", ErrInvalid, r.Name, i, err)
		}
	}
	return nil
}

// ValidateCondition checks one condition on its own, for callers that embed
// conditions outside a rule.
func ValidateCondition(c Condition) error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	return checkOperand(c)
}

func checkOperand(c Condition) error {
	switch c.Operator {
	case OpBetween:
		items := c.Value.Items()
		if c.Value.Kind() != value.KindList || len(items) != 2 {
			return fmt.Errorf("between expects [min, max], got %s", c.Value)
		}
		for _, it := range items {
			if _, ok := it.Float(); !ok {
				return fmt.Errorf("between bound %s is not numeric", it)
			}
		}
	case OpIn:
		if c.Value.Kind() != value.KindList {
			return fmt.Errorf("in expects a list, got %s", c.Value)
		}
	case OpRegex:
		if _, err := compileRegex(c.Value.Text()); err != nil {
			return fmt.Errorf("regex: %w", err)
		}
	}
	return nil
}

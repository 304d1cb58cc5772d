// Package situation models the immutable context snapshot that rules are
// evaluated against.
//
// A Snapshot is assembled each aggregation cycle from typed fragments, one
// per Dimension, produced by pluggable providers. Missing fragments are
// default-filled so a Snapshot is always fully populated; derived scores
// and tags are computed once at construction.
package situation

import (
	"fmt"

	"github.com/HendryAvila/routine/internal/value"
)

// Dimension names one slice of situational data.
type Dimension string

const (
	DimensionTime       Dimension = "time"
	DimensionLocation   Dimension = "location"
	DimensionPerson     Dimension = "person"
	DimensionEvent      Dimension = "event"
	DimensionDevice     Dimension = "device"
	DimensionPhysiology Dimension = "physiology"
	DimensionPsychology Dimension = "psychology"
	DimensionTaskQueue  Dimension = "taskQueue"
	DimensionExternal   Dimension = "externalData"
)

// validDimensions is the set of allowed dimensions.
var validDimensions = map[Dimension]bool{
	DimensionTime:       true,
	DimensionLocation:   true,
	DimensionPerson:     true,
	DimensionEvent:      true,
	DimensionDevice:     true,
	DimensionPhysiology: true,
	DimensionPsychology: true,
	DimensionTaskQueue:  true,
	DimensionExternal:   true,
}

// ValidateDimension returns an error if d is not recognized.
func ValidateDimension(d Dimension) error {
	if !validDimensions[d] {
		return fmt.Errorf("invalid dimension %q", d)
	}
	return nil
}

// Fragment is one typed piece of a snapshot.
type Fragment interface {
	Dimension() Dimension
	Value() value.Value
}

// --- Level enums used by the physiology/psychology fragments ---

const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelNormal   = "normal"
	LevelModerate = "moderate"
)

// --- Fragments ---

// NearEvent is a calendar entry close to the snapshot time.
type NearEvent struct {
	Title        string `json:"title" yaml:"title"`
	MinutesUntil int    `json:"minutesUntil" yaml:"minutesUntil"`
}

// TimeFragment describes the clock.
type TimeFragment struct {
	CurrentTime    float64     `json:"currentTime" yaml:"currentTime"` // fractional hour of day, 0-24
	TimeOfDay      string      `json:"timeOfDay" yaml:"timeOfDay"`     // morning | afternoon | evening | night
	DayOfWeek      string      `json:"dayOfWeek" yaml:"dayOfWeek"`
	IsWeekend      bool        `json:"isWeekend" yaml:"isWeekend"`
	IsWorkingHours bool        `json:"isWorkingHours" yaml:"isWorkingHours"`
	NearEvents     []NearEvent `json:"nearEvents,omitempty" yaml:"nearEvents,omitempty"`
}

func (TimeFragment) Dimension() Dimension { return DimensionTime }

func (f TimeFragment) Value() value.Value {
	events := make([]value.Value, len(f.NearEvents))
	for i, e := range f.NearEvents {
		events[i] = value.Map(map[string]value.Value{
			"title":        value.String(e.Title),
			"minutesUntil": value.Int(e.MinutesUntil),
		})
	}
	return value.Map(map[string]value.Value{
		"currentTime":    value.Number(f.CurrentTime),
		"timeOfDay":      value.String(f.TimeOfDay),
		"dayOfWeek":      value.String(f.DayOfWeek),
		"isWeekend":      value.Bool(f.IsWeekend),
		"isWorkingHours": value.Bool(f.IsWorkingHours),
		"nearEvents":     value.List(events...),
	})
}

// LocationFragment describes where the user is. Disabled means unknown.
type LocationFragment struct {
	Enabled   bool    `json:"enabled" yaml:"enabled"`
	Type      string  `json:"type,omitempty" yaml:"type,omitempty"` // home | work | commute | other
	Name      string  `json:"name,omitempty" yaml:"name,omitempty"`
	Latitude  float64 `json:"latitude,omitempty" yaml:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty" yaml:"longitude,omitempty"`
}

func (LocationFragment) Dimension() Dimension { return DimensionLocation }

func (f LocationFragment) Value() value.Value {
	return value.Map(map[string]value.Value{
		"enabled":   value.Bool(f.Enabled),
		"type":      value.String(f.Type),
		"name":      value.String(f.Name),
		"latitude":  value.Number(f.Latitude),
		"longitude": value.Number(f.Longitude),
	})
}

// PersonFragment describes who is around.
type PersonFragment struct {
	Nearby []string `json:"nearby,omitempty" yaml:"nearby,omitempty"`
	Alone  bool     `json:"alone" yaml:"alone"`
}

func (PersonFragment) Dimension() Dimension { return DimensionPerson }

func (f PersonFragment) Value() value.Value {
	return value.Map(map[string]value.Value{
		"nearby": value.Strings(f.Nearby),
		"alone":  value.Bool(f.Alone),
	})
}

// EventFragment describes the calendar event in progress, if any.
type EventFragment struct {
	Title            string `json:"title,omitempty" yaml:"title,omitempty"`
	Type             string `json:"type,omitempty" yaml:"type,omitempty"`
	InMeeting        bool   `json:"inMeeting" yaml:"inMeeting"`
	MinutesRemaining int    `json:"minutesRemaining,omitempty" yaml:"minutesRemaining,omitempty"`
}

func (EventFragment) Dimension() Dimension { return DimensionEvent }

func (f EventFragment) Value() value.Value {
	return value.Map(map[string]value.Value{
		"title":            value.String(f.Title),
		"type":             value.String(f.Type),
		"inMeeting":        value.Bool(f.InMeeting),
		"minutesRemaining": value.Int(f.MinutesRemaining),
	})
}

// DeviceFragment describes the device the user is on.
type DeviceFragment struct {
	Type         string  `json:"type,omitempty" yaml:"type,omitempty"` // desktop | laptop | mobile
	BatteryLevel float64 `json:"batteryLevel" yaml:"batteryLevel"`     // 0-100
	Charging     bool    `json:"charging" yaml:"charging"`
	Online       bool    `json:"online" yaml:"online"`
}

func (DeviceFragment) Dimension() Dimension { return DimensionDevice }

func (f DeviceFragment) Value() value.Value {
	return value.Map(map[string]value.Value{
		"type":         value.String(f.Type),
		"batteryLevel": value.Number(f.BatteryLevel),
		"charging":     value.Bool(f.Charging),
		"online":       value.Bool(f.Online),
	})
}

// PhysiologyFragment carries inferred energy.
type PhysiologyFragment struct {
	Energy     string  `json:"energy" yaml:"energy"` // low | medium | high
	SleepHours float64 `json:"sleepHours,omitempty" yaml:"sleepHours,omitempty"`
}

func (PhysiologyFragment) Dimension() Dimension { return DimensionPhysiology }

func (f PhysiologyFragment) Value() value.Value {
	return value.Map(map[string]value.Value{
		"energy":     value.String(f.Energy),
		"sleepHours": value.Number(f.SleepHours),
	})
}

// PsychologyFragment carries inferred focus, motivation and cognitive load.
type PsychologyFragment struct {
	Focus         string `json:"focus" yaml:"focus"`                 // low | normal | high
	Motivation    string `json:"motivation" yaml:"motivation"`       // low | medium | high
	CognitiveLoad string `json:"cognitiveLoad" yaml:"cognitiveLoad"` // low | moderate | high
	Mood          string `json:"mood,omitempty" yaml:"mood,omitempty"`
}

func (PsychologyFragment) Dimension() Dimension { return DimensionPsychology }

func (f PsychologyFragment) Value() value.Value {
	return value.Map(map[string]value.Value{
		"focus":         value.String(f.Focus),
		"motivation":    value.String(f.Motivation),
		"cognitiveLoad": value.String(f.CognitiveLoad),
		"mood":          value.String(f.Mood),
	})
}

// TaskQueueFragment summarizes the user's pending work.
type TaskQueueFragment struct {
	Pending      int    `json:"pending" yaml:"pending"`
	Overdue      int    `json:"overdue" yaml:"overdue"`
	HighPriority int    `json:"highPriority" yaml:"highPriority"`
	NextTask     string `json:"nextTask,omitempty" yaml:"nextTask,omitempty"`
}

func (TaskQueueFragment) Dimension() Dimension { return DimensionTaskQueue }

func (f TaskQueueFragment) Value() value.Value {
	return value.Map(map[string]value.Value{
		"pending":      value.Int(f.Pending),
		"overdue":      value.Int(f.Overdue),
		"highPriority": value.Int(f.HighPriority),
		"nextTask":     value.String(f.NextTask),
	})
}

// ExternalFragment is free-form data from integrations.
type ExternalFragment map[string]value.Value

func (ExternalFragment) Dimension() Dimension { return DimensionExternal }

func (f ExternalFragment) Value() value.Value { return value.Map(f) }

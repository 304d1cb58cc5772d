package situation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/HendryAvila/routine/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC)

func TestNew_DefaultFill(t *testing.T) {
	s := New("ctx-1", fixedTime)

	require.NotNil(t, s.Location)
	assert.False(t, s.Location.Enabled, "location defaults to disabled")
	require.NotNil(t, s.Person)
	assert.Empty(t, s.Person.Nearby)
	require.NotNil(t, s.Physiology)
	assert.Equal(t, LevelMedium, s.Physiology.Energy)
	require.NotNil(t, s.Psychology)
	assert.Equal(t, LevelNormal, s.Psychology.Focus)
	assert.Equal(t, LevelMedium, s.Psychology.Motivation)
	assert.Equal(t, LevelModerate, s.Psychology.CognitiveLoad)
	assert.NotNil(t, s.External)
	assert.Nil(t, s.Time, "time has no default")

	assert.Equal(t, Score{Productivity: 53, Energy: 60, Focus: 60, Stress: 30}, s.Score)
	assert.Empty(t, s.Tags)
}

func TestNew_ScoreAndTags(t *testing.T) {
	s := New("ctx-2", fixedTime,
		TimeFragment{CurrentTime: 22, TimeOfDay: "night", DayOfWeek: "wednesday"},
		PhysiologyFragment{Energy: LevelHigh},
		PsychologyFragment{Focus: LevelHigh, Motivation: LevelHigh, CognitiveLoad: LevelLow},
		TaskQueueFragment{Pending: 4, Overdue: 2, HighPriority: 1},
		EventFragment{Title: "Retro", InMeeting: true},
	)

	assert.Equal(t, Score{Productivity: 69, Energy: 75, Focus: 90, Stress: 55}, s.Score)
	assert.Equal(t, []string{"focused", "in-meeting", "night", "overdue-tasks", "weekday"}, s.Tags)
	assert.True(t, s.HasTag("night"))
	assert.False(t, s.HasTag("weekend"))
}

func TestNew_Deterministic(t *testing.T) {
	frags := []Fragment{
		TimeFragment{CurrentTime: 9.5, TimeOfDay: "morning", IsWorkingHours: true},
		DeviceFragment{Type: "laptop", BatteryLevel: 12, Online: false},
		LocationFragment{Enabled: true, Type: "Work"},
	}
	a := New("a", fixedTime, frags...)
	b := New("b", fixedTime, frags...)
	assert.Equal(t, a.Score, b.Score)
	assert.Equal(t, a.Tags, b.Tags)
	assert.Contains(t, a.Tags, "low-battery")
	assert.Contains(t, a.Tags, "offline")
	assert.Contains(t, a.Tags, "location:work")
	assert.Contains(t, a.Tags, "working-hours")
}

func TestNew_LaterFragmentWins(t *testing.T) {
	s := New("x", fixedTime,
		PhysiologyFragment{Energy: LevelLow},
		&PhysiologyFragment{Energy: LevelHigh},
		ExternalFragment{"a": value.Int(1)},
		ExternalFragment{"b": value.Int(2)},
	)
	assert.Equal(t, LevelHigh, s.Physiology.Energy)
	assert.True(t, value.Equal(s.Lookup("externalData.a"), value.Int(1)), "external fragments merge")
	assert.True(t, value.Equal(s.Lookup("externalData.b"), value.Int(2)))
}

func TestLookup_Paths(t *testing.T) {
	s := New("ctx-3", fixedTime,
		TimeFragment{
			CurrentTime: 22,
			TimeOfDay:   "night",
			NearEvents:  []NearEvent{{Title: "Flight", MinutesUntil: 45}},
		},
	)

	assert.True(t, value.Equal(s.Lookup("time.timeOfDay"), value.String("night")))
	assert.True(t, value.Equal(s.Lookup("time.currentTime"), value.Number(22)))
	assert.True(t, value.Equal(s.Lookup("time.nearEvents.0.minutesUntil"), value.Int(45)))
	assert.True(t, value.Equal(s.Lookup("physiology.energy"), value.String("medium")))
	assert.True(t, value.Equal(s.Lookup("score.energy"), value.Int(45)))
	assert.True(t, s.Lookup("device.batteryLevel").IsNull(), "absent fragment resolves to null")
	assert.True(t, s.Lookup("time.nope").IsNull())
}

func TestSnapshot_JSONRoundTrip(t *testing.T) {
	s := New("ctx-4", fixedTime,
		TimeFragment{CurrentTime: 7, TimeOfDay: "morning"},
		ExternalFragment{"weather": value.String("rain")},
	)
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, s.ID, back.ID)
	assert.True(t, s.Timestamp.Equal(back.Timestamp))
	assert.Equal(t, s.Score, back.Score)
	assert.Equal(t, s.Tags, back.Tags)
	assert.True(t, value.Equal(s.Tree(), back.Tree()), "tree must be rebuilt on load")
}

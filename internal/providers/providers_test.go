package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/HendryAvila/routine/internal/situation"
	"github.com/HendryAvila/routine/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeAt(t *testing.T) {
	tests := []struct {
		name      string
		at        time.Time
		timeOfDay string
		current   float64
		weekend   bool
		working   bool
	}{
		{"wednesday night", time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC), "night", 22, false, false},
		{"wednesday morning work", time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC), "morning", 9.5, false, true},
		{"afternoon boundary", time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC), "afternoon", 12, false, true},
		{"evening after work", time.Date(2026, 3, 4, 17, 15, 0, 0, time.UTC), "evening", 17.25, false, false},
		{"early hours", time.Date(2026, 3, 4, 4, 59, 0, 0, time.UTC), "night", 4 + 59.0/60, false, false},
		{"saturday midday", time.Date(2026, 3, 7, 11, 0, 0, 0, time.UTC), "morning", 11, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := TimeAt(tt.at)
			assert.Equal(t, tt.timeOfDay, f.TimeOfDay)
			assert.InDelta(t, tt.current, f.CurrentTime, 1e-9)
			assert.Equal(t, tt.weekend, f.IsWeekend)
			assert.Equal(t, tt.working, f.IsWorkingHours)
		})
	}
}

func TestClock_Fetch(t *testing.T) {
	at := time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC)
	c := NewClock(func() time.Time { return at }, func() []situation.NearEvent {
		return []situation.NearEvent{{Title: "Standup", MinutesUntil: 30}}
	})

	assert.Equal(t, "clock", c.Name())
	assert.Equal(t, situation.DimensionTime, c.Dimension())

	f, err := c.Fetch(context.Background())
	require.NoError(t, err)
	tf, ok := f.(situation.TimeFragment)
	require.True(t, ok, "fragment type = %T", f)
	assert.Equal(t, "wednesday", tf.DayOfWeek)
	require.Len(t, tf.NearEvents, 1)
	assert.Equal(t, 30, tf.NearEvents[0].MinutesUntil)
}

func TestClock_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClock(nil, nil).Fetch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaticFromData(t *testing.T) {
	s, err := StaticFromData("desk", situation.DimensionDevice, map[string]any{
		"type":         "laptop",
		"batteryLevel": 15,
		"online":       true,
	})
	require.NoError(t, err)
	assert.Equal(t, situation.DimensionDevice, s.Dimension())

	f, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, situation.DeviceFragment{Type: "laptop", BatteryLevel: 15, Online: true}, f)
}

func TestStaticFromData_External(t *testing.T) {
	s, err := StaticFromData("weather", situation.DimensionExternal, map[string]any{"sky": "rain"})
	require.NoError(t, err)
	f, _ := s.Fetch(context.Background())
	ext := f.(situation.ExternalFragment)
	assert.True(t, value.Equal(ext["sky"], value.String("rain")))
}

func TestStaticFromData_Errors(t *testing.T) {
	_, err := StaticFromData("bad", situation.Dimension("mood"), nil)
	assert.Error(t, err)

	_, err = StaticFromData("bad", situation.DimensionDevice, map[string]any{"batteryLevel": "full"})
	assert.Error(t, err, "string into numeric field must fail")
}

func TestFunc(t *testing.T) {
	boom := errors.New("boom")
	p := NewFunc("tasks", situation.DimensionTaskQueue, func(context.Context) (situation.Fragment, error) {
		return nil, boom
	})
	assert.Equal(t, "tasks", p.Name())
	_, err := p.Fetch(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestStatic_Refresh(t *testing.T) {
	s := NewStatic("home", situation.LocationFragment{Enabled: true, Type: "home"}).WithRefresh(time.Minute)
	assert.Equal(t, time.Minute, s.RefreshInterval())
	assert.Equal(t, situation.DimensionLocation, s.Dimension())
}

func TestReported(t *testing.T) {
	_, err := NewReported("mood")
	assert.Error(t, err)

	r, err := NewReported(situation.DimensionLocation)
	require.NoError(t, err)
	assert.Equal(t, "reported:location", r.Name())

	_, err = r.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNotReported)

	require.NoError(t, r.Set(map[string]any{"enabled": true, "type": "work"}))
	f, err := r.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, situation.LocationFragment{Enabled: true, Type: "work"}, f)

	assert.Error(t, r.Set(map[string]any{"enabled": "yes"}))
	r.Clear()
	_, err = r.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNotReported)
}

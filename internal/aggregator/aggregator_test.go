package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HendryAvila/routine/internal/providers"
	"github.com/HendryAvila/routine/internal/rules"
	"github.com/HendryAvila/routine/internal/situation"
	"github.com/HendryAvila/routine/internal/store"
	"github.com/HendryAvila/routine/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var night = time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC)

type staticRules []*rules.Rule

func (s staticRules) Enabled() []*rules.Rule { return s }

type capturePublisher struct {
	mu    sync.Mutex
	calls []int
	err   error
}

func (c *capturePublisher) Publish(_ context.Context, _ *situation.Snapshot, m []rules.Match) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, len(m))
	return c.err
}

func sequentialIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("ctx-%d", n)
	}
}

func nightRule() *rules.Rule {
	return &rules.Rule{
		ID: "night", Name: "night", Enabled: true, ConditionLogic: rules.LogicAND,
		Conditions: []rules.Condition{
			{Field: "time.timeOfDay", Operator: rules.OpEquals, Value: value.String("night")},
			{Field: "time.currentTime", Operator: rules.OpBetween, Value: value.List(value.Int(21), value.Int(23))},
		},
	}
}

func TestUpdate_BuildsMatchesAndPublishes(t *testing.T) {
	pub := &capturePublisher{}
	a := New(staticRules{nightRule()}, nil, pub,
		WithClock(func() time.Time { return night }),
		WithIDs(sequentialIDs()),
	)
	require.NoError(t, a.Register(providers.NewClock(func() time.Time { return night }, nil)))

	snap, matches := a.Update(context.Background())

	require.NotNil(t, snap)
	assert.Equal(t, "ctx-1", snap.ID)
	assert.Equal(t, "night", snap.Time.TimeOfDay)
	require.Len(t, matches, 1)
	assert.Equal(t, 1.0, matches[0].MatchScore)
	assert.Equal(t, []int{1}, pub.calls)
	assert.Same(t, snap, a.Current())
}

func TestUpdate_ProviderFailureDefaults(t *testing.T) {
	pub := &capturePublisher{err: errors.New("listener down")}
	a := New(nil, nil, pub)
	require.NoError(t, a.Register(providers.NewFunc("broken", situation.DimensionPhysiology,
		func(context.Context) (situation.Fragment, error) { return nil, errors.New("sensor offline") })))
	require.NoError(t, a.Register(providers.NewFunc("nil", situation.DimensionDevice,
		func(context.Context) (situation.Fragment, error) { return nil, nil })))

	snap, _ := a.Update(context.Background())

	require.NotNil(t, snap.Physiology)
	assert.Equal(t, situation.LevelMedium, snap.Physiology.Energy, "failed provider falls back to defaults")
	assert.Nil(t, snap.Device)
	assert.Len(t, pub.calls, 1, "publish errors do not abort the cycle")
}

func TestEnable(t *testing.T) {
	var fetches atomic.Int32
	a := New(nil, nil, nil)
	require.NoError(t, a.Register(providers.NewFunc("tasks", situation.DimensionTaskQueue,
		func(context.Context) (situation.Fragment, error) {
			fetches.Add(1)
			return situation.TaskQueueFragment{Overdue: 1}, nil
		})))
	assert.ErrorIs(t, a.Register(providers.NewFunc("tasks", situation.DimensionTaskQueue, nil)), ErrDuplicateProvider)

	require.NoError(t, a.Enable("tasks", false))
	snap, _ := a.Update(context.Background())
	assert.Nil(t, snap.TaskQueue)
	assert.Equal(t, int32(0), fetches.Load())
	assert.False(t, a.Providers()[0].Enabled)

	require.NoError(t, a.Enable("tasks", true))
	snap, _ = a.Update(context.Background())
	require.NotNil(t, snap.TaskQueue)
	assert.Equal(t, 1, snap.TaskQueue.Overdue)

	assert.ErrorIs(t, a.Enable("ghost", true), ErrUnknownProvider)
}

type countingStatic struct {
	*providers.Static
	fetches int
}

func (c *countingStatic) Fetch(ctx context.Context) (situation.Fragment, error) {
	c.fetches++
	return c.Static.Fetch(ctx)
}

func TestUpdate_RefreshCaching(t *testing.T) {
	now := night
	p := &countingStatic{Static: providers.NewStatic("home", situation.LocationFragment{Enabled: true, Type: "home"}).WithRefresh(time.Minute)}
	a := New(nil, nil, nil, WithClock(func() time.Time { return now }))
	require.NoError(t, a.Register(p))

	a.Update(context.Background())
	now = now.Add(30 * time.Second)
	snap, _ := a.Update(context.Background())
	assert.Equal(t, 1, p.fetches, "fragment reused inside the refresh interval")
	assert.True(t, snap.HasTag("location:home"))

	now = now.Add(31 * time.Second)
	a.Update(context.Background())
	assert.Equal(t, 2, p.fetches)
}

func TestHistory_Ring(t *testing.T) {
	a := New(nil, nil, nil, WithHistoryCapacity(3), WithIDs(sequentialIDs()))
	for i := 0; i < 5; i++ {
		a.Update(context.Background())
	}
	h := a.History(0)
	require.Len(t, h, 3)
	assert.Equal(t, []string{"ctx-3", "ctx-4", "ctx-5"}, []string{h[0].ID, h[1].ID, h[2].ID}, "oldest evicted first")

	last := a.History(2)
	require.Len(t, last, 2)
	assert.Equal(t, "ctx-5", last[1].ID)
}

func TestHistory_Persistence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	a := New(nil, nil, nil, WithStore(st), WithIDs(sequentialIDs()), WithClock(func() time.Time { return night }))
	require.NoError(t, a.Register(providers.NewClock(func() time.Time { return night }, nil)))
	a.Update(ctx)
	a.Update(ctx)
	require.NoError(t, a.SaveHistory(ctx))

	b := New(nil, nil, nil, WithStore(st), WithHistoryCapacity(1))
	require.NoError(t, b.LoadHistory(ctx))
	h := b.History(0)
	require.Len(t, h, 1)
	assert.Equal(t, "ctx-2", h[0].ID)
	require.NotNil(t, b.Current())
	assert.True(t, value.Equal(b.Current().Lookup("time.timeOfDay"), value.String("night")))
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	pub := &capturePublisher{}
	a := New(nil, nil, pub, WithInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.calls) >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

package rules

import (
	"context"
	"testing"
	"time"

	"github.com/HendryAvila/routine/internal/limit"
	"github.com/HendryAvila/routine/internal/store"
	"github.com/HendryAvila/routine/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freezeTime(t *testing.T, ts time.Time) {
	t.Helper()
	orig := timeNow
	timeNow = func() time.Time { return ts }
	t.Cleanup(func() { timeNow = orig })
}

func TestDefaultRules_Valid(t *testing.T) {
	defaults, err := DefaultRules()
	require.NoError(t, err)
	require.NotEmpty(t, defaults)
	for i := range defaults {
		assert.NoError(t, Validate(&defaults[i]), defaults[i].ID)
	}

	var evening *Rule
	for i := range defaults {
		if defaults[i].ID == "evening-wind-down" {
			evening = &defaults[i]
		}
	}
	require.NotNil(t, evening)
	sopID, ok := evening.Actions[0].PayloadString("sopId")
	assert.True(t, ok)
	assert.Equal(t, "evening-routine", sopID)
	assert.Equal(t, 1.0, Evaluate(evening, snapshotAt("night", 22)).MatchScore)
}

func TestRuleSet_LoadInstallsDefaults(t *testing.T) {
	freezeTime(t, at)
	ctx := context.Background()
	st := store.NewMemory()

	rs := NewRuleSet(st, nil)
	require.NoError(t, rs.Load(ctx))
	defaults, _ := DefaultRules()
	assert.Len(t, rs.List(), len(defaults))

	var persisted []Rule
	found, err := st.Get(ctx, store.KeyRules, &persisted)
	require.NoError(t, err)
	assert.True(t, found, "defaults must be persisted on first load")
	assert.Len(t, persisted, len(defaults))
}

func TestRuleSet_CRUDAndPersistence(t *testing.T) {
	freezeTime(t, at)
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Set(ctx, store.KeyRules, []Rule{}))

	rs := NewRuleSet(st, nil)
	require.NoError(t, rs.Load(ctx))
	assert.Empty(t, rs.List(), "an empty stored set must not be replaced by defaults")

	created, err := rs.Create(ctx, *nightRule())
	require.NoError(t, err)
	assert.Equal(t, at, created.CreatedAt)

	_, err = rs.Create(ctx, *nightRule())
	assert.ErrorIs(t, err, ErrExists)

	noID := *nightRule()
	noID.ID = ""
	generated, err := rs.Create(ctx, noID)
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	upd := *nightRule()
	upd.Priority = 9
	updated, err := rs.Update(ctx, upd)
	require.NoError(t, err)
	assert.Equal(t, 9, updated.Priority)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	_, err = rs.Update(ctx, Rule{ID: "ghost", Name: "ghost", ConditionLogic: LogicAND})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, rs.SetEnabled(ctx, "night", false))
	assert.Len(t, rs.Enabled(), 1)

	// Reload from the same store.
	again := NewRuleSet(st, nil)
	require.NoError(t, again.Load(ctx))
	got, err := again.Get("night")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 9, got.Priority)
	assert.True(t, value.Equal(got.Conditions[1].Value, value.List(value.Int(21), value.Int(23))))

	require.NoError(t, rs.Delete(ctx, "night"))
	_, err = rs.Get("night")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, rs.Delete(ctx, "night"), ErrNotFound)
}

func TestRuleSet_CopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Set(ctx, store.KeyRules, []Rule{*nightRule()}))
	rs := NewRuleSet(st, nil)
	require.NoError(t, rs.Load(ctx))

	r, _ := rs.Get("night")
	r.Name = "mutated"
	r.Conditions[0].Field = "mutated"

	again, _ := rs.Get("night")
	assert.Equal(t, "night", again.Name)
	assert.Equal(t, "time.timeOfDay", again.Conditions[0].Field)
}

func TestRuleSet_CreateRejectsInvalid(t *testing.T) {
	rs := NewRuleSet(store.NewMemory(), nil)
	bad := *nightRule()
	bad.Conditions[0].Operator = "like"
	_, err := rs.Create(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Empty(t, rs.List())
}

func TestRuleSet_Fire(t *testing.T) {
	ctx := context.Background()
	rs := NewRuleSet(store.NewMemory(), nil)
	r := *nightRule()
	r.Constraints = limit.Constraints{CooldownMinutes: 30, MaxTriggersPerDay: 2}
	_, err := rs.Create(ctx, r)
	require.NoError(t, err)

	ok, err := rs.Fire(ctx, "night", at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = rs.Fire(ctx, "night", at.Add(10*time.Minute))
	assert.False(t, ok, "inside cooldown")

	ok, _ = rs.Fire(ctx, "night", at.Add(40*time.Minute))
	assert.True(t, ok)

	ok, _ = rs.Fire(ctx, "night", at.Add(80*time.Minute))
	assert.False(t, ok, "daily cap reached")

	got, _ := rs.Get("night")
	assert.Equal(t, 2, got.Stats.TriggerCount)
	require.NotNil(t, got.Stats.LastTriggered)
	assert.Equal(t, at.Add(40*time.Minute), *got.Stats.LastTriggered)

	_, err = rs.Fire(ctx, "ghost", at)
	assert.ErrorIs(t, err, ErrNotFound)
}

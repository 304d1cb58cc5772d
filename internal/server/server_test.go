package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HendryAvila/routine/internal/config"
	"github.com/HendryAvila/routine/internal/situation"
	"github.com/HendryAvila/routine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var night = time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC)

func freezeTime(t *testing.T, ts time.Time) {
	t.Helper()
	orig := timeNow
	timeNow = func() time.Time { return ts }
	t.Cleanup(func() { timeNow = orig })
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DefinitionsDir = filepath.Join(cfg.DataDir, "sops")
	cfg.Aggregation.Enabled = false
	cfg.WatchDefinitions = false
	return cfg
}

func TestBuild_RuleTriggersSOP(t *testing.T) {
	freezeTime(t, night)
	ctx := context.Background()

	svc, cleanup, err := Build(ctx, testConfig(t), nil)
	require.NoError(t, err)
	defer cleanup()

	_, err = svc.Registry.Instantiate(ctx, "evening-routine", "evening-routine", "")
	require.NoError(t, err)

	snap, matches := svc.Aggregator.Update(ctx)
	require.NotEmpty(t, matches)
	assert.Equal(t, "night", snap.Time.TimeOfDay)

	active := svc.Engine.Active()
	require.Len(t, active, 1, "the evening wind-down rule starts the routine")
	assert.Equal(t, "evening-routine", active[0].SOPID)
	assert.Equal(t, "evening-wind-down", active[0].Context.RuleID)

	r, err := svc.Rules.Get("evening-wind-down")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Stats.TriggerCount)

	// Rule cooldown holds the second cycle back.
	svc.Aggregator.Update(ctx)
	assert.Len(t, svc.Engine.List(), 1)
}

func TestBuild_Providers(t *testing.T) {
	freezeTime(t, night)
	cfg := testConfig(t)
	cfg.Providers.Enabled = []string{"clock", "office"}
	cfg.Providers.Static = map[string]config.StaticProvider{
		"office": {Dimension: "location", Data: map[string]any{"enabled": true, "type": "work"}},
		"gadget": {Dimension: "device", Data: map[string]any{"batteryLevel": 15}},
	}

	svc, cleanup, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer cleanup()

	enabled := map[string]bool{}
	for _, p := range svc.Aggregator.Providers() {
		enabled[p.Name] = p.Enabled
	}
	assert.True(t, enabled["clock"])
	assert.True(t, enabled["office"])
	assert.False(t, enabled["gadget"], "not in the enabled list")
	assert.False(t, enabled["reported:location"], "reported providers wait for a report")
	assert.Len(t, svc.Reported, len(reportable))

	snap, _ := svc.Aggregator.Update(context.Background())
	assert.True(t, snap.HasTag("location:work"))

	cfg.Providers.Static["broken"] = config.StaticProvider{Dimension: "mood"}
	_, cleanup2, err := Build(context.Background(), cfg, nil)
	cleanup2()
	assert.Error(t, err)
}

func TestBuild_LoadsDefinitionsAndPersists(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.DefinitionsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DefinitionsDir, "stretch.yaml"), []byte(`
name: Stretch
type: checklist
checklist:
  items:
    - id: neck
      title: Neck rolls
`), 0o644))

	svc, cleanup, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	_, err = svc.Registry.Get("stretch")
	require.NoError(t, err)
	svc.Aggregator.Update(ctx)
	cleanup()

	st, err := store.OpenSQLite(cfg.DataDir)
	require.NoError(t, err)
	defer st.Close()
	var history []*situation.Snapshot
	found, err := st.Get(ctx, store.KeyHistory, &history)
	require.NoError(t, err)
	assert.True(t, found, "cleanup saves the context history")
	assert.Len(t, history, 1)
}

func TestBuild_DegradesToMemoryStore(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.DataDir = filepath.Join(blocker, "data")

	svc, cleanup, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer cleanup()
	_, ok := svc.Store.(*store.Memory)
	assert.True(t, ok)
	assert.NotEmpty(t, svc.Rules.List(), "defaults are still installed")
}

func TestNew_StartsAndStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.Aggregation.Enabled = true
	cfg.Aggregation.Interval = time.Hour

	s, cleanup, err := New(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, s)
	cleanup()
}

func TestServerInstructions_NameTools(t *testing.T) {
	text := serverInstructions()
	for _, name := range []string{"ctx_update", "sop_trigger", "exec_step", "exec_decide", "rule_save"} {
		assert.Contains(t, text, name)
	}
}

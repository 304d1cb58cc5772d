package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/HendryAvila/routine/internal/execution"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// --- Default ---

func TestDefault_Values(t *testing.T) {
	cfg := Default()

	if filepath.Base(cfg.DataDir) != ".routine" {
		t.Errorf("DataDir = %s, want ~/.routine", cfg.DataDir)
	}
	if cfg.DefinitionsDir != filepath.Join(cfg.DataDir, "sops") {
		t.Errorf("DefinitionsDir = %s", cfg.DefinitionsDir)
	}
	if cfg.Aggregation.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", cfg.Aggregation.Interval)
	}
	if cfg.Aggregation.HistoryCapacity != 1000 {
		t.Errorf("HistoryCapacity = %d, want 1000", cfg.Aggregation.HistoryCapacity)
	}
	if cfg.Aggregation.MatchThreshold != 0.5 {
		t.Errorf("MatchThreshold = %v, want 0.5", cfg.Aggregation.MatchThreshold)
	}
	if cfg.Execution != execution.DefaultConfig() {
		t.Errorf("Execution = %+v, want engine defaults", cfg.Execution)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

// --- Load ---

func TestLoad_OverlaysFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/routine-data
aggregation:
  interval: 5m
  match_threshold: 0.7
execution:
  settle_delay: 500ms
  validation_policy: continue
providers:
  enabled: [clock, location]
  static:
    location:
      dimension: location
      data:
        place: office
      refresh: 1h
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DataDir != "/tmp/routine-data" {
		t.Errorf("DataDir = %s", cfg.DataDir)
	}
	if cfg.Aggregation.Interval != 5*time.Minute {
		t.Errorf("Interval = %v, want 5m", cfg.Aggregation.Interval)
	}
	if cfg.Aggregation.HistoryCapacity != 1000 {
		t.Errorf("HistoryCapacity = %d, want default kept", cfg.Aggregation.HistoryCapacity)
	}
	if cfg.Execution.SettleDelay != 500*time.Millisecond {
		t.Errorf("SettleDelay = %v", cfg.Execution.SettleDelay)
	}
	if cfg.Execution.ValidationPolicy != execution.PolicyContinue {
		t.Errorf("ValidationPolicy = %s", cfg.Execution.ValidationPolicy)
	}
	if cfg.Execution.MaxLoopIterations != 100 {
		t.Errorf("MaxLoopIterations = %d, want default kept", cfg.Execution.MaxLoopIterations)
	}
	loc, ok := cfg.Providers.Static["location"]
	if !ok {
		t.Fatal("static provider missing")
	}
	if loc.Dimension != "location" || loc.Data["place"] != "office" || loc.Refresh != time.Hour {
		t.Errorf("static provider = %+v", loc)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s", cfg.Log.Level)
	}
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit path")
	}
}

func TestLoad_MissingDefaultPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Aggregation.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want default", cfg.Aggregation.Interval)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDataDir, "/srv/routine")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvMetricsAddr, ":9100")

	cfg, err := Load(writeConfig(t, "data_dir: /ignored\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/srv/routine" {
		t.Errorf("DataDir = %s, want env value", cfg.DataDir)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %s", cfg.Log.Level)
	}
	if cfg.MetricsAddr != ":9100" {
		t.Errorf("MetricsAddr = %s", cfg.MetricsAddr)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed yaml", "aggregation: [", "parse"},
		{"bad duration", "aggregation:\n  interval: soon\n", "parse"},
		{"zero interval", "aggregation:\n  interval: 0s\n", "Interval"},
		{"threshold out of range", "aggregation:\n  match_threshold: 1.5\n", "MatchThreshold"},
		{"unknown level", "log:\n  level: loud\n", "Level"},
		{"static without dimension", "providers:\n  static:\n    x:\n      data: {a: 1}\n", "Dimension"},
		{"unknown policy", "execution:\n  validation_policy: retry\n", "validation_policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %s", err, tt.want)
			}
		})
	}
}

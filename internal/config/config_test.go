package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("missing config.yaml should flag genesis")
	}
	if cfg.Provider.Model != "deepseek/deepseek-chat" {
		t.Fatalf("model = %q", cfg.Provider.Model)
	}
	if cfg.Provider.DailyLimit != 200 {
		t.Fatalf("daily limit = %d", cfg.Provider.DailyLimit)
	}
	if cfg.Sim.Capacity != 10000 || cfg.Sim.DiceCount != 2 {
		t.Fatalf("sim defaults = %+v", cfg.Sim)
	}
	if cfg.Sim.CalmWeight != 87 || cfg.Sim.OmenWeight != 5 || cfg.Sim.SeanceWeight != 8 {
		t.Fatalf("deck weights = %d/%d/%d", cfg.Sim.CalmWeight, cfg.Sim.OmenWeight, cfg.Sim.SeanceWeight)
	}
	if w := cfg.Sim.ActionWeights["replies"]; w != 1.0 {
		t.Fatalf("replies weight = %f, want neutral 1.0", w)
	}
	if cfg.Queue.BatchLimit != 25 || cfg.Queue.DuplicateThreshold != 0.7 {
		t.Fatalf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.Scheduler.TickCron != "@every 5m" {
		t.Fatalf("tick cron = %q", cfg.Scheduler.TickCron)
	}
}

func TestLoadFromFileOverrides(t *testing.T) {
	home := t.TempDir()
	yamlBody := `
log_level: debug
provider:
  model: test/model
  daily_limit: 12
sim:
  capacity: 500
  dice_count: 3
queue:
  batch_limit: 5
scheduler:
  tick_cron: "@every 1m"
`
	if err := os.WriteFile(ConfigPath(home), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("existing config.yaml flagged genesis")
	}
	if cfg.LogLevel != "debug" || cfg.Provider.Model != "test/model" || cfg.Provider.DailyLimit != 12 {
		t.Fatalf("overrides not applied: %+v", cfg.Provider)
	}
	if cfg.Sim.Capacity != 500 || cfg.Sim.DiceCount != 3 {
		t.Fatalf("sim overrides not applied: %+v", cfg.Sim)
	}
	if cfg.Queue.BatchLimit != 5 || cfg.Scheduler.TickCron != "@every 1m" {
		t.Fatalf("queue/scheduler overrides not applied")
	}
	// Unset fields still get defaults.
	if cfg.Provider.BaseURL != "https://openrouter.ai/api/v1" {
		t.Fatalf("base url = %q", cfg.Provider.BaseURL)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test-key")
	t.Setenv("GHOSTSHIP_DAILY_LIMIT", "3")
	t.Setenv("GHOSTSHIP_TICK_CRON", "@every 2m")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider.APIKey != "sk-or-test-key" {
		t.Fatal("api key env override not applied")
	}
	if cfg.Provider.DailyLimit != 3 {
		t.Fatalf("daily limit = %d, want 3", cfg.Provider.DailyLimit)
	}
	if cfg.Scheduler.TickCron != "@every 2m" {
		t.Fatalf("tick cron = %q", cfg.Scheduler.TickCron)
	}
}

func TestLoadFromRejectsInvalid(t *testing.T) {
	home := t.TempDir()
	yamlBody := `
provider:
  daily_limit: -1
`
	if err := os.WriteFile(ConfigPath(home), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected validation error for negative daily limit")
	}
}

func TestFingerprintTracksChanges(t *testing.T) {
	a, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs must share a fingerprint")
	}
	b.Provider.DailyLimit = 999
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("changed config must change the fingerprint")
	}
}

func TestPaths(t *testing.T) {
	home := filepath.Join("some", "home")
	if got := ConfigPath(home); got != filepath.Join(home, "config.yaml") {
		t.Fatalf("config path = %q", got)
	}
	if got := DatabasePath(home); got != filepath.Join(home, "ghostship.db") {
		t.Fatalf("database path = %q", got)
	}
}

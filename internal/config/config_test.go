package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "votefleet.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "target_url: https://example.com/vote\n")
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.MaxConcurrentBrowserLaunches != 1 {
		t.Fatalf("MaxConcurrentBrowserLaunches = %d, want 1", cfg.MaxConcurrentBrowserLaunches)
	}
	if cfg.RetryDelayCooldownD != 31*time.Minute {
		t.Fatalf("RetryDelayCooldownD = %v, want 31m", cfg.RetryDelayCooldownD)
	}
	if cfg.VoteLogPath != filepath.Join(cfg.DataDir, "votes.csv") {
		t.Fatalf("VoteLogPath not derived from DataDir: %v", cfg.VoteLogPath)
	}
	if len(cfg.GlobalHourlyLimitPatterns) == 0 {
		t.Fatalf("expected default global hourly limit patterns")
	}
}

func TestApplyDefaultsCapsLaunchBudget(t *testing.T) {
	cfg := &Config{MaxConcurrentBrowserLaunches: 50}
	cfg.ApplyDefaults()
	if cfg.MaxConcurrentBrowserLaunches != 3 {
		t.Fatalf("launch budget must be capped at 3, got %d", cfg.MaxConcurrentBrowserLaunches)
	}
}

func TestLoadFromEnvOverridesTargetURL(t *testing.T) {
	cfg := &Config{TargetURL: "https://old.example.com"}
	t.Setenv("VOTEFLEET_TARGET_URL", "https://new.example.com")
	cfg.LoadFromEnv()
	if cfg.TargetURL != "https://new.example.com" {
		t.Fatalf("TargetURL = %q, want override applied", cfg.TargetURL)
	}
}

func TestComputeDerivedRejectsBadDuration(t *testing.T) {
	cfg := &Config{RetryDelayTechnical: "not-a-duration", RetryDelayCooldown: "31m", SessionScanInterval: "30s", BrowserInitTimeout: "30s"}
	if err := cfg.ComputeDerived(); err == nil {
		t.Fatalf("expected an error parsing an invalid duration")
	}
}

func TestInstanceVoteCooldownFallsBackWhenUnset(t *testing.T) {
	ic := InstanceConfig{}
	if got := ic.InstanceVoteCooldown(31 * time.Minute); got != 31*time.Minute {
		t.Fatalf("cooldown = %v, want fallback 31m", got)
	}
	ic.VoteCooldown = "10m"
	if got := ic.InstanceVoteCooldown(31 * time.Minute); got != 10*time.Minute {
		t.Fatalf("cooldown = %v, want override 10m", got)
	}
}

func TestApplySafeFieldsPreservesStartupOnlyFields(t *testing.T) {
	prior := &Config{DataDir: "/var/lib/votefleet", TargetURL: "https://old.example.com", Instances: []InstanceConfig{{ID: 1}}}
	next := &Config{DataDir: "/tmp/ignored", TargetURL: "https://new.example.com"}

	merged := applySafeFields(prior, next)

	if merged.DataDir != "/var/lib/votefleet" {
		t.Fatalf("DataDir must not change on reload, got %q", merged.DataDir)
	}
	if len(merged.Instances) != 1 {
		t.Fatalf("roster must not change on reload, got %d instances", len(merged.Instances))
	}
	if merged.TargetURL != "https://new.example.com" {
		t.Fatalf("TargetURL must update on reload, got %q", merged.TargetURL)
	}
}

package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	for _, key := range []string{
		"LISTEN_ADDR", "OPENAI_API_KEY", "RECALL_API_KEY", "HEARTBEAT_INTERVAL_SECONDS",
		"COACHING_COOLDOWN_SECONDS", "MAX_COACHING_PER_SESSION", "COACHING_CONFIDENCE_FLOOR",
	} {
		os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr, got %s", cfg.ListenAddr)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected 30s heartbeat, got %v", cfg.HeartbeatInterval)
	}
	if cfg.CoachingCooldown != 120*time.Second {
		t.Errorf("expected 120s cooldown, got %v", cfg.CoachingCooldown)
	}
	if cfg.MaxCoachingPerSession != 3 {
		t.Errorf("expected cap of 3, got %d", cfg.MaxCoachingPerSession)
	}
	if cfg.CoachingConfidence != 0.85 {
		t.Errorf("expected confidence floor 0.85, got %v", cfg.CoachingConfidence)
	}
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	os.Setenv("COACHING_COOLDOWN_SECONDS", "5")
	defer os.Unsetenv("COACHING_COOLDOWN_SECONDS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CoachingCooldown != 5*time.Second {
		t.Errorf("expected overridden cooldown of 5s, got %v", cfg.CoachingCooldown)
	}
}

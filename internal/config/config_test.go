package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/communitysync")
	t.Setenv("REDIS_ADDR", "localhost:6379")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != 8000 {
		t.Errorf("HTTPPort %d, want 8000", cfg.HTTPPort)
	}
	if cfg.MaxDataRetries != 6 {
		t.Errorf("MaxDataRetries %d, want 6", cfg.MaxDataRetries)
	}
	if cfg.SweepInterval != 5*time.Minute {
		t.Errorf("SweepInterval %s, want 5m", cfg.SweepInterval)
	}
	if cfg.TemporalTaskQueue != "communitysync" {
		t.Errorf("TemporalTaskQueue %q", cfg.TemporalTaskQueue)
	}
}

func TestLoad_MissingDatabaseURLFails(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
}

func TestLoad_InvalidOverridesFail(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_DATA_RETRIES", "-1")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative MAX_DATA_RETRIES")
	}
}

func TestLoad_PlatformSettings(t *testing.T) {
	setRequired(t)
	t.Setenv("PLATFORM_SETTINGS_GITHUB", `{"token":"x","repos":["acme/api"]}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := cfg.PlatformSettings["github"]; !ok {
		t.Error("github settings not loaded")
	}

	t.Setenv("PLATFORM_SETTINGS_GITHUB", `{not json`)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid settings JSON")
	}
}

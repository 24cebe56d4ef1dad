package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "live"
log_level = "debug"

[broker]
api_key = "key"
api_secret = "secret"

[database]
host = "db.internal"
port = 5433

[risk]
max_daily_loss = 500.0

[engine]
submit_timeout = "7s"

[recovery]
unknown_order_policy = "resubmit"
max_intent_age = "2m"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Mode != "live" {
		t.Errorf("mode = %q, want live", cfg.Mode)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5433 {
		t.Errorf("database = %+v", cfg.Database)
	}
	// Untouched sections keep their defaults.
	if cfg.Database.Database != "optexec" {
		t.Errorf("database.database = %q, want default optexec", cfg.Database.Database)
	}
	if cfg.Risk.MaxDailyLoss != 500 {
		t.Errorf("risk.max_daily_loss = %v, want 500", cfg.Risk.MaxDailyLoss)
	}
	if cfg.Engine.SubmitTimeout.Duration != 7*time.Second {
		t.Errorf("engine.submit_timeout = %v, want 7s", cfg.Engine.SubmitTimeout.Duration)
	}
	if cfg.Recovery.MaxIntentAge.Duration != 2*time.Minute {
		t.Errorf("recovery.max_intent_age = %v, want 2m", cfg.Recovery.MaxIntentAge.Duration)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
mode = "paper"
`)

	t.Setenv("OPTEXEC_BROKER_API_KEY", "env-key")
	t.Setenv("OPTEXEC_RISK_MAX_DAILY_LOSS", "250.5")
	t.Setenv("OPTEXEC_SESSION_INTERVAL", "90s")
	t.Setenv("OPTEXEC_NOTIFY_EVENTS", "session_dead, order_rejected")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Broker.APIKey != "env-key" {
		t.Errorf("broker.api_key = %q", cfg.Broker.APIKey)
	}
	if cfg.Risk.MaxDailyLoss != 250.5 {
		t.Errorf("risk.max_daily_loss = %v", cfg.Risk.MaxDailyLoss)
	}
	if cfg.Session.Interval.Duration != 90*time.Second {
		t.Errorf("session.interval = %v", cfg.Session.Interval.Duration)
	}
	if len(cfg.Notify.Events) != 2 || cfg.Notify.Events[1] != "order_rejected" {
		t.Errorf("notify.events = %v", cfg.Notify.Events)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Broker.APIKey = ""
	cfg.Database.Host = ""
	cfg.Risk.MaxDailyLoss = 0
	cfg.Recovery.UnknownOrderPolicy = "ignore"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"broker: api_key",
		"database: host",
		"risk: max_daily_loss",
		"recovery: unknown_order_policy",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestValidateRejectsShortLockTTL(t *testing.T) {
	cfg := Defaults()
	cfg.Redis.Enabled = true
	cfg.Redis.LockTTL = duration{}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for zero lock_ttl")
	}
	if !strings.Contains(err.Error(), "redis: lock_ttl") {
		t.Errorf("error missing lock_ttl:\n%s", err)
	}
}

func TestValidateResubmitRequiresIntentAge(t *testing.T) {
	cfg := Defaults()
	cfg.Recovery.UnknownOrderPolicy = "resubmit"
	cfg.Recovery.MaxIntentAge = duration{}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing max_intent_age")
	}
}

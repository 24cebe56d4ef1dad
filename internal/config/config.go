// Package config defines the top-level configuration for the execution
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by OPTEXEC_* environment
// variables.
type Config struct {
	Broker   BrokerConfig   `toml:"broker"`
	Database DatabaseConfig `toml:"database"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Risk     RiskConfig     `toml:"risk"`
	Engine   EngineConfig   `toml:"engine"`
	Recovery RecoveryConfig `toml:"recovery"`
	Session  SessionConfig  `toml:"session"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Server   ServerConfig   `toml:"server"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// duration wraps time.Duration so the TOML decoder accepts strings like
// "30s" or "3m".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// BrokerConfig holds broker API credentials and endpoints.
type BrokerConfig struct {
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	BaseURL   string `toml:"base_url"`
	StreamURL string `toml:"stream_url"`
	// AccountID names the account for the single-trader lock.
	AccountID string `toml:"account_id"`
}

// DatabaseConfig holds PostgreSQL connection parameters for the live ledger.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the local ledger path used in paper mode.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters. Redis is optional: when
// disabled the account lock and submit rate limiting are skipped.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`

	// SubmitLimit / SubmitWindow throttle broker order submissions.
	SubmitLimit  int      `toml:"submit_limit"`
	SubmitWindow duration `toml:"submit_window"`

	// LockTTL bounds how long a crashed instance holds the account lock.
	LockTTL duration `toml:"lock_ttl"`
}

// S3Config holds object storage parameters for ledger archives. Optional.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RiskConfig holds pre-trade limit parameters. Monetary values are in
// account currency.
type RiskConfig struct {
	MaxDailyLoss         float64 `toml:"max_daily_loss"`
	MaxOpenPositions     int     `toml:"max_open_positions"`
	MaxSymbolExposure    float64 `toml:"max_symbol_exposure"`
	MaxAggregateExposure float64 `toml:"max_aggregate_exposure"`
	Timezone             string  `toml:"timezone"`
}

// EngineConfig holds execution call bounds.
type EngineConfig struct {
	SubmitTimeout duration `toml:"submit_timeout"`
	CancelTimeout duration `toml:"cancel_timeout"`
	FillBuffer    int      `toml:"fill_buffer"`
}

// RecoveryConfig holds startup reconciliation parameters.
type RecoveryConfig struct {
	// UnknownOrderPolicy decides what happens to ledger records the broker
	// has never seen: "reject" or "resubmit".
	UnknownOrderPolicy string   `toml:"unknown_order_policy"`
	MaxIntentAge       duration `toml:"max_intent_age"`
	MaxAttempts        int      `toml:"max_attempts"`
	Backoff            duration `toml:"backoff"`
	QueryTimeout       duration `toml:"query_timeout"`
}

// SessionConfig holds heartbeat parameters.
type SessionConfig struct {
	Interval         duration `toml:"interval"`
	ProbeTimeout     duration `toml:"probe_timeout"`
	FailureThreshold int      `toml:"failure_threshold"`
}

// ArchiveConfig holds the daily ledger export parameters.
type ArchiveConfig struct {
	Prefix     string `toml:"prefix"`
	CutoffHour int    `toml:"cutoff_hour"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig holds the operational HTTP API parameters. Optional.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			BaseURL:   "https://paper-api.alpaca.markets",
			StreamURL: "wss://paper-api.alpaca.markets/stream",
			AccountID: "default",
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "optexec",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{
			Path: "optexec.db",
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			SubmitLimit:  20,
			SubmitWindow: duration{time.Second},
			LockTTL:      duration{30 * time.Second},
		},
		S3: S3Config{
			Enabled:        false,
			Region:         "us-east-1",
			Bucket:         "optexec-archive",
			ForcePathStyle: true,
		},
		Risk: RiskConfig{
			MaxDailyLoss:         1000,
			MaxOpenPositions:     10,
			MaxSymbolExposure:    25000,
			MaxAggregateExposure: 100000,
			Timezone:             "America/New_York",
		},
		Engine: EngineConfig{
			SubmitTimeout: duration{10 * time.Second},
			CancelTimeout: duration{10 * time.Second},
			FillBuffer:    256,
		},
		Recovery: RecoveryConfig{
			UnknownOrderPolicy: "reject",
			MaxIntentAge:       duration{5 * time.Minute},
			MaxAttempts:        5,
			Backoff:            duration{2 * time.Second},
			QueryTimeout:       duration{15 * time.Second},
		},
		Session: SessionConfig{
			Interval:         duration{3 * time.Minute},
			ProbeTimeout:     duration{15 * time.Second},
			FailureThreshold: 3,
		},
		Archive: ArchiveConfig{
			Prefix:     "ledger",
			CutoffHour: 21,
		},
		Notify: NotifyConfig{
			Events: []string{"order_rejected", "submit_unknown", "session_dead", "recovery_complete", "risk_denied"},
		},
		Server: ServerConfig{
			Enabled: false,
			Port:    8080,
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":  true,
	"paper": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validPolicies = map[string]bool{
	"reject":   true,
	"resubmit": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Broker credentials only matter when talking to the real API.
	if strings.ToLower(c.Mode) == "live" {
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			errs = append(errs, "broker: api_key and api_secret are required for live mode")
		}
		if c.Broker.BaseURL == "" {
			errs = append(errs, "broker: base_url must not be empty")
		}

		// Live mode persists to PostgreSQL.
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 {
			errs = append(errs, "database: pool_min_conns must be >= 0")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
	} else if c.SQLite.Path == "" {
		errs = append(errs, "sqlite: path must not be empty for paper mode")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.SubmitLimit < 1 {
			errs = append(errs, "redis: submit_limit must be >= 1")
		}
		if c.Redis.LockTTL.Duration < time.Second {
			errs = append(errs, "redis: lock_ttl must be at least 1s")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	if c.Risk.MaxDailyLoss <= 0 {
		errs = append(errs, "risk: max_daily_loss must be > 0")
	}
	if c.Risk.MaxOpenPositions < 1 {
		errs = append(errs, "risk: max_open_positions must be >= 1")
	}
	if c.Risk.MaxSymbolExposure < 0 {
		errs = append(errs, "risk: max_symbol_exposure must be >= 0")
	}
	if c.Risk.MaxAggregateExposure < 0 {
		errs = append(errs, "risk: max_aggregate_exposure must be >= 0")
	}
	if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("risk: unknown timezone %q", c.Risk.Timezone))
	}

	if c.Engine.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "engine: submit_timeout must be > 0")
	}
	if c.Engine.FillBuffer < 1 {
		errs = append(errs, "engine: fill_buffer must be >= 1")
	}

	if !validPolicies[strings.ToLower(c.Recovery.UnknownOrderPolicy)] {
		errs = append(errs, fmt.Sprintf("recovery: unknown_order_policy must be reject or resubmit, got %q", c.Recovery.UnknownOrderPolicy))
	}
	if strings.ToLower(c.Recovery.UnknownOrderPolicy) == "resubmit" && c.Recovery.MaxIntentAge.Duration <= 0 {
		errs = append(errs, "recovery: max_intent_age must be > 0 when unknown_order_policy is resubmit")
	}
	if c.Recovery.MaxAttempts < 1 {
		errs = append(errs, "recovery: max_attempts must be >= 1")
	}

	if c.Session.Interval.Duration <= 0 {
		errs = append(errs, "session: interval must be > 0")
	}
	if c.Session.FailureThreshold < 1 {
		errs = append(errs, "session: failure_threshold must be >= 1")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if c.Archive.CutoffHour < 0 || c.Archive.CutoffHour > 23 {
		errs = append(errs, fmt.Sprintf("archive: cutoff_hour must be 0-23, got %d", c.Archive.CutoffHour))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies OPTEXEC_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known OPTEXEC_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.APIKey, "OPTEXEC_BROKER_API_KEY")
	setStr(&cfg.Broker.APISecret, "OPTEXEC_BROKER_API_SECRET")
	setStr(&cfg.Broker.BaseURL, "OPTEXEC_BROKER_BASE_URL")
	setStr(&cfg.Broker.StreamURL, "OPTEXEC_BROKER_STREAM_URL")
	setStr(&cfg.Broker.AccountID, "OPTEXEC_BROKER_ACCOUNT_ID")

	// ── Database ──
	setStr(&cfg.Database.DSN, "OPTEXEC_DATABASE_DSN")
	setStr(&cfg.Database.Host, "OPTEXEC_DATABASE_HOST")
	setInt(&cfg.Database.Port, "OPTEXEC_DATABASE_PORT")
	setStr(&cfg.Database.Database, "OPTEXEC_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "OPTEXEC_DATABASE_USER")
	setStr(&cfg.Database.Password, "OPTEXEC_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "OPTEXEC_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "OPTEXEC_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "OPTEXEC_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "OPTEXEC_DATABASE_RUN_MIGRATIONS")

	// ── SQLite ──
	setStr(&cfg.SQLite.Path, "OPTEXEC_SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "OPTEXEC_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "OPTEXEC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "OPTEXEC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "OPTEXEC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "OPTEXEC_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "OPTEXEC_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "OPTEXEC_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.SubmitLimit, "OPTEXEC_REDIS_SUBMIT_LIMIT")
	setDuration(&cfg.Redis.SubmitWindow, "OPTEXEC_REDIS_SUBMIT_WINDOW")
	setDuration(&cfg.Redis.LockTTL, "OPTEXEC_REDIS_LOCK_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "OPTEXEC_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "OPTEXEC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "OPTEXEC_S3_REGION")
	setStr(&cfg.S3.Bucket, "OPTEXEC_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "OPTEXEC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "OPTEXEC_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "OPTEXEC_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "OPTEXEC_S3_FORCE_PATH_STYLE")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxDailyLoss, "OPTEXEC_RISK_MAX_DAILY_LOSS")
	setInt(&cfg.Risk.MaxOpenPositions, "OPTEXEC_RISK_MAX_OPEN_POSITIONS")
	setFloat64(&cfg.Risk.MaxSymbolExposure, "OPTEXEC_RISK_MAX_SYMBOL_EXPOSURE")
	setFloat64(&cfg.Risk.MaxAggregateExposure, "OPTEXEC_RISK_MAX_AGGREGATE_EXPOSURE")
	setStr(&cfg.Risk.Timezone, "OPTEXEC_RISK_TIMEZONE")

	// ── Engine ──
	setDuration(&cfg.Engine.SubmitTimeout, "OPTEXEC_ENGINE_SUBMIT_TIMEOUT")
	setDuration(&cfg.Engine.CancelTimeout, "OPTEXEC_ENGINE_CANCEL_TIMEOUT")
	setInt(&cfg.Engine.FillBuffer, "OPTEXEC_ENGINE_FILL_BUFFER")

	// ── Recovery ──
	setStr(&cfg.Recovery.UnknownOrderPolicy, "OPTEXEC_RECOVERY_UNKNOWN_ORDER_POLICY")
	setDuration(&cfg.Recovery.MaxIntentAge, "OPTEXEC_RECOVERY_MAX_INTENT_AGE")
	setInt(&cfg.Recovery.MaxAttempts, "OPTEXEC_RECOVERY_MAX_ATTEMPTS")
	setDuration(&cfg.Recovery.Backoff, "OPTEXEC_RECOVERY_BACKOFF")
	setDuration(&cfg.Recovery.QueryTimeout, "OPTEXEC_RECOVERY_QUERY_TIMEOUT")

	// ── Session ──
	setDuration(&cfg.Session.Interval, "OPTEXEC_SESSION_INTERVAL")
	setDuration(&cfg.Session.ProbeTimeout, "OPTEXEC_SESSION_PROBE_TIMEOUT")
	setInt(&cfg.Session.FailureThreshold, "OPTEXEC_SESSION_FAILURE_THRESHOLD")

	// ── Archive ──
	setStr(&cfg.Archive.Prefix, "OPTEXEC_ARCHIVE_PREFIX")
	setInt(&cfg.Archive.CutoffHour, "OPTEXEC_ARCHIVE_CUTOFF_HOUR")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "OPTEXEC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "OPTEXEC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "OPTEXEC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "OPTEXEC_NOTIFY_EVENTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "OPTEXEC_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "OPTEXEC_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "OPTEXEC_SERVER_API_KEY")

	// ── Top-level ──
	setStr(&cfg.Mode, "OPTEXEC_MODE")
	setStr(&cfg.LogLevel, "OPTEXEC_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COSTSIM_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COSTSIM_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			keys := make([]string, len(undec))
			for i, k := range undec {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COSTSIM_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Feed ──
	setStr(&cfg.Feed.URL, "FEED_URL")
	setStr(&cfg.Feed.Exchange, "FEED_EXCHANGE")
	setStr(&cfg.Feed.Symbol, "FEED_SYMBOL")
	setStr(&cfg.Feed.Subscribe, "FEED_SUBSCRIBE")
	setStr(&cfg.Feed.ResyncMessage, "FEED_RESYNC_MESSAGE")
	setDuration(&cfg.Feed.ReconnectMin, "FEED_RECONNECT_MIN")
	setDuration(&cfg.Feed.ReconnectMax, "FEED_RECONNECT_MAX")

	// ── Ingest ──
	setInt(&cfg.Ingest.QueueCapacity, "INGEST_QUEUE_CAPACITY")
	setStr(&cfg.Ingest.OverflowPolicy, "INGEST_OVERFLOW_POLICY")
	setFloat64(&cfg.Ingest.FillRatioAlpha, "INGEST_FILL_RATIO_ALPHA")

	// ── Model ──
	setStr(&cfg.Model.File, "MODEL_PARAMS_FILE")

	// ── Estimator ──
	setInt(&cfg.Estimator.BatchParallelism, "ESTIMATOR_BATCH_PARALLELISM")
	setStr(&cfg.Estimator.DefaultFeeTier, "ESTIMATOR_DEFAULT_FEE_TIER")
	setBool(&cfg.Estimator.Standing.Enabled, "ESTIMATOR_STANDING_ENABLED")
	setStr(&cfg.Estimator.Standing.Side, "ESTIMATOR_STANDING_SIDE")
	setFloat64(&cfg.Estimator.Standing.Quantity, "ESTIMATOR_STANDING_QUANTITY")
	setStr(&cfg.Estimator.Standing.QuantityUnit, "ESTIMATOR_STANDING_QUANTITY_UNIT")
	setFloat64(&cfg.Estimator.Standing.Volatility, "ESTIMATOR_STANDING_VOLATILITY")
	setStr(&cfg.Estimator.Standing.FeeTier, "ESTIMATOR_STANDING_FEE_TIER")
	setDuration(&cfg.Estimator.Standing.Interval, "ESTIMATOR_STANDING_INTERVAL")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")
	setInt(&cfg.Redis.RateLimit, "REDIS_RATE_LIMIT")
	setBool(&cfg.Redis.RelayToHub, "REDIS_RELAY_TO_HUB")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "S3_PREFIX")
	setDuration(&cfg.S3.ArchiveInterval, "S3_ARCHIVE_INTERVAL")

	// ── NATS ──
	setBool(&cfg.NATS.Enabled, "NATS_ENABLED")
	setStr(&cfg.NATS.URL, "NATS_URL")
	setStr(&cfg.NATS.SubjectPrefix, "NATS_SUBJECT_PREFIX")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")
	setDuration(&cfg.Notify.StaleAfter, "NOTIFY_STALE_AFTER")

	// ── Server ──
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable COSTSIM_<key> is present and non-empty.
// ---------------------------------------------------------------------------

func env(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func setStr(dst *string, key string) {
	if v := env(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := env(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := env(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := env(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := env(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := env(key); v != "" {
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

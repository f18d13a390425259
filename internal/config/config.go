// Package config defines the top-level configuration for the cost simulator
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/costsim/internal/domain"
	"github.com/alanyoungcy/costsim/internal/model"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COSTSIM_* environment variables.
type Config struct {
	Feed      FeedConfig      `toml:"feed"`
	Ingest    IngestConfig    `toml:"ingest"`
	Model     ModelConfig     `toml:"model"`
	Estimator EstimatorConfig `toml:"estimator"`
	Publish   PublishConfig   `toml:"publish"`
	Redis     RedisConfig     `toml:"redis"`
	Postgres  PostgresConfig  `toml:"postgres"`
	S3        S3Config        `toml:"s3"`
	NATS      NATSConfig      `toml:"nats"`
	Notify    NotifyConfig    `toml:"notify"`
	Server    ServerConfig    `toml:"server"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// FeedConfig describes the L2 WebSocket feed.
type FeedConfig struct {
	URL              string   `toml:"url"`
	Exchange         string   `toml:"exchange"`
	Symbol           string   `toml:"symbol"`
	Subscribe        string   `toml:"subscribe"`
	ResyncMessage    string   `toml:"resync_message"`
	HandshakeTimeout duration `toml:"handshake_timeout"`
	PongWait         duration `toml:"pong_wait"`
	ReconnectMin     duration `toml:"reconnect_min"`
	ReconnectMax     duration `toml:"reconnect_max"`
}

// IngestConfig sizes the queue between the feed and the book.
type IngestConfig struct {
	QueueCapacity  int     `toml:"queue_capacity"`
	OverflowPolicy string  `toml:"overflow_policy"`
	FillRatioAlpha float64 `toml:"fill_ratio_alpha"`
}

// ModelConfig holds model coefficients inline and optionally the path of a
// YAML file whose values take precedence.
type ModelConfig struct {
	File string `toml:"params_file"`
	model.ParamsFile
}

// EstimatorConfig tunes the estimate pipeline.
type EstimatorConfig struct {
	UpdatesBuffer    int            `toml:"updates_buffer"`
	BatchParallelism int            `toml:"batch_parallelism"`
	MaxBatch         int            `toml:"max_batch"`
	LatencyWindow    int            `toml:"latency_window"`
	DefaultFeeTier   string         `toml:"default_fee_tier"`
	Standing         StandingConfig `toml:"standing"`
}

// StandingConfig is a request re-estimated on a timer, the way a trader's
// input panel is recomputed on every tick.
type StandingConfig struct {
	Enabled          bool     `toml:"enabled"`
	Side             string   `toml:"side"`
	Quantity         float64  `toml:"quantity"`
	QuantityUnit     string   `toml:"quantity_unit"`
	Volatility       float64  `toml:"volatility"`
	RiskAversion     float64  `toml:"risk_aversion"`
	FeeTier          string   `toml:"fee_tier"`
	AcknowledgeStale bool     `toml:"acknowledge_stale"`
	Interval         duration `toml:"interval"`
}

// PublishConfig paces output to the sinks.
type PublishConfig struct {
	BookDepth    int      `toml:"book_depth"`
	BookInterval duration `toml:"book_interval"`
	SinkTimeout  duration `toml:"sink_timeout"`
}

// RedisConfig holds Redis connection parameters and the features that use it.
type RedisConfig struct {
	Enabled         bool     `toml:"enabled"`
	Addr            string   `toml:"addr"`
	Password        string   `toml:"password"`
	DB              int      `toml:"db"`
	PoolSize        int      `toml:"pool_size"`
	MaxRetries      int      `toml:"max_retries"`
	TLSEnabled      bool     `toml:"tls_enabled"`
	KeyPrefix       string   `toml:"key_prefix"`
	Stream          string   `toml:"stream"`
	StreamMaxLen    int64    `toml:"stream_max_len"`
	BookTTL         duration `toml:"book_ttl"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
	// RelayToHub feeds the display hub from Redis pub/sub instead of the
	// local dispatcher, so one display can follow several replicas.
	RelayToHub bool `toml:"relay_to_hub"`
}

// PostgresConfig holds the estimate journal connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	Prefix          string   `toml:"prefix"`
	PartSizeMB      int      `toml:"part_size_mb"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// NATSConfig holds NATS publication parameters.
type NATSConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           string   `toml:"url"`
	Name          string   `toml:"name"`
	SubjectPrefix string   `toml:"subject_prefix"`
	MaxReconnects int      `toml:"max_reconnects"`
	ReconnectWait duration `toml:"reconnect_wait"`
}

// NotifyConfig holds book-health alert channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	StaleAfter        duration `toml:"stale_after"`
	Cooldown          duration `toml:"cooldown"`
	CheckInterval     duration `toml:"check_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// via encoding.TextUnmarshaler.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so that BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml. Model coefficients have no
// defaults and must be configured.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			URL:              "wss://ws.gomarket-cpp.goquant.io/ws/l2-orderbook/okx/BTC-USDT-SWAP",
			Exchange:         "okx",
			Symbol:           "BTC-USDT-SWAP",
			HandshakeTimeout: duration{10 * time.Second},
			PongWait:         duration{60 * time.Second},
			ReconnectMin:     duration{time.Second},
			ReconnectMax:     duration{30 * time.Second},
		},
		Ingest: IngestConfig{
			QueueCapacity:  1024,
			OverflowPolicy: "block",
			FillRatioAlpha: 0.1,
		},
		Estimator: EstimatorConfig{
			UpdatesBuffer:    64,
			BatchParallelism: 4,
			MaxBatch:         100,
			LatencyWindow:    1000,
			DefaultFeeTier:   "tier1",
			Standing: StandingConfig{
				Side:         "buy",
				Quantity:     100,
				QuantityUnit: "quote",
				Volatility:   0.3,
				FeeTier:      "tier1",
				Interval:     duration{time.Second},
			},
		},
		Publish: PublishConfig{
			BookDepth:    20,
			BookInterval: duration{250 * time.Millisecond},
			SinkTimeout:  duration{2 * time.Second},
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			PoolSize:        20,
			MaxRetries:      3,
			KeyPrefix:       "costsim",
			Stream:          "estimates",
			StreamMaxLen:    10_000,
			BookTTL:         duration{time.Minute},
			RateLimit:       50,
			RateLimitWindow: duration{time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "costsim",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "costsim-archive",
			ForcePathStyle:  true,
			PartSizeMB:      8,
			ArchiveInterval: duration{time.Hour},
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "costsim",
			SubjectPrefix: "costsim",
			MaxReconnects: -1,
			ReconnectWait: duration{2 * time.Second},
		},
		Notify: NotifyConfig{
			StaleAfter:    duration{10 * time.Second},
			Cooldown:      duration{5 * time.Minute},
			CheckInterval: duration{time.Second},
		},
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":     true,
	"headless": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// ModelParams merges the params file (if any) over the inline coefficients
// and validates the result.
func (c *Config) ModelParams() (*model.Params, error) {
	pf := c.Model.ParamsFile
	if strings.TrimSpace(c.Model.File) != "" {
		fromFile, err := model.LoadParamsFile(c.Model.File)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
		}
		pf = pf.Merge(fromFile)
	}
	return pf.Params()
}

// Validate checks Config for invalid or missing values, including the model
// coefficients, and returns one error describing every problem found. The
// error wraps domain.ErrConfiguration.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, headless)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Feed
	if c.Feed.URL == "" {
		errs = append(errs, "feed: url must not be empty")
	}
	if c.Feed.Exchange == "" || c.Feed.Symbol == "" {
		errs = append(errs, "feed: exchange and symbol must be set")
	}
	if c.Feed.ReconnectMin.Duration <= 0 || c.Feed.ReconnectMax.Duration < c.Feed.ReconnectMin.Duration {
		errs = append(errs, "feed: need 0 < reconnect_min <= reconnect_max")
	}

	// Ingest
	if c.Ingest.QueueCapacity < 1 {
		errs = append(errs, "ingest: queue_capacity must be >= 1")
	}
	if p := strings.ToLower(c.Ingest.OverflowPolicy); p != "block" && p != "drop_oldest" {
		errs = append(errs, fmt.Sprintf("ingest: overflow_policy %q (valid: block, drop_oldest)", c.Ingest.OverflowPolicy))
	}
	if c.Ingest.FillRatioAlpha <= 0 || c.Ingest.FillRatioAlpha > 1 {
		errs = append(errs, "ingest: fill_ratio_alpha must be in (0, 1]")
	}

	// Model
	params, err := c.ModelParams()
	if err != nil {
		errs = append(errs, "model: "+err.Error())
	}

	// Estimator
	if c.Estimator.LatencyWindow < 1 {
		errs = append(errs, "estimator: latency_window must be >= 1")
	}
	if c.Estimator.MaxBatch < 1 {
		errs = append(errs, "estimator: max_batch must be >= 1")
	}
	if params != nil && c.Estimator.DefaultFeeTier != "" {
		if _, ok := params.FeeTiers[c.Estimator.DefaultFeeTier]; !ok {
			errs = append(errs, fmt.Sprintf("estimator: default_fee_tier %q is not a configured tier", c.Estimator.DefaultFeeTier))
		}
	}
	if st := c.Estimator.Standing; st.Enabled {
		if _, err := domain.ParseSide(st.Side); err != nil {
			errs = append(errs, "estimator.standing: "+err.Error())
		}
		if st.Quantity <= 0 {
			errs = append(errs, "estimator.standing: quantity must be > 0")
		}
		if _, ok := domain.ParseQuantityUnit(st.QuantityUnit); !ok {
			errs = append(errs, fmt.Sprintf("estimator.standing: quantity_unit %q (valid: base, quote)", st.QuantityUnit))
		}
		if st.Interval.Duration <= 0 {
			errs = append(errs, "estimator.standing: interval must be > 0")
		}
		if params != nil {
			if _, ok := params.FeeTiers[st.FeeTier]; !ok {
				errs = append(errs, fmt.Sprintf("estimator.standing: fee_tier %q is not a configured tier", st.FeeTier))
			}
		}
	}
	if strings.EqualFold(c.Mode, "headless") && !c.Estimator.Standing.Enabled {
		errs = append(errs, "estimator.standing: must be enabled in headless mode")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.RateLimit < 0 {
			errs = append(errs, "redis: rate_limit must be >= 0")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.ArchiveInterval.Duration <= 0 {
			errs = append(errs, "s3: archive_interval must be > 0")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: archiving requires postgres.enabled")
		}
	}

	// NATS
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats: url must not be empty")
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Server
	if strings.EqualFold(c.Mode, "full") {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: config validation failed:\n  - %s", domain.ErrConfiguration, strings.Join(errs, "\n  - "))
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/costsim/internal/domain"
)

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load("../../config.example.toml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "okx", cfg.Feed.Exchange)
	assert.Equal(t, 250*time.Millisecond, cfg.Publish.BookInterval.Duration)
	assert.Equal(t, time.Hour, cfg.S3.ArchiveInterval.Duration)

	params, err := cfg.ModelParams()
	require.NoError(t, err)
	assert.InDelta(t, 0.142, params.Eta, 1e-12)
	assert.ElementsMatch(t, []string{"tier1", "vip"}, params.TierNames())
}

func TestDefaults_RequireModel(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Contains(t, err.Error(), "model:")
}

func TestValidate_ParamsFile(t *testing.T) {
	cfg := Defaults()
	cfg.Model.File = "../model/testdata/params.yaml"
	require.NoError(t, cfg.Validate())

	cfg.Estimator.DefaultFeeTier = "gold"
	err := cfg.Validate()
	require.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Contains(t, err.Error(), `default_fee_tier "gold"`)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Model.File = "../model/testdata/params.yaml"
	cfg.Mode = "headless"
	cfg.Ingest.OverflowPolicy = "drop_newest"
	cfg.S3.Enabled = true

	err := cfg.Validate()
	require.ErrorIs(t, err, domain.ErrConfiguration)
	msg := err.Error()
	assert.Contains(t, msg, "must be enabled in headless mode")
	assert.Contains(t, msg, "overflow_policy")
	assert.Contains(t, msg, "requires postgres.enabled")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COSTSIM_FEED_SYMBOL", "ETH-USDT")
	t.Setenv("COSTSIM_INGEST_OVERFLOW_POLICY", "drop_oldest")
	t.Setenv("COSTSIM_REDIS_ENABLED", "true")
	t.Setenv("COSTSIM_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("COSTSIM_ESTIMATOR_STANDING_INTERVAL", "500ms")
	t.Setenv("COSTSIM_SERVER_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ETH-USDT", cfg.Feed.Symbol)
	assert.Equal(t, "drop_oldest", cfg.Ingest.OverflowPolicy)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 500*time.Millisecond, cfg.Estimator.Standing.Interval.Duration)
	assert.Equal(t, 8080, cfg.Server.Port, "unparsable values are ignored")
}

func TestLoad_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[feed]\nurll = \"x\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed.urll")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Redis.Password = "hunter2"
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.S3.SecretKey = "secret"
	cfg.Server.APIKey = "key"
	cfg.Notify.TelegramToken = "bot-token"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Redis.Password)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.S3.AccessKey, "empty values stay empty")

	out.Server.CORSOrigins[0] = "mutated"
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, "http://localhost:3000", cfg.Server.CORSOrigins[0])
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
fetcher:
  max_attempts: 5
sources:
  order: [avito]
  avito:
    end_page: 10
orchestrator:
  retention_days: 7
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Fetcher.MaxAttempts)
	assert.Equal(t, 1, cfg.Fetcher.BackoffSeconds)
	assert.Equal(t, []string{"avito"}, cfg.Sources.Order)
	assert.Equal(t, 10, cfg.Sources.Avito.EndPage)
	assert.Equal(t, 50, cfg.Sources.Avito.FullPageSize)
	assert.Equal(t, 7, cfg.Orchestrator.RetentionDays)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fetcher: [oops"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DB_TYPE", "postgres")
	t.Setenv("DB_HOST", "pg")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("AVITO_PROXY", "user:pass@1.2.3.4:8000")
	t.Setenv("PARSER_HEADLESS", "false")
	t.Setenv("PARSER_MAX_PAGES", "5")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "pg", cfg.Database.Postgres.Host)
	assert.Equal(t, 5433, cfg.Database.Postgres.Port)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "user:pass@1.2.3.4:8000", cfg.Proxy.Proxy)
	assert.False(t, cfg.Session.Headless)
	assert.Equal(t, 5, cfg.Sources.Avito.EndPage)
	assert.Equal(t, 5, cfg.Sources.Cian.EndPage)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fetcher.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Sources.Avito.EndPage = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Sources.Order = []string{"yandex"}
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Sources.PageJitterMaxMillis = 10
	assert.Error(t, cfg.Validate())
}

func TestDurationGetters(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Second, cfg.Fetcher.GetBackoffUnit())
	assert.Equal(t, 2*time.Hour, cfg.Orchestrator.GetLockTTL())
	assert.Equal(t, 90*time.Second, cfg.Session.GetRefreshTimeout())

	lo, hi := cfg.Sources.GetPageJitter()
	assert.Equal(t, 2*time.Second, lo)
	assert.Equal(t, 5*time.Second, hi)
}

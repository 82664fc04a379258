package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Search       SearchConfig       `yaml:"search"`
	Fetcher      FetcherConfig      `yaml:"fetcher"`
	Session      SessionConfig      `yaml:"session"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	Sources      SourcesConfig      `yaml:"sources"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Server       ServerConfig       `yaml:"server"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Type     string         `yaml:"type"` // mysql, postgres or sqlite
	MySQL    MySQLConfig    `yaml:"mysql"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	LogLevel string         `yaml:"log_level"`
}

// MySQLConfig contains MySQL connection settings
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// PostgresConfig contains PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// SQLiteConfig contains the sqlite file location
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig contains the shared key-value store settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SearchConfig contains search engine settings
type SearchConfig struct {
	Meilisearch MeilisearchConfig `yaml:"meilisearch"`
}

// MeilisearchConfig contains Meilisearch connection settings
type MeilisearchConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	APIKey  string `yaml:"api_key"`
	Index   string `yaml:"index"`
}

// FetcherConfig controls the resilient fetcher
type FetcherConfig struct {
	MaxAttempts         int    `yaml:"max_attempts"`
	BackoffSeconds      int    `yaml:"backoff_seconds"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	CookieRefreshAfter  int    `yaml:"cookie_refresh_after"` // 429 attempts before a forced cookie refresh
	BreakerThreshold    int    `yaml:"breaker_threshold"`
	BreakerResetMinutes int    `yaml:"breaker_reset_minutes"`
	BrowserFingerprint  bool   `yaml:"browser_fingerprint"`
	UserAgent           string `yaml:"user_agent"`
}

// SessionConfig controls the cookie cache and browser minting
type SessionConfig struct {
	CookiesFile           string `yaml:"cookies_file"`
	Headless              bool   `yaml:"headless"`
	ChromePath            string `yaml:"chrome_path"`
	RefreshAttempts       int    `yaml:"refresh_attempts"`
	RefreshTimeoutSeconds int    `yaml:"refresh_timeout_seconds"`
	PollIntervalSeconds   int    `yaml:"poll_interval_seconds"`
	MaxPolls              int    `yaml:"max_polls"`
}

// ProxyConfig contains the egress identity
type ProxyConfig struct {
	Proxy                string `yaml:"proxy"` // login:pass@ip:port
	ChangeIPURL          string `yaml:"change_ip_url"`
	RotateTimeoutSeconds int    `yaml:"rotate_timeout_seconds"`
}

// SourcesConfig lists the marketplaces in processing order
type SourcesConfig struct {
	Order               []string    `yaml:"order"`
	Avito               AvitoConfig `yaml:"avito"`
	Cian                CianConfig  `yaml:"cian"`
	PageJitterMinMillis int         `yaml:"page_jitter_min_millis"`
	PageJitterMaxMillis int         `yaml:"page_jitter_max_millis"`
	DetailPerMinute     int         `yaml:"detail_per_minute"`
}

// AvitoConfig contains Avito adapter settings
type AvitoConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	Location       string `yaml:"location"`
	Category       string `yaml:"category"`
	StartPage      int    `yaml:"start_page"`
	EndPage        int    `yaml:"end_page"`
	FullPageSize   int    `yaml:"full_page_size"`
	FreshnessHours int    `yaml:"freshness_hours"`
	EnrichCap      int    `yaml:"enrich_cap"` // 0 = every new listing
}

// CianConfig contains Cian adapter settings
type CianConfig struct {
	Enabled                bool   `yaml:"enabled"`
	BaseURL                string `yaml:"base_url"`
	Region                 int    `yaml:"region"`
	Location               string `yaml:"location"`
	StartPage              int    `yaml:"start_page"`
	EndPage                int    `yaml:"end_page"`
	PublishedWithinSeconds int    `yaml:"published_within_seconds"`
	ByHomeowner            bool   `yaml:"by_homeowner"`
	EnrichCap              int    `yaml:"enrich_cap"`
}

// OrchestratorConfig contains run-level settings
type OrchestratorConfig struct {
	LockKey          string `yaml:"lock_key"`
	LockTTLMinutes   int    `yaml:"lock_ttl_minutes"`
	RetentionDays    int    `yaml:"retention_days"`
	MaxDeletionCount int    `yaml:"max_deletion_count"`
	CleanupDryRun    bool   `yaml:"cleanup_dry_run"`
}

// SchedulerConfig contains the periodic trigger settings
type SchedulerConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Cron              string `yaml:"cron"`
	RunOnStart        bool   `yaml:"run_on_start"`
	StartDelaySeconds int    `yaml:"start_delay_seconds"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         string   `yaml:"port"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// RateLimitConfig limits manual run triggers
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	RequestsPerHour   int  `yaml:"requests_per_hour"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Type:     "mysql",
			LogLevel: "warn",
			SQLite:   SQLiteConfig{Path: "listings.db"},
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Search: SearchConfig{
			Meilisearch: MeilisearchConfig{
				Enabled: false,
				Host:    "http://localhost:7700",
				Index:   "listings",
			},
		},
		Fetcher: FetcherConfig{
			MaxAttempts:         3,
			BackoffSeconds:      1,
			TimeoutSeconds:      20,
			CookieRefreshAfter:  3,
			BreakerThreshold:    3,
			BreakerResetMinutes: 30,
			BrowserFingerprint:  true,
			UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Session: SessionConfig{
			CookiesFile:           "avito_cookies.json",
			Headless:              true,
			RefreshAttempts:       3,
			RefreshTimeoutSeconds: 90,
			PollIntervalSeconds:   2,
			MaxPolls:              10,
		},
		Proxy: ProxyConfig{
			RotateTimeoutSeconds: 10,
		},
		Sources: SourcesConfig{
			Order: []string{"cian", "avito"},
			Avito: AvitoConfig{
				Enabled:        true,
				BaseURL:        "https://www.avito.ru",
				Location:       "moskva",
				Category:       "kvartiry",
				StartPage:      1,
				EndPage:        3,
				FullPageSize:   50,
				FreshnessHours: 24,
				EnrichCap:      0,
			},
			Cian: CianConfig{
				Enabled:                true,
				BaseURL:                "https://www.cian.ru",
				Region:                 1,
				Location:               "Москва",
				StartPage:              1,
				EndPage:                3,
				PublishedWithinSeconds: 3600,
				ByHomeowner:            true,
				EnrichCap:              10,
			},
			PageJitterMinMillis: 2000,
			PageJitterMaxMillis: 5000,
			DetailPerMinute:     15,
		},
		Orchestrator: OrchestratorConfig{
			LockKey:          "parser:lock",
			LockTTLMinutes:   120,
			RetentionDays:    3,
			MaxDeletionCount: 10000,
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			Cron:              "*/30 * * * *",
			RunOnStart:        true,
			StartDelaySeconds: 10,
		},
		Server: ServerConfig{
			Port:         "8084",
			AllowOrigins: []string{"http://localhost:5173"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 2,
			RequestsPerHour:   20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	config := DefaultConfig()

	// If file doesn't exist, return default config
	if _, err := os.Stat(filepath); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, eris.Wrap(err, "failed to read config file")
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, eris.Wrap(err, "failed to parse config file")
	}

	return config, nil
}

// ApplyEnv overrides file values with environment variables when they are set
func (c *Config) ApplyEnv() {
	setString(&c.Database.Type, "DB_TYPE")
	switch c.Database.Type {
	case "postgres":
		setString(&c.Database.Postgres.Host, "DB_HOST")
		setInt(&c.Database.Postgres.Port, "DB_PORT")
		setString(&c.Database.Postgres.User, "DB_USER")
		setString(&c.Database.Postgres.Password, "DB_PASSWORD")
		setString(&c.Database.Postgres.Database, "DB_NAME")
	case "sqlite":
		setString(&c.Database.SQLite.Path, "DB_NAME")
	default:
		setString(&c.Database.MySQL.Host, "DB_HOST")
		setInt(&c.Database.MySQL.Port, "DB_PORT")
		setString(&c.Database.MySQL.User, "DB_USER")
		setString(&c.Database.MySQL.Password, "DB_PASSWORD")
		setString(&c.Database.MySQL.Database, "DB_NAME")
	}

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Search.Meilisearch.Host, "MEILISEARCH_HOST")
	setString(&c.Search.Meilisearch.APIKey, "MEILISEARCH_KEY")
	setString(&c.Proxy.Proxy, "AVITO_PROXY")
	setString(&c.Proxy.ChangeIPURL, "AVITO_PROXY_CHANGE_URL")
	setBool(&c.Session.Headless, "PARSER_HEADLESS")
	setString(&c.Server.Port, "PORT")
	setString(&c.Logging.Level, "LOG_LEVEL")

	if v, ok := lookupInt("PARSER_MAX_PAGES"); ok {
		c.Sources.Avito.EndPage = c.Sources.Avito.StartPage + v - 1
		c.Sources.Cian.EndPage = c.Sources.Cian.StartPage + v - 1
	}
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.Fetcher.MaxAttempts < 1 {
		return eris.Errorf("fetcher.max_attempts must be >= 1, got %d", c.Fetcher.MaxAttempts)
	}
	if c.Fetcher.BackoffSeconds < 0 {
		return eris.Errorf("fetcher.backoff_seconds must not be negative, got %d", c.Fetcher.BackoffSeconds)
	}
	if c.Sources.PageJitterMaxMillis < c.Sources.PageJitterMinMillis {
		return eris.New("sources.page_jitter_max_millis must be >= page_jitter_min_millis")
	}
	if c.Sources.Avito.EndPage < c.Sources.Avito.StartPage {
		return eris.Errorf("sources.avito: end_page %d < start_page %d", c.Sources.Avito.EndPage, c.Sources.Avito.StartPage)
	}
	if c.Sources.Cian.EndPage < c.Sources.Cian.StartPage {
		return eris.Errorf("sources.cian: end_page %d < start_page %d", c.Sources.Cian.EndPage, c.Sources.Cian.StartPage)
	}
	if c.Orchestrator.LockTTLMinutes <= 0 {
		return eris.New("orchestrator.lock_ttl_minutes must be positive")
	}
	if c.Orchestrator.RetentionDays <= 0 {
		return eris.New("orchestrator.retention_days must be positive")
	}
	for _, name := range c.Sources.Order {
		if name != "avito" && name != "cian" {
			return eris.Errorf("sources.order: unknown source %q", name)
		}
	}
	return nil
}

// GetBackoffUnit returns the linear backoff unit
func (c *FetcherConfig) GetBackoffUnit() time.Duration {
	return time.Duration(c.BackoffSeconds) * time.Second
}

// GetTimeout returns the per-request timeout
func (c *FetcherConfig) GetTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GetBreakerReset returns how long an open breaker stays open
func (c *FetcherConfig) GetBreakerReset() time.Duration {
	return time.Duration(c.BreakerResetMinutes) * time.Minute
}

// GetRefreshTimeout returns the wall-clock ceiling of one cookie refresh
func (c *SessionConfig) GetRefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutSeconds) * time.Second
}

// GetPollInterval returns the cookie polling interval
func (c *SessionConfig) GetPollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// GetRotateTimeout returns the change-IP request timeout
func (c *ProxyConfig) GetRotateTimeout() time.Duration {
	return time.Duration(c.RotateTimeoutSeconds) * time.Second
}

// GetLockTTL returns the run lock lease
func (c *OrchestratorConfig) GetLockTTL() time.Duration {
	return time.Duration(c.LockTTLMinutes) * time.Minute
}

// GetStartDelay returns the delay before the run-on-start job
func (c *SchedulerConfig) GetStartDelay() time.Duration {
	return time.Duration(c.StartDelaySeconds) * time.Second
}

// GetPageJitter returns the jitter bounds between page fetches
func (c *SourcesConfig) GetPageJitter() (time.Duration, time.Duration) {
	return time.Duration(c.PageJitterMinMillis) * time.Millisecond,
		time.Duration(c.PageJitterMaxMillis) * time.Millisecond
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookupInt(key); ok {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes":
		*dst = true
	case "0", "false", "no":
		*dst = false
	}
}

func lookupInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

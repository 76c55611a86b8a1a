// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-graph-crawler/internal/keypool"
)

// Environment variables holding provider credentials as JSON arrays.
const (
	OpenSearchKeysEnv = "NAVER_OPENAPI_KEYS"
	AdSearchKeysEnv   = "NAVER_SEARCHAD_KEYS"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Providers ProvidersConfig `mapstructure:"providers"`
	KeyPool   KeyPoolConfig   `mapstructure:"keypool"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	DB        DBConfig        `mapstructure:"db"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Clock     ClockConfig     `mapstructure:"clock"`
	Health    HealthConfig    `mapstructure:"health"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	// SeedRequestsPerMinute limits POST /seed per client IP. Zero disables the limit.
	SeedRequestsPerMinute int `mapstructure:"seed_requests_per_minute"`
}

// AuthConfig holds the bearer token guarding worker and admin endpoints.
type AuthConfig struct {
	ServerToken string `mapstructure:"server_token"`
}

// HTTPConfig configures the outbound provider HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// ProvidersConfig groups the two metered APIs.
type ProvidersConfig struct {
	OpenSearch ProviderConfig `mapstructure:"open_search"`
	AdSearch   ProviderConfig `mapstructure:"ad_search"`
}

// ProviderConfig configures one provider endpoint and its credentials.
type ProviderConfig struct {
	BaseURL         string               `mapstructure:"base_url"`
	CooldownMinutes int                  `mapstructure:"cooldown_minutes"`
	Keys            []keypool.Credential `mapstructure:"keys"`
}

// KeyPoolConfig selects where credential usage lives.
type KeyPoolConfig struct {
	Store            string      `mapstructure:"store"`
	RefillIntervalMs int         `mapstructure:"refill_interval_ms"`
	MaxCASRetries    int         `mapstructure:"max_cas_retries"`
	Redis            RedisConfig `mapstructure:"redis"`
}

// RedisConfig points at the shared usage store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// QueueConfig tunes retries and batch sizes.
type QueueConfig struct {
	MaxAttempts                int `mapstructure:"max_attempts"`
	FetchRelatedBackoffSeconds int `mapstructure:"fetch_related_backoff_seconds"`
	CountDocsBackoffSeconds    int `mapstructure:"count_docs_backoff_seconds"`
	BackoffJitterSeconds       int `mapstructure:"backoff_jitter_seconds"`
	RelatedBatch               int `mapstructure:"related_batch"`
	DocsBatch                  int `mapstructure:"docs_batch"`
	LeaseMinutes               int `mapstructure:"lease_minutes"`
}

// WorkerConfig controls the optional in-process collection loop.
type WorkerConfig struct {
	AutoCollect            bool `mapstructure:"auto_collect"`
	RelatedIntervalSeconds int  `mapstructure:"related_interval_seconds"`
	DocsIntervalSeconds    int  `mapstructure:"docs_interval_seconds"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory stores.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// ArchiveConfig selects where raw provider responses are kept.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig enables event publishing to Google Pub/Sub.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// ClockConfig sets the timezone of the quota day.
type ClockConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// HealthConfig holds the warning thresholds of /admin/health.
type HealthConfig struct {
	PendingWarn      int     `mapstructure:"pending_warn"`
	FailedWarn       int     `mapstructure:"failed_warn"`
	RateLimitWarnPct float64 `mapstructure:"rate_limit_warn_pct"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KEYGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.loadCredentialEnv(os.Getenv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.seed_requests_per_minute", 30)
	v.SetDefault("auth.server_token", "")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "keyword-graph-crawler/0.1")
	v.SetDefault("providers.open_search.base_url", "https://openapi.naver.com")
	v.SetDefault("providers.open_search.cooldown_minutes", 60)
	v.SetDefault("providers.ad_search.base_url", "https://api.naver.com")
	v.SetDefault("providers.ad_search.cooldown_minutes", 5)
	v.SetDefault("keypool.store", "memory")
	v.SetDefault("keypool.refill_interval_ms", 1000)
	v.SetDefault("keypool.max_cas_retries", 16)
	v.SetDefault("keypool.redis.addr", "")
	v.SetDefault("keypool.redis.password", "")
	v.SetDefault("keypool.redis.key_prefix", "keygraph:usage:")
	v.SetDefault("queue.max_attempts", crawler.DefaultMaxAttempts)
	v.SetDefault("queue.fetch_related_backoff_seconds", 300)
	v.SetDefault("queue.count_docs_backoff_seconds", 120)
	v.SetDefault("queue.backoff_jitter_seconds", 0)
	v.SetDefault("queue.related_batch", 10)
	v.SetDefault("queue.docs_batch", 20)
	v.SetDefault("queue.lease_minutes", 15)
	v.SetDefault("worker.auto_collect", false)
	v.SetDefault("worker.related_interval_seconds", 60)
	v.SetDefault("worker.docs_interval_seconds", 30)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.migrate", true)
	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "keyword-graph-crawler")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("clock.timezone", "Asia/Seoul")
	v.SetDefault("health.pending_warn", 100)
	v.SetDefault("health.failed_warn", 10)
	v.SetDefault("health.rate_limit_warn_pct", 5.0)
}

// loadCredentialEnv appends credentials supplied as JSON through the environment.
func (c *Config) loadCredentialEnv(getenv func(string) string) error {
	open, err := keypool.ParseCredentialsJSON(keypool.ProviderOpenSearch, getenv(OpenSearchKeysEnv))
	if err != nil {
		return fmt.Errorf("%s: %w", OpenSearchKeysEnv, err)
	}
	ads, err := keypool.ParseCredentialsJSON(keypool.ProviderAdSearch, getenv(AdSearchKeysEnv))
	if err != nil {
		return fmt.Errorf("%s: %w", AdSearchKeysEnv, err)
	}
	c.Providers.OpenSearch.Keys = append(c.Providers.OpenSearch.Keys, open...)
	c.Providers.AdSearch.Keys = append(c.Providers.AdSearch.Keys, ads...)
	for i := range c.Providers.OpenSearch.Keys {
		c.Providers.OpenSearch.Keys[i].Provider = keypool.ProviderOpenSearch
	}
	for i := range c.Providers.AdSearch.Keys {
		c.Providers.AdSearch.Keys[i].Provider = keypool.ProviderAdSearch
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Auth.ServerToken == "" {
		return fmt.Errorf("auth.server_token is required")
	}
	if len(c.Providers.OpenSearch.Keys) == 0 {
		return fmt.Errorf("no open_search credentials: set providers.open_search.keys or %s", OpenSearchKeysEnv)
	}
	if len(c.Providers.AdSearch.Keys) == 0 {
		return fmt.Errorf("no ad_search credentials: set providers.ad_search.keys or %s", AdSearchKeysEnv)
	}
	for _, cred := range c.Credentials() {
		if err := cred.Validate(); err != nil {
			return fmt.Errorf("providers: %w", err)
		}
	}
	switch c.KeyPool.Store {
	case "memory":
	case "redis":
		if c.KeyPool.Redis.Addr == "" {
			return fmt.Errorf("keypool.redis.addr is required when keypool.store is redis")
		}
	default:
		return fmt.Errorf("keypool.store must be memory or redis, got %q", c.KeyPool.Store)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1")
	}
	if c.Worker.AutoCollect && (c.Worker.RelatedIntervalSeconds <= 0 && c.Worker.DocsIntervalSeconds <= 0) {
		return fmt.Errorf("worker.auto_collect needs a positive interval")
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be none, memory, local or gcs, got %q", c.Archive.Backend)
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Credentials returns every configured credential.
func (c Config) Credentials() []keypool.Credential {
	creds := make([]keypool.Credential, 0, len(c.Providers.OpenSearch.Keys)+len(c.Providers.AdSearch.Keys))
	creds = append(creds, c.Providers.OpenSearch.Keys...)
	return append(creds, c.Providers.AdSearch.Keys...)
}

// Location resolves clock.timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Clock.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Clock.Timezone)
	if err != nil {
		return nil, fmt.Errorf("clock.timezone: %w", err)
	}
	return loc, nil
}

// Cooldowns maps each provider to its 429 cooldown.
func (c Config) Cooldowns() map[keypool.Provider]time.Duration {
	return map[keypool.Provider]time.Duration{
		keypool.ProviderOpenSearch: time.Duration(c.Providers.OpenSearch.CooldownMinutes) * time.Minute,
		keypool.ProviderAdSearch:   time.Duration(c.Providers.AdSearch.CooldownMinutes) * time.Minute,
	}
}

// Backoffs maps each job type to its retry delay.
func (c Config) Backoffs() map[crawler.JobType]time.Duration {
	return map[crawler.JobType]time.Duration{
		crawler.JobTypeFetchRelated: time.Duration(c.Queue.FetchRelatedBackoffSeconds) * time.Second,
		crawler.JobTypeCountDocs:    time.Duration(c.Queue.CountDocsBackoffSeconds) * time.Second,
	}
}

// ProviderTimeout is the outbound request budget.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

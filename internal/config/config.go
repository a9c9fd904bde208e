// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Only MASTER_KEY is strictly required. Providers, groups and keys live in the
// persistent store and are managed through the admin API or a seed file.
// Redis is optional: without it the gateway runs with no rate limiting,
// process-local round-robin counters and an in-process catalog cache.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// MasterKey is the operator key. Requests bearing it are accounted to the
	// hidden tracker key, and it guards the /api/admin routes.
	MasterKey string

	// SeedFile is an optional YAML file applied to the store at startup.
	SeedFile string

	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Routing  RoutingConfig
	Catalog  CatalogConfig
	Logs     LogsConfig

	// CircuitBreaker controls per-provider breaker thresholds used when
	// selecting group members.
	CircuitBreaker CircuitBreakerConfig

	// ProviderTimeout bounds a single upstream call, streaming included.
	ProviderTimeout time.Duration

	// AzureAPIVersion is used for azure providers whose base URL does not
	// carry an api-version query parameter.
	AzureAPIVersion string

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// DatabaseConfig selects the persistent store.
type DatabaseConfig struct {
	// URL is a Postgres DSN. When empty the embedded sqlite store at Path is used.
	URL string
	// Path is the sqlite database file. Default: gateway.db.
	Path string
}

// RedisConfig holds the shared cache/counter store connection.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Empty disables Redis.
	URL string
}

// CacheConfig controls the cache backend and the optional response cache.
type CacheConfig struct {
	// Mode selects the backend for the catalog and response caches:
	//   "redis" : shared across replicas (requires REDIS_URL).
	//   "memory": in-process TTL cache.
	//   "none"  : no response cache; the catalog stays in-process.
	Mode string

	// Responses enables caching of non-streaming completions.
	Responses bool

	// TTL is the lifetime of cached completions. Default: 1h.
	TTL time.Duration

	// ExcludeExact lists upstream model names that are never cached.
	ExcludeExact []string

	// ExcludePatterns lists regular expressions matched against upstream
	// model names; matching requests are never cached.
	ExcludePatterns []string
}

// RoutingConfig controls model resolution.
type RoutingConfig struct {
	// GroupPrefix namespaces group routes. Default: "group/".
	GroupPrefix string
	// DefaultProvider receives model names without a provider prefix.
	// Empty means such names are rejected as not found.
	DefaultProvider string
	// ReloadInterval re-reads providers and groups from the store so that
	// replicas converge on admin changes made elsewhere. 0 disables.
	ReloadInterval time.Duration
}

// CatalogConfig controls GET /v1/models.
type CatalogConfig struct {
	// TTL is how long an assembled catalog is served from cache. Default: 5m.
	TTL time.Duration
	// FetchTimeout bounds each provider's model listing. Default: 10s.
	FetchTimeout time.Duration
}

// LogsConfig controls the request-log pipeline.
type LogsConfig struct {
	// Mode is "direct" (a processing row is inserted before dispatch and
	// updated afterwards) or "buffered" (one terminal row written behind).
	Mode string
	// Queue is "memory" (bounded channel) or "redis" (shared list).
	Queue string
	// Buffer is the capacity of the in-memory queue.
	Buffer int
	// BatchSize caps the number of rows written per flush.
	BatchSize int
	// FlushInterval is how often the drainer wakes up.
	FlushInterval time.Duration
	// ClickHouseDSN enables the ClickHouse analytics sink when non-empty.
	ClickHouseDSN string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := fromViper(v)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_PATH", "gateway.db")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_RESPONSES", false)
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("GROUP_PREFIX", "group/")
	v.SetDefault("RELOAD_INTERVAL", "30s")
	v.SetDefault("CATALOG_TTL", "5m")
	v.SetDefault("MODEL_FETCH_TIMEOUT", "10s")
	v.SetDefault("LOG_MODE", "direct")
	v.SetDefault("LOG_QUEUE", "memory")
	v.SetDefault("LOG_BUFFER", 10_000)
	v.SetDefault("LOG_BATCH_SIZE", 50)
	v.SetDefault("LOG_FLUSH_INTERVAL", "5s")
	v.SetDefault("PROVIDER_TIMEOUT", "120s")
	v.SetDefault("AZURE_API_VERSION", "2024-10-21")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Port:      v.GetInt("PORT"),
		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),
		MasterKey: v.GetString("MASTER_KEY"),
		SeedFile:  v.GetString("SEED_FILE"),

		Database: DatabaseConfig{
			URL:  v.GetString("DATABASE_URL"),
			Path: v.GetString("DB_PATH"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			Responses:       v.GetBool("CACHE_RESPONSES"),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    commaList(v, "CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Routing: RoutingConfig{
			GroupPrefix:     v.GetString("GROUP_PREFIX"),
			DefaultProvider: v.GetString("DEFAULT_PROVIDER"),
			ReloadInterval:  v.GetDuration("RELOAD_INTERVAL"),
		},

		Catalog: CatalogConfig{
			TTL:          v.GetDuration("CATALOG_TTL"),
			FetchTimeout: v.GetDuration("MODEL_FETCH_TIMEOUT"),
		},

		Logs: LogsConfig{
			Mode:          strings.ToLower(v.GetString("LOG_MODE")),
			Queue:         strings.ToLower(v.GetString("LOG_QUEUE")),
			Buffer:        v.GetInt("LOG_BUFFER"),
			BatchSize:     v.GetInt("LOG_BATCH_SIZE"),
			FlushInterval: v.GetDuration("LOG_FLUSH_INTERVAL"),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		AzureAPIVersion: v.GetString("AZURE_API_VERSION"),
		CORSOrigins:     commaList(v, "CORS_ORIGINS"),
	}
}

// commaList reads a list that may be given as a YAML sequence or as a
// comma- or space-separated environment value.
func commaList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.MasterKey == "" {
		return errors.New("config: MASTER_KEY is required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Logs.Mode {
	case "direct", "buffered":
	default:
		return fmt.Errorf("config: invalid LOG_MODE %q; must be one of: direct, buffered", c.Logs.Mode)
	}
	switch c.Logs.Queue {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid LOG_QUEUE %q; must be one of: memory, redis", c.Logs.Queue)
	}
	if c.Logs.Queue == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when LOG_QUEUE=redis")
	}
	if c.Logs.BatchSize < 1 {
		return fmt.Errorf("config: LOG_BATCH_SIZE must be ≥ 1, got %d", c.Logs.BatchSize)
	}
	if c.Logs.Buffer < 1 {
		return fmt.Errorf("config: LOG_BUFFER must be ≥ 1, got %d", c.Logs.Buffer)
	}
	if c.Logs.FlushInterval <= 0 {
		return fmt.Errorf("config: LOG_FLUSH_INTERVAL must be a positive duration")
	}

	if c.Catalog.TTL <= 0 {
		return fmt.Errorf("config: CATALOG_TTL must be a positive duration")
	}
	if c.Catalog.FetchTimeout <= 0 {
		return fmt.Errorf("config: MODEL_FETCH_TIMEOUT must be a positive duration")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	if c.Routing.GroupPrefix == "" {
		return fmt.Errorf("config: GROUP_PREFIX must not be empty")
	}
	if c.Routing.ReloadInterval < 0 {
		return fmt.Errorf("config: RELOAD_INTERVAL must not be negative")
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

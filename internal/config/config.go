// Package config loads and validates all runtime configuration for the
// pricing engine.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file, following the
// lineage's naming convention: env vars use UPPER_SNAKE_CASE, the YAML file
// uses the same names in lower_snake_case. The sources, pairs_ttl and
// market_data sections are read from config.yaml only; environment
// variables cannot add entries to them.
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

// Environment identifies the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// Config is the top-level configuration container, matching spec §6's root
// schema: {port, environment, pairsFilePath?, logger, proxy?, refetch,
// pairCleanup, pairsTtl?, sources, marketData, metricsPush}.
type Config struct {
	Port          int
	Environment   Environment
	PairsFilePath string

	Logger LoggerConfig
	Proxy  *ProxyConfig

	Refetch     RefetchConfig
	PairCleanup PairCleanupConfig
	PairsTTL    []PairTTLConfig

	Sources map[string]SourceConfig

	MarketData MarketDataConfig
	MetricsPush MetricsPushConfig
	Cache       CacheConfig
	AuditLog    AuditLogConfig

	// CORSOrigins lists allowed Access-Control-Allow-Origin values for the
	// HTTP surface. Not part of spec.md's documented schema; an ambient
	// deployment knob carried over from the lineage's own CORS handling.
	// Empty or ["*"] means open (the default).
	CORSOrigins []string
}

// CacheConfig selects the quote cache's raw KV backend (internal/cache).
// Not part of spec.md's documented schema; an ambient deployment knob
// carried over from the teacher's own cache-mode selection.
type CacheConfig struct {
	Mode          string // "memory" (default) | "redis"
	RedisURL      string
	StaleDebounce time.Duration // coalescing window for Component F's StaleBatch emission
}

// AuditLogConfig configures the optional ClickHouse-backed audit logger.
// Absent (Addr empty) by default — audit logging is never required for the
// engine to serve quotes.
type AuditLogConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
	Table    string
}

// LoggerConfig controls structured log output.
type LoggerConfig struct {
	Level          string // debug|info|warn|error
	IsPrettyEnabled bool
}

// ProxyConfig is the optional outbound proxy every source adapter's HTTP
// client may route through when its own useProxy is true without its own URL.
type ProxyConfig struct {
	URL string
}

// RetryConfig is the failed-pair retry-queue sub-schema.
type RetryConfig struct {
	Enabled       bool
	MaxAttempts   int           // [1..1000]
	RetryDelay    time.Duration // [1s..1h]
	CheckInterval time.Duration // [5s..5m]
}

// RefetchConfig configures the refetch scheduler (Component I).
type RefetchConfig struct {
	Enabled                  bool
	StaleTriggerBeforeExpiry time.Duration // [100ms..60s]
	BatchInterval            time.Duration // [100ms..10s]
	MinTimeBetweenRefreshes  time.Duration // [100ms..60s]
	FailedPairsRetry         RetryConfig
}

// PairCleanupConfig configures the pair cleanup scheduler (Component L).
type PairCleanupConfig struct {
	Enabled           bool
	InactiveTimeout   time.Duration // [60s..24h]
	CleanupInterval   time.Duration // [5s..1h]
}

// PairTTLConfig is one pairsTtl override entry. Source empty matches any
// source (wildcard).
type PairTTLConfig struct {
	Base   string
	Quote  string
	Source string
	TTL    time.Duration // >= 1s
}

// StreamConfig is the sources.<name>.stream sub-schema.
type StreamConfig struct {
	AutoReconnect        bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int // [0..100]
	HeartbeatInterval    time.Duration // >= 5s
	WSURL                string
	BatchSize            int
	RateLimit            *float64
}

// SourceConfig is one sources.<name> entry (spec §6).
type SourceConfig struct {
	Enabled       bool
	APIKey        string
	TTL           time.Duration // >= 1s
	MaxConcurrent int           // >= 1
	Timeout       time.Duration // >= 1s
	RPS           *float64      // nil = unlimited
	UseProxy      bool
	ProxyURL      string
	MaxRetries    int // [0..10]
	Refetch       bool
	Stream        *StreamConfig
	BaseURL       string
	MaxBatchSize  int
}

// MarketDataConfig names the pairs each enabled source should be warmed up
// with on boot, keyed by source name.
type MarketDataConfig struct {
	WarmPairs map[string][]PairSpec
}

// PairSpec is a (base, quote) pair as it appears in configuration.
type PairSpec struct {
	Base  string
	Quote string
}

// MetricsPushConfig configures an optional Prometheus push-gateway target,
// for deployments that scrape via push rather than pull.
type MetricsPushConfig struct {
	Enabled  bool
	URL      string
	Interval time.Duration
	Job      string
}

// sourcesRequiringAPIKey lists sources whose API contract requires a key;
// silently disabled (per spec §6's validation rule) if enabled without one.
var sourcesRequiringAPIKey = map[string]bool{
	"finnhub":      true,
	"alphavantage": true,
}

// Load reads configuration from environment variables and (optionally) a
// config.yaml in the current working directory, then validates it.
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

	cfg := &Config{
		Port:          v.GetInt("port"),
		Environment:   Environment(v.GetString("environment")),
		PairsFilePath: v.GetString("pairs_file_path"),

		Logger: LoggerConfig{
			Level:           strings.ToLower(v.GetString("logger.level")),
			IsPrettyEnabled: v.GetBool("logger.is_pretty_enabled"),
		},

		Refetch: RefetchConfig{
			Enabled:                  v.GetBool("refetch.enabled"),
			StaleTriggerBeforeExpiry: v.GetDuration("refetch.stale_trigger_before_expiry"),
			BatchInterval:            v.GetDuration("refetch.batch_interval"),
			MinTimeBetweenRefreshes:  v.GetDuration("refetch.min_time_between_refreshes"),
			FailedPairsRetry: RetryConfig{
				Enabled:       v.GetBool("refetch.failed_pairs_retry.enabled"),
				MaxAttempts:   v.GetInt("refetch.failed_pairs_retry.max_attempts"),
				RetryDelay:    v.GetDuration("refetch.failed_pairs_retry.retry_delay"),
				CheckInterval: v.GetDuration("refetch.failed_pairs_retry.check_interval"),
			},
		},

		PairCleanup: PairCleanupConfig{
			Enabled:         v.GetBool("pair_cleanup.enabled"),
			InactiveTimeout: v.GetDuration("pair_cleanup.inactive_timeout"),
			CleanupInterval: v.GetDuration("pair_cleanup.cleanup_interval"),
		},

		MetricsPush: MetricsPushConfig{
			Enabled:  v.GetBool("metrics_push.enabled"),
			URL:      v.GetString("metrics_push.url"),
			Interval: v.GetDuration("metrics_push.interval"),
			Job:      v.GetString("metrics_push.job"),
		},

		Cache: CacheConfig{
			Mode:          v.GetString("cache.mode"),
			RedisURL:      v.GetString("cache.redis_url"),
			StaleDebounce: v.GetDuration("cache.stale_debounce"),
		},

		AuditLog: AuditLogConfig{
			Addr:     v.GetStringSlice("audit_log.addr"),
			Database: v.GetString("audit_log.database"),
			Username: v.GetString("audit_log.username"),
			Password: v.GetString("audit_log.password"),
			Table:    v.GetString("audit_log.table"),
		},

		CORSOrigins: v.GetStringSlice("cors_origins"),
	}

	if proxyURL := v.GetString("proxy.url"); proxyURL != "" {
		cfg.Proxy = &ProxyConfig{URL: proxyURL}
	}

	cfg.Sources = loadSources(v)
	cfg.PairsTTL = loadPairsTTL(v)
	cfg.MarketData = MarketDataConfig{WarmPairs: loadMarketData(v)}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("environment", "development")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.is_pretty_enabled", true)

	v.SetDefault("refetch.enabled", true)
	v.SetDefault("refetch.stale_trigger_before_expiry", "1s")
	v.SetDefault("refetch.batch_interval", "300ms")
	v.SetDefault("refetch.min_time_between_refreshes", "2s")
	v.SetDefault("refetch.failed_pairs_retry.enabled", true)
	v.SetDefault("refetch.failed_pairs_retry.max_attempts", 3)
	v.SetDefault("refetch.failed_pairs_retry.retry_delay", "10s")
	v.SetDefault("refetch.failed_pairs_retry.check_interval", "10s")

	v.SetDefault("pair_cleanup.enabled", true)
	v.SetDefault("pair_cleanup.inactive_timeout", "1h")
	v.SetDefault("pair_cleanup.cleanup_interval", "5m")

	v.SetDefault("metrics_push.enabled", false)

	v.SetDefault("cache.mode", "memory")
	v.SetDefault("cache.stale_debounce", "200ms")

	v.SetDefault("cors_origins", []string{"*"})
}

func loadSources(v *viper.Viper) map[string]SourceConfig {
	raw, ok := v.Get("sources").(map[string]interface{})
	if !ok {
		return map[string]SourceConfig{}
	}

	sub := v.Sub("sources")
	sources := make(map[string]SourceConfig, len(raw))
	for name := range raw {
		s := sub.Sub(name)
		if s == nil {
			continue
		}
		sc := SourceConfig{
			Enabled:       s.GetBool("enabled"),
			APIKey:        s.GetString("api_key"),
			TTL:           s.GetDuration("ttl"),
			MaxConcurrent: s.GetInt("max_concurrent"),
			Timeout:       s.GetDuration("timeout"),
			UseProxy:      s.GetBool("use_proxy"),
			ProxyURL:      s.GetString("proxy_url"),
			MaxRetries:    s.GetInt("max_retries"),
			Refetch:       s.GetBool("refetch"),
			BaseURL:       s.GetString("base_url"),
			MaxBatchSize:  s.GetInt("max_batch_size"),
		}
		if s.IsSet("rps") {
			rps := s.GetFloat64("rps")
			sc.RPS = &rps
		}
		if s.IsSet("stream") {
			stream := s.Sub("stream")
			sc.Stream = &StreamConfig{
				AutoReconnect:        stream.GetBool("auto_reconnect"),
				ReconnectInterval:    stream.GetDuration("reconnect_interval"),
				MaxReconnectAttempts: stream.GetInt("max_reconnect_attempts"),
				HeartbeatInterval:    stream.GetDuration("heartbeat_interval"),
				WSURL:                stream.GetString("ws_url"),
				BatchSize:            stream.GetInt("batch_size"),
			}
			if stream.IsSet("rate_limit") {
				rl := stream.GetFloat64("rate_limit")
				sc.Stream.RateLimit = &rl
			}
		}

		if sc.Enabled && sourcesRequiringAPIKey[name] && sc.APIKey == "" {
			sc.Enabled = false
		}
		sources[name] = sc
	}
	return sources
}

func loadPairsTTL(v *viper.Viper) []PairTTLConfig {
	raw, ok := v.Get("pairs_ttl").([]interface{})
	if !ok {
		return nil
	}

	out := make([]PairTTLConfig, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		pair, _ := m["pair"].([]interface{})
		var base, quote string
		if len(pair) == 2 {
			base, _ = pair[0].(string)
			quote, _ = pair[1].(string)
		}
		source, _ := m["source"].(string)
		ttlMs, _ := m["ttl"].(int)
		out = append(out, PairTTLConfig{Base: base, Quote: quote, Source: source, TTL: time.Duration(ttlMs) * time.Millisecond})
	}
	return out
}

// loadMarketData reads marketData.<source> as a list of {base, quote} pairs
// the engine should register and warm on boot, keyed by source name.
func loadMarketData(v *viper.Viper) map[string][]PairSpec {
	raw, ok := v.Get("market_data").(map[string]interface{})
	if !ok {
		return nil
	}

	out := make(map[string][]PairSpec, len(raw))
	for name, entry := range raw {
		list, ok := entry.([]interface{})
		if !ok {
			continue
		}
		specs := make([]PairSpec, 0, len(list))
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			base, _ := m["base"].(string)
			quote, _ := m["quote"].(string)
			if base == "" || quote == "" {
				continue
			}
			specs = append(specs, PairSpec{Base: base, Quote: quote})
		}
		out[name] = specs
	}
	return out
}

// validate enforces spec §6's bounds on every numeric field.
func (c *Config) validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("config: invalid environment %q", c.Environment)
	}

	switch c.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid logger.level %q", c.Logger.Level)
	}

	switch c.Cache.Mode {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid cache.mode %q", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("config: cache.redisUrl is required when cache.mode is \"redis\"")
	}

	if err := boundDuration("refetch.staleTriggerBeforeExpiry", c.Refetch.StaleTriggerBeforeExpiry, 100*time.Millisecond, 60*time.Second); err != nil {
		return err
	}
	if err := boundDuration("refetch.batchInterval", c.Refetch.BatchInterval, 100*time.Millisecond, 10*time.Second); err != nil {
		return err
	}
	if err := boundDuration("refetch.minTimeBetweenRefreshes", c.Refetch.MinTimeBetweenRefreshes, 100*time.Millisecond, 60*time.Second); err != nil {
		return err
	}
	if fpr := c.Refetch.FailedPairsRetry; fpr.Enabled {
		if fpr.MaxAttempts < 1 || fpr.MaxAttempts > 1000 {
			return fmt.Errorf("config: refetch.failedPairsRetry.maxAttempts must be in [1,1000], got %d", fpr.MaxAttempts)
		}
		if err := boundDuration("refetch.failedPairsRetry.retryDelay", fpr.RetryDelay, time.Second, time.Hour); err != nil {
			return err
		}
		if err := boundDuration("refetch.failedPairsRetry.checkInterval", fpr.CheckInterval, 5*time.Second, 5*time.Minute); err != nil {
			return err
		}
	}

	if c.PairCleanup.Enabled {
		if err := boundDuration("pairCleanup.inactiveTimeoutMs", c.PairCleanup.InactiveTimeout, time.Minute, 24*time.Hour); err != nil {
			return err
		}
		if err := boundDuration("pairCleanup.cleanupIntervalMs", c.PairCleanup.CleanupInterval, 5*time.Second, time.Hour); err != nil {
			return err
		}
	}

	for _, o := range c.PairsTTL {
		if o.TTL < time.Second {
			return fmt.Errorf("config: pairsTtl entry for %s/%s has ttl below 1s", o.Base, o.Quote)
		}
	}

	for name, sc := range c.Sources {
		if !sc.Enabled {
			continue
		}
		if sc.TTL < time.Second {
			return fmt.Errorf("config: sources.%s.ttl must be >= 1s", name)
		}
		if sc.MaxConcurrent < 1 {
			return fmt.Errorf("config: sources.%s.maxConcurrent must be >= 1", name)
		}
		if sc.Timeout < time.Second {
			return fmt.Errorf("config: sources.%s.timeoutMs must be >= 1000", name)
		}
		if sc.RPS != nil && *sc.RPS <= 0 {
			return fmt.Errorf("config: sources.%s.rps must be > 0 or null", name)
		}
		if sc.MaxRetries < 0 || sc.MaxRetries > 10 {
			return fmt.Errorf("config: sources.%s.maxRetries must be in [0,10]", name)
		}
		if sc.Stream != nil {
			if sc.Stream.MaxReconnectAttempts < 0 || sc.Stream.MaxReconnectAttempts > 100 {
				return fmt.Errorf("config: sources.%s.stream.maxReconnectAttempts must be in [0,100]", name)
			}
			if sc.Stream.HeartbeatInterval < 5*time.Second {
				return fmt.Errorf("config: sources.%s.stream.heartbeatInterval must be >= 5s", name)
			}
		}
	}

	return nil
}

func boundDuration(field string, d, lo, hi time.Duration) error {
	if d < lo || d > hi {
		return fmt.Errorf("config: %s must be in [%s,%s], got %s", field, lo, hi, d)
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

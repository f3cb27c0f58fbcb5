package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketfeed/quoteproxy/internal/adapters/alphavantage"
	"github.com/marketfeed/quoteproxy/internal/adapters/binance"
	"github.com/marketfeed/quoteproxy/internal/adapters/coinbase"
	"github.com/marketfeed/quoteproxy/internal/adapters/coingecko"
	"github.com/marketfeed/quoteproxy/internal/adapters/cryptocompare"
	"github.com/marketfeed/quoteproxy/internal/adapters/exchangeratehost"
	"github.com/marketfeed/quoteproxy/internal/adapters/finnhub"
	"github.com/marketfeed/quoteproxy/internal/adapters/frankfurter"
	"github.com/marketfeed/quoteproxy/internal/adapters/kraken"
	"github.com/marketfeed/quoteproxy/internal/adapters/okx"
	"github.com/marketfeed/quoteproxy/internal/auditlog"
	"github.com/marketfeed/quoteproxy/internal/batch"
	npCache "github.com/marketfeed/quoteproxy/internal/cache"
	"github.com/marketfeed/quoteproxy/internal/circuitbreaker"
	"github.com/marketfeed/quoteproxy/internal/cleanup"
	"github.com/marketfeed/quoteproxy/internal/config"
	"github.com/marketfeed/quoteproxy/internal/httpapi"
	"github.com/marketfeed/quoteproxy/internal/metrics"
	"github.com/marketfeed/quoteproxy/internal/pairs"
	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/quotes"
	"github.com/marketfeed/quoteproxy/internal/refetch"
	"github.com/marketfeed/quoteproxy/internal/retryqueue"
	"github.com/marketfeed/quoteproxy/internal/source"
	"github.com/marketfeed/quoteproxy/internal/sources"
	"github.com/marketfeed/quoteproxy/internal/streaming"
)

// adapterFactory constructs one source.Adapter from its resolved config.
type adapterFactory func(cfg quote.SourceAdapterConfig, breaker *circuitbreaker.Breaker, log *slog.Logger) (source.Adapter, error)

// adapterFactories lists every integration the engine knows how to build,
// keyed by the name used in sources.<name> configuration. Each adapter's own
// package owns its upstream wire format; this map only owns the wiring.
var adapterFactories = map[string]adapterFactory{
	"binance":          func(c quote.SourceAdapterConfig, b *circuitbreaker.Breaker, l *slog.Logger) (source.Adapter, error) { return binance.New(c, b, l) },
	"okx":              func(c quote.SourceAdapterConfig, b *circuitbreaker.Breaker, l *slog.Logger) (source.Adapter, error) { return okx.New(c, b, l) },
	"coinbase":         func(c quote.SourceAdapterConfig, b *circuitbreaker.Breaker, l *slog.Logger) (source.Adapter, error) { return coinbase.New(c, b, l) },
	"kraken":           func(c quote.SourceAdapterConfig, b *circuitbreaker.Breaker, l *slog.Logger) (source.Adapter, error) { return kraken.New(c, b, l) },
	"cryptocompare":    func(c quote.SourceAdapterConfig, b *circuitbreaker.Breaker, l *slog.Logger) (source.Adapter, error) { return cryptocompare.New(c, b, l) },
	"coingecko":        func(c quote.SourceAdapterConfig, b *circuitbreaker.Breaker, l *slog.Logger) (source.Adapter, error) { return coingecko.New(c, b, l) },
	"finnhub":          func(c quote.SourceAdapterConfig, b *circuitbreaker.Breaker, l *slog.Logger) (source.Adapter, error) { return finnhub.New(c, b, l) },
	"alphavantage":     func(c quote.SourceAdapterConfig, b *circuitbreaker.Breaker, l *slog.Logger) (source.Adapter, error) { return alphavantage.New(c, b, l) },
	"exchangeratehost": func(c quote.SourceAdapterConfig, b *circuitbreaker.Breaker, l *slog.Logger) (source.Adapter, error) { return exchangeratehost.New(c, b, l) },
	"frankfurter":      func(c quote.SourceAdapterConfig, b *circuitbreaker.Breaker, l *slog.Logger) (source.Adapter, error) { return frankfurter.New(c, b, l) },
}

// initInfra establishes optional external connections. Redis is only
// required when cache.mode is "redis".
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Cache.RedisURL)))

		rdb, err := connectRedis(ctx, a.cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the cache backend, metrics registry, pair registry,
// circuit breaker, and every enabled source adapter.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()

	var backend npCache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		a.exactCache = npCache.NewExactCacheFromClient(a.rdb)
		backend = a.exactCache
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		backend = a.memCache
		a.log.Info("cache backend: memory (in-process)")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	pairsTTL := make([]npCache.PairTTLOverride, 0, len(a.cfg.PairsTTL))
	for _, o := range a.cfg.PairsTTL {
		pairsTTL = append(pairsTTL, npCache.PairTTLOverride{
			Source: o.Source,
			Pair:   quote.Pair{Base: o.Base, Quote: o.Quote},
			TTL:    o.TTL,
		})
	}
	a.qcache = npCache.NewQuoteCache(ctx, backend, a.prom, pairsTTL, a.cfg.Cache.StaleDebounce, a.cfg.Refetch.MinTimeBetweenRefreshes)

	a.registry = pairs.New(a.prom)
	a.breaker = circuitbreaker.New(circuitbreaker.Config{})

	adapters := make([]source.Adapter, 0, len(a.cfg.Sources))
	for name, sc := range a.cfg.Sources {
		if !sc.Enabled {
			continue
		}
		factory, ok := adapterFactories[name]
		if !ok {
			a.log.Warn("unknown source configured, skipping", slog.String("source", name))
			continue
		}

		adapter, err := factory(toAdapterConfig(sc), a.breaker, a.log.With(slog.String("source", name)))
		if err != nil {
			a.log.Warn("source init failed, skipping", slog.String("source", name), slog.Any("error", err))
			continue
		}
		adapters = append(adapters, adapter)
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no source adapters configured and enabled")
	}

	a.sm = sources.New(adapters, a.prom)

	if len(a.cfg.AuditLog.Addr) > 0 {
		al, err := auditlog.New(ctx, auditlog.Config{
			Addr: a.cfg.AuditLog.Addr, Database: a.cfg.AuditLog.Database,
			Username: a.cfg.AuditLog.Username, Password: a.cfg.AuditLog.Password, Table: a.cfg.AuditLog.Table,
		}, a.log, a.prom)
		if err != nil {
			return fmt.Errorf("auditlog: %w", err)
		}
		a.audit = al
	}

	return nil
}

// toAdapterConfig translates a config.SourceConfig into the adapter-facing
// quote.SourceAdapterConfig.
func toAdapterConfig(sc config.SourceConfig) quote.SourceAdapterConfig {
	cfg := quote.SourceAdapterConfig{
		Enabled: sc.Enabled, APIKey: sc.APIKey, TTL: sc.TTL,
		MaxConcurrent: sc.MaxConcurrent, Timeout: sc.Timeout, RPS: sc.RPS,
		UseProxy: sc.UseProxy, ProxyURL: sc.ProxyURL, MaxRetries: sc.MaxRetries,
		Refetch: sc.Refetch, MaxBatchSize: sc.MaxBatchSize, BaseURL: sc.BaseURL,
	}
	if sc.Stream != nil {
		cfg.Stream = &quote.StreamConfig{
			AutoReconnect: sc.Stream.AutoReconnect, ReconnectInterval: sc.Stream.ReconnectInterval,
			MaxReconnectAttempts: sc.Stream.MaxReconnectAttempts, HeartbeatInterval: sc.Stream.HeartbeatInterval,
			WSURL: sc.Stream.WSURL, BatchSize: sc.Stream.BatchSize, RateLimit: sc.Stream.RateLimit,
		}
	}
	return cfg
}

// initEngine wires the remaining components — batch coordinator, front-door
// quote service, refetch scheduler, streaming coordinator, retry queue, and
// cleanup scheduler — now that sources/registry/cache are ready.
func (a *App) initEngine(_ context.Context) error {
	a.bc = batch.New(a.sm, a.registry, a.qcache, a.prom, a.log)

	const defaultTTL = 30 * time.Second
	a.qs = quotes.New(a.sm, a.registry, a.qcache, a.bc, a.prom, a.log, defaultTTL, a.cfg.Refetch.StaleTriggerBeforeExpiry)

	a.retryQ = retryqueue.New(retryqueue.Config{
		MaxAttempts: a.cfg.Refetch.FailedPairsRetry.MaxAttempts, RetryDelay: a.cfg.Refetch.FailedPairsRetry.RetryDelay,
		CheckInterval: a.cfg.Refetch.FailedPairsRetry.CheckInterval,
	}, a.prom, a.log)

	a.refetchSched = refetch.New(refetch.Config{
		Enabled: a.cfg.Refetch.Enabled, StaleTriggerBeforeExpiry: a.cfg.Refetch.StaleTriggerBeforeExpiry,
		BatchInterval: a.cfg.Refetch.BatchInterval,
		FailedPairsRetry: refetch.FailedPairsRetryConfig{
			Enabled: a.cfg.Refetch.FailedPairsRetry.Enabled, MaxAttempts: a.cfg.Refetch.FailedPairsRetry.MaxAttempts,
			RetryDelay: a.cfg.Refetch.FailedPairsRetry.RetryDelay, CheckInterval: a.cfg.Refetch.FailedPairsRetry.CheckInterval,
		},
	}, a.sm, a.registry, a.qcache, a.retryQ, a.log)

	a.streamCoord = streaming.New(a.sm, a.registry, a.qcache, a.prom, a.log)
	a.cleanupSched = cleanup.New(a.registry, a.log, a.cfg.PairCleanup.Enabled, a.cfg.PairCleanup.CleanupInterval, a.cfg.PairCleanup.InactiveTimeout)

	a.warmUpPairs()

	return nil
}

// warmUpPairs registers every sources.<name>.marketData warm pair into the
// registry before the refetch scheduler's initial WarmUp pass runs, so a
// freshly booted instance already has data cached for its known universe
// instead of waiting for the first client request.
func (a *App) warmUpPairs() {
	for src, specs := range a.cfg.MarketData.WarmPairs {
		if _, ok := a.sm.Get(src); !ok {
			continue
		}
		for _, spec := range specs {
			a.registry.TrackQuoteRequest(src, quote.Pair{Base: spec.Base, Quote: spec.Quote})
		}
	}
}

// initHTTP builds the HTTP API surface.
func (a *App) initHTTP(_ context.Context) error {
	a.api = httpapi.New(a.qs, a.sm, a.registry, a.qcache, a.cleanupSched, a.log, a.cfg.CORSOrigins)
	return nil
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}

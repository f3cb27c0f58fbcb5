// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, when cache.mode=redis)
//  2. initServices — cache backend, metrics registry, pair registry, circuit
//     breaker, source adapters, optional audit logger
//  3. initEngine   — batch coordinator, quote service, refetch scheduler,
//     streaming coordinator, retry queue, cleanup scheduler
//  4. initHTTP     — the HTTP API surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/marketfeed/quoteproxy/internal/auditlog"
	"github.com/marketfeed/quoteproxy/internal/batch"
	npCache "github.com/marketfeed/quoteproxy/internal/cache"
	"github.com/marketfeed/quoteproxy/internal/circuitbreaker"
	"github.com/marketfeed/quoteproxy/internal/cleanup"
	"github.com/marketfeed/quoteproxy/internal/config"
	"github.com/marketfeed/quoteproxy/internal/httpapi"
	"github.com/marketfeed/quoteproxy/internal/metrics"
	"github.com/marketfeed/quoteproxy/internal/pairs"
	"github.com/marketfeed/quoteproxy/internal/quotes"
	"github.com/marketfeed/quoteproxy/internal/refetch"
	"github.com/marketfeed/quoteproxy/internal/retryqueue"
	"github.com/marketfeed/quoteproxy/internal/sources"
	"github.com/marketfeed/quoteproxy/internal/streaming"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	memCache   *npCache.MemoryCache
	exactCache *npCache.ExactCache
	qcache     *npCache.QuoteCache

	prom     *metrics.Registry
	registry *pairs.Registry
	breaker  *circuitbreaker.Breaker
	sm       *sources.Manager

	bc           *batch.Coordinator
	qs           *quotes.Service
	refetchSched *refetch.Scheduler
	streamCoord  *streaming.Coordinator
	retryQ       *retryqueue.Queue
	cleanupSched *cleanup.Scheduler

	audit *auditlog.Logger
	api   *httpapi.API

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"engine", a.initEngine},
		{"http", a.initHTTP},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the background schedulers and the HTTP server, blocking until
// ctx is cancelled or any of them returns an error. It closes the app
// gracefully on return.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting quoteproxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("sources", len(a.sm.Names())),
	)

	a.refetchSched.WarmUp(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.refetchSched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.streamCoord.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.retryQ.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.cleanupSched.Run(gctx)
		return nil
	})

	g.Go(func() error {
		mgmt := &httpapi.ManagementRoutes{Metrics: a.prom.Handler()}
		return a.api.StartWithRoutes(addr, mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.retryQ != nil {
		a.retryQ.Stop()
	}
	if a.qcache != nil {
		a.qcache.Close()
		a.qcache = nil
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Error("auditlog close error", slog.String("error", err.Error()))
		}
		a.audit = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.exactCache != nil {
		if err := a.exactCache.Close(); err != nil {
			a.log.Error("exact cache close error", slog.String("error", err.Error()))
		}
		a.exactCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

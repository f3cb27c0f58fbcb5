// Package refetch implements Component I: the scheduler that reacts to
// cache staleness and failed-pair retries by refreshing quotes in the
// background, keeping the cache warm without waiting for the next client
// request. Grounded on the lineage's internal/logger (now
// internal/auditlog) channel+ticker+batch-flush shape for the
// inProgressKeys-gated batch processing loop.
package refetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marketfeed/quoteproxy/internal/cache"
	"github.com/marketfeed/quoteproxy/internal/pairs"
	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/retryqueue"
	"github.com/marketfeed/quoteproxy/internal/source"
	"github.com/marketfeed/quoteproxy/internal/sources"
)

type FailedPairsRetryConfig struct {
	Enabled       bool
	MaxAttempts   int
	RetryDelay    time.Duration
	CheckInterval time.Duration
}

type Config struct {
	Enabled                  bool
	StaleTriggerBeforeExpiry time.Duration
	BatchInterval            time.Duration
	FailedPairsRetry         FailedPairsRetryConfig
}

// Scheduler is the refetch scheduler.
type Scheduler struct {
	cfg      Config
	sources  *sources.Manager
	registry *pairs.Registry
	qcache   *cache.QuoteCache
	retry    *retryqueue.Queue
	log      *slog.Logger

	mu         sync.Mutex
	inProgress map[string]struct{}
}

func New(cfg Config, sm *sources.Manager, registry *pairs.Registry, qcache *cache.QuoteCache, retry *retryqueue.Queue, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg: cfg, sources: sm, registry: registry, qcache: qcache, retry: retry, log: log,
		inProgress: make(map[string]struct{}),
	}
}

// Run subscribes to cache.onStaleBatch and the retry queue callback, then
// blocks until ctx is cancelled. Callers should run it in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}

	if s.cfg.FailedPairsRetry.Enabled {
		s.retry.RegisterRetryCallback(func(entries []retryqueue.Entry) {
			s.HandleRetryBatch(ctx, entries)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-s.qcache.Stale():
			if !ok {
				return
			}
			s.HandleStaleBatch(ctx, batch)
		}
	}
}

// WarmUp is the once-after-bootstrap pass: build a source -> pairs map from
// every registration whose source has refetch=true, then refresh each
// source concurrently.
func (s *Scheduler) WarmUp(ctx context.Context) {
	bySource := make(map[string][]quote.Pair)
	for _, reg := range s.registry.GetAllRegistrations() {
		adapter, ok := s.sources.Get(reg.Source)
		if !ok || !adapter.GetConfig().Refetch {
			continue
		}
		bySource[reg.Source] = append(bySource[reg.Source], reg.Pair)
	}

	var wg sync.WaitGroup
	for src, p := range bySource {
		src, p := src, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.refreshSourcePairs(ctx, src, p)
		}()
	}
	wg.Wait()
}

// HandleStaleBatch implements spec §4.I's filtering/grouping/fanout for a
// cache-staleness batch.
func (s *Scheduler) HandleStaleBatch(ctx context.Context, batch quote.StaleBatch) {
	bySource := s.filterAndGroup(batch.Items)
	s.fanOut(ctx, bySource)
}

// HandleRetryBatch applies the identical filtering/grouping/fanout to a
// batch of due retry-queue entries.
func (s *Scheduler) HandleRetryBatch(ctx context.Context, entries []retryqueue.Entry) {
	items := make([]quote.StaleItem, len(entries))
	for i, e := range entries {
		items[i] = quote.StaleItem{Source: e.Source, Pair: e.Pair}
	}
	bySource := s.filterAndGroup(items)
	s.fanOut(ctx, bySource)
}

func (s *Scheduler) filterAndGroup(items []quote.StaleItem) map[string][]quote.Pair {
	bySource := make(map[string][]quote.Pair)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		key := item.Source + ":" + item.Pair.Key()
		if _, busy := s.inProgress[key]; busy {
			continue
		}

		adapter, ok := s.sources.Get(item.Source)
		if !ok || !adapter.GetConfig().Refetch {
			continue
		}
		if sourcesFor := s.registry.GetSourcesByPair(item.Pair); !contains(sourcesFor, item.Source) {
			continue
		}

		s.inProgress[key] = struct{}{}
		bySource[item.Source] = append(bySource[item.Source], item.Pair)
	}
	return bySource
}

func (s *Scheduler) fanOut(ctx context.Context, bySource map[string][]quote.Pair) {
	var wg sync.WaitGroup
	for src, p := range bySource {
		src, p := src, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.refreshSourcePairs(ctx, src, p)
			s.clearInProgress(src, p)
		}()
	}
	wg.Wait()
}

// refreshSourcePairs implements spec §4.I's per-source refresh: batch
// fetch in chunks when supported, otherwise per-pair individual fetches in
// parallel, enqueuing per-pair failures to the retry queue.
func (s *Scheduler) refreshSourcePairs(ctx context.Context, src string, p []quote.Pair) {
	adapter, ok := s.sources.Get(src)
	if !ok {
		return
	}
	cfg := adapter.GetConfig()
	ttl := s.qcache.ResolveTTL(src, quote.Pair{}, cfg.TTL)

	if source.IsBatchCapable(adapter) && len(p) > 1 && cfg.MaxBatchSize > 1 {
		s.refreshBatched(ctx, src, p, cfg.MaxBatchSize, ttl)
		return
	}

	var wg sync.WaitGroup
	for _, pair := range p {
		pair := pair
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.refreshSinglePair(ctx, src, pair, ttl)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) refreshBatched(ctx context.Context, src string, p []quote.Pair, maxBatchSize int, ttl time.Duration) {
	var wg sync.WaitGroup
	for i := 0; i < len(p); i += maxBatchSize {
		end := i + maxBatchSize
		if end > len(p) {
			end = len(p)
		}
		chunk := p[i:end]
		wg.Add(1)
		go func() {
			defer wg.Done()
			quotes, err := s.sources.FetchQuotes(ctx, src, chunk)
			if err != nil {
				s.log.Debug("refetch batch chunk failed", slog.String("source", src), slog.Any("error", err))
				return
			}
			for i := range quotes {
				q := quotes[i]
				if err := s.qcache.Put(ctx, src, q.Pair, q, ttl, s.cfg.StaleTriggerBeforeExpiry); err == nil {
					s.markRefreshed(src, q.Pair)
					s.retry.RemoveFromRetryQueue(src, q.Pair)
				}
			}
		}()
	}
	wg.Wait()
}

func (s *Scheduler) refreshSinglePair(ctx context.Context, src string, pair quote.Pair, ttl time.Duration) {
	q, err := s.sources.FetchQuote(ctx, src, pair)
	if err != nil {
		s.log.Debug("refetch single pair failed", slog.String("source", src), slog.String("pair", pair.Key()), slog.Any("error", err))
		s.retry.TrackFailedPair(src, pair)
		return
	}
	if err := s.qcache.Put(ctx, src, pair, q, ttl, s.cfg.StaleTriggerBeforeExpiry); err == nil {
		s.markRefreshed(src, pair)
		s.retry.RemoveFromRetryQueue(src, pair)
	}
}

// markRefreshed records the refresh against the cache's own LastRefreshedAt
// (the field Component F's stale-timer fire consults for
// minTimeBetweenRefreshes) and against the pair registry.
func (s *Scheduler) markRefreshed(src string, pair quote.Pair) {
	s.qcache.UpdateRefreshTime(src, pair)
	s.registry.TrackSuccessfulFetch(src, pair)
}

func (s *Scheduler) clearInProgress(src string, p []quote.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pair := range p {
		delete(s.inProgress, src+":"+pair.Key())
	}
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// Package quotes implements Component H: the front door every client
// request and adapter stream update ultimately flows through. Grounded on
// the lineage's internal/proxy/gateway.go dispatchChat flow (cache lookup
// -> single-flight -> upstream -> cache write), restructured around
// (source, pair) instead of (model, provider), with the single-flight gap
// the lineage never filled now covered by internal/sources' coalescing.
package quotes

import (
	"context"
	"log/slog"
	"time"

	"github.com/marketfeed/quoteproxy/internal/batch"
	"github.com/marketfeed/quoteproxy/internal/cache"
	"github.com/marketfeed/quoteproxy/internal/metrics"
	"github.com/marketfeed/quoteproxy/internal/pairs"
	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/quoteerr"
	"github.com/marketfeed/quoteproxy/internal/source"
	"github.com/marketfeed/quoteproxy/internal/sources"
)

// Response is the shape returned to HTTP clients for a successful getQuote.
type Response struct {
	Source     string
	Pair       quote.Pair
	Price      string
	ReceivedAt time.Time
}

// Service is the quotes front door.
type Service struct {
	sources  *sources.Manager
	registry *pairs.Registry
	qcache   *cache.QuoteCache
	batch    *batch.Coordinator
	prom     *metrics.Registry
	log      *slog.Logger

	defaultTTL               time.Duration
	staleTriggerBeforeExpiry time.Duration
}

func New(sm *sources.Manager, registry *pairs.Registry, qcache *cache.QuoteCache, bc *batch.Coordinator, prom *metrics.Registry, log *slog.Logger, defaultTTL, staleTriggerBeforeExpiry time.Duration) *Service {
	return &Service{
		sources: sm, registry: registry, qcache: qcache, batch: bc, prom: prom, log: log,
		defaultTTL: defaultTTL, staleTriggerBeforeExpiry: staleTriggerBeforeExpiry,
	}
}

// GetQuote is the canonical single-flight-backed fetch path, per spec §4.H.
func (s *Service) GetQuote(ctx context.Context, src string, pair quote.Pair) (Response, error) {
	s.registry.TrackQuoteRequest(src, pair)

	if cached, ok := s.qcache.Get(ctx, src, pair); ok {
		s.registry.TrackResponse(src, pair)
		if s.prom != nil {
			s.prom.SetQuoteDataAge(src, pair.Key(), time.Since(cached.ReceivedAt))
		}
		return Response{Source: src, Pair: pair, Price: cached.Price, ReceivedAt: cached.ReceivedAt}, nil
	}

	q, err := s.fetchFresh(ctx, src, pair)
	if err != nil {
		return Response{}, err
	}
	return Response{Source: src, Pair: pair, Price: q.Price, ReceivedAt: q.ReceivedAt}, nil
}

// fetchFresh implements steps 4-5 of spec §4.H: batch-fetch when supported
// and useful, falling back to a single-flight single fetch.
func (s *Service) fetchFresh(ctx context.Context, src string, pair quote.Pair) (quote.Quote, error) {
	adapter, ok := s.sources.Get(src)
	if !ok {
		return quote.Quote{}, quoteerr.SourceUnsupported(src)
	}

	cfg := adapter.GetConfig()
	ttl := s.qcache.ResolveTTL(src, pair, s.resolveDefaultTTL(cfg))

	if source.IsBatchCapable(adapter) && cfg.MaxBatchSize > 1 {
		batchPairs := s.batch.BuildBatch(src, pair, cfg.MaxBatchSize)
		if len(batchPairs) > 1 {
			q, err := s.batch.FetchWithBatch(ctx, src, pair, batchPairs, ttl, s.staleTriggerBeforeExpiry)
			if err == nil {
				return q, nil
			}
			s.log.Debug("batch fetch failed, falling back to single fetch",
				slog.String("source", src), slog.String("pair", pair.Key()), slog.Any("error", err))
		}
	}

	q, err := s.sources.FetchQuote(ctx, src, pair)
	if err != nil {
		return s.handleFetchError(ctx, src, pair, err)
	}

	if putErr := s.qcache.Put(ctx, src, pair, q, ttl, s.staleTriggerBeforeExpiry); putErr != nil {
		s.log.Warn("cache put failed", slog.String("source", src), slog.String("pair", pair.Key()), slog.Any("error", putErr))
	}
	s.registry.TrackSuccessfulFetch(src, pair)
	s.registry.TrackResponse(src, pair)
	return q, nil
}

func (s *Service) handleFetchError(ctx context.Context, src string, pair quote.Pair, err error) (quote.Quote, error) {
	if qerr, ok := quoteerr.As(err); ok && qerr.Deregisters() {
		s.registry.RemovePairSource(src, pair)
		if delErr := s.qcache.Del(ctx, src, pair); delErr != nil {
			s.log.Warn("cache del failed", slog.String("source", src), slog.String("pair", pair.Key()), slog.Any("error", delErr))
		}
	}
	return quote.Quote{}, err
}

func (s *Service) resolveDefaultTTL(cfg quote.SourceAdapterConfig) time.Duration {
	if cfg.TTL > 0 {
		return cfg.TTL
	}
	return s.defaultTTL
}

// Package batch implements Component G: turning a single requested pair
// into a multi-pair upstream fetch when the source supports batching, and
// prefetching a source's full pair set in parallel chunks on warm-up. No
// direct teacher analog exists — the lineage never batches requests to a
// single provider — so the chunked-parallel-fan-out-with-isolated-failure
// shape is grounded on the general fan-out/per-candidate-isolation style of
// the lineage's retry logic, adapted here to "fan out to all chunks in
// parallel, isolate per-chunk failure" instead of "try candidates in turn."
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marketfeed/quoteproxy/internal/cache"
	"github.com/marketfeed/quoteproxy/internal/metrics"
	"github.com/marketfeed/quoteproxy/internal/pairs"
	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/quoteerr"
	"github.com/marketfeed/quoteproxy/internal/sources"
)

// Coordinator implements buildBatch/fetchWithBatch/prefetchBatch.
type Coordinator struct {
	sources  *sources.Manager
	registry *pairs.Registry
	qcache   *cache.QuoteCache
	prom     *metrics.Registry
	log      *slog.Logger
}

func New(sm *sources.Manager, registry *pairs.Registry, qcache *cache.QuoteCache, prom *metrics.Registry, log *slog.Logger) *Coordinator {
	return &Coordinator{sources: sm, registry: registry, qcache: qcache, prom: prom, log: log}
}

// BuildBatch starts from requestedPair, then appends other pairs registered
// for source (oldest lastFetchAt first) until maxBatchSize is reached. The
// requested pair is always first and never duplicated.
func (c *Coordinator) BuildBatch(source string, requestedPair quote.Pair, maxBatchSize int) []quote.Pair {
	batchPairs := []quote.Pair{requestedPair}
	if maxBatchSize <= 1 {
		return batchPairs
	}

	for _, reg := range c.registry.GetPairsBySourceWithTimestamps(source) {
		if len(batchPairs) >= maxBatchSize {
			break
		}
		if reg.Pair.Equal(requestedPair) {
			continue
		}
		batchPairs = append(batchPairs, reg.Pair)
	}
	return batchPairs
}

// FetchWithBatch issues one upstream batch call covering batchPairs and
// caches every returned quote, tracking successful-fetch/response on the
// pair registry for each. Fails with PriceNotFound if requestedPair isn't
// among the results. A whole-call failure is returned unchanged so the
// caller (Component H) can fall back to a single fetch.
func (c *Coordinator) FetchWithBatch(ctx context.Context, source string, requestedPair quote.Pair, batchPairs []quote.Pair, ttl, staleTriggerBeforeExpiry time.Duration) (quote.Quote, error) {
	quotes, err := c.sources.FetchQuotes(ctx, source, batchPairs)
	if err != nil {
		return quote.Quote{}, err
	}

	var matched *quote.Quote
	for i := range quotes {
		q := quotes[i]
		if err := c.qcache.Put(ctx, source, q.Pair, q, ttl, staleTriggerBeforeExpiry); err != nil {
			c.log.Warn("batch cache put failed", slog.String("source", source), slog.String("pair", q.Pair.Key()), slog.Any("error", err))
		}
		c.registry.TrackSuccessfulFetch(source, q.Pair)
		c.registry.TrackResponse(source, q.Pair)
		if c.prom != nil {
			c.prom.SetSourceLastUpdateAge(source, q.Pair.Key(), 0)
		}
		if q.Pair.Equal(requestedPair) {
			qCopy := q
			matched = &qCopy
		}
	}

	if matched == nil {
		return quote.Quote{}, quoteerr.PriceNotFound(source, requestedPair)
	}
	return *matched, nil
}

// PrefetchBatch splits pairs into chunks of maxBatchSize and issues them in
// parallel; a chunk failure is logged and isolated from the others. Returns
// the count of quotes successfully cached.
func (c *Coordinator) PrefetchBatch(ctx context.Context, source string, batchPairs []quote.Pair, maxBatchSize int, ttl, staleTriggerBeforeExpiry time.Duration) int {
	if maxBatchSize <= 0 {
		maxBatchSize = len(batchPairs)
	}
	if maxBatchSize == 0 {
		return 0
	}

	var chunks [][]quote.Pair
	for i := 0; i < len(batchPairs); i += maxBatchSize {
		end := i + maxBatchSize
		if end > len(batchPairs) {
			end = len(batchPairs)
		}
		chunks = append(chunks, batchPairs[i:end])
	}

	var (
		mu      sync.Mutex
		cached  int
		wg      sync.WaitGroup
	)
	for _, chunk := range chunks {
		chunk := chunk
		wg.Add(1)
		go func() {
			defer wg.Done()
			quotes, err := c.sources.FetchQuotes(ctx, source, chunk)
			if err != nil {
				c.log.Warn("prefetch chunk failed", slog.String("source", source), slog.Int("chunk_size", len(chunk)), slog.Any("error", err))
				return
			}
			n := 0
			for i := range quotes {
				q := quotes[i]
				if err := c.qcache.Put(ctx, source, q.Pair, q, ttl, staleTriggerBeforeExpiry); err != nil {
					continue
				}
				c.registry.TrackSuccessfulFetch(source, q.Pair)
				c.registry.TrackResponse(source, q.Pair)
				n++
			}
			mu.Lock()
			cached += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	return cached
}

package cache

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/marketfeed/quoteproxy/internal/metrics"
	"github.com/marketfeed/quoteproxy/internal/quote"
)

// QuoteCache layers Component F's quote semantics — metadata, TTL
// overrides, and a stale-trigger timer per entry — over a raw Cache
// backend (MemoryCache or ExactCache). Runs without Go's lack of a
// built-in delay-queue primitive by using a min-heap of (fireAt, key)
// polled by a dedicated goroutine, per spec §9.
type QuoteCache struct {
	backend Cache
	prom    *metrics.Registry

	mu   sync.Mutex
	meta map[string]*quote.CacheMetadata
	gen  map[string]uint64

	timers staleHeap
	wake   chan struct{}

	stale chan quote.StaleBatch
	batch []quote.StaleItem

	pairsTTL                []PairTTLOverride
	minTimeBetweenRefreshes time.Duration

	done chan struct{}
}

// PairTTLOverride is one entry of the pairsTtl configuration list. Matching
// is first-match-in-config-order, per the resolved open question on
// wildcard precedence (an empty Quote/Base field matches any symbol in that
// position; "*" is compared literally like any other symbol).
type PairTTLOverride struct {
	Source string // "" matches any source
	Pair   quote.Pair
	TTL    time.Duration
}

// NewQuoteCache wires backend as the raw KV store and starts the stale-timer
// and batch-flush goroutines. staleDebounce controls how long StaleBatch
// emission waits to coalesce nearby stale triggers. minTimeBetweenRefreshes
// is the §4.F debounce applied at stale-timer-fire time: a timer firing
// sooner than this after the entry's last refresh is dropped silently
// instead of staging a StaleItem.
func NewQuoteCache(ctx context.Context, backend Cache, prom *metrics.Registry, pairsTTL []PairTTLOverride, staleDebounce, minTimeBetweenRefreshes time.Duration) *QuoteCache {
	qc := &QuoteCache{
		backend:                 backend,
		prom:                    prom,
		meta:                    make(map[string]*quote.CacheMetadata),
		gen:                     make(map[string]uint64),
		wake:                    make(chan struct{}, 1),
		stale:                   make(chan quote.StaleBatch, 256),
		pairsTTL:                pairsTTL,
		minTimeBetweenRefreshes: minTimeBetweenRefreshes,
		done:                    make(chan struct{}),
	}
	heap.Init(&qc.timers)

	go qc.timerLoop(ctx)
	go qc.batchFlushLoop(ctx, staleDebounce)
	return qc
}

// Stale returns the channel StaleBatch events are delivered on, consumed by
// the refetch scheduler (Component I).
func (qc *QuoteCache) Stale() <-chan quote.StaleBatch { return qc.stale }

// Close stops the background goroutines.
func (qc *QuoteCache) Close() { close(qc.done) }

// ResolveTTL returns the TTL for (source, pair): the first matching
// pairsTtl override in configuration order, falling back to defaultTTL.
func (qc *QuoteCache) ResolveTTL(source string, pair quote.Pair, defaultTTL time.Duration) time.Duration {
	for _, o := range qc.pairsTTL {
		if o.Source != "" && o.Source != source {
			continue
		}
		if o.Pair.Base != "" && o.Pair.Base != pair.Base {
			continue
		}
		if o.Pair.Quote != "" && o.Pair.Quote != pair.Quote {
			continue
		}
		return o.TTL
	}
	return defaultTTL
}

// Put stores q under (source, pair) with the given TTL and stale-trigger
// lead time, scheduling its stale timer.
func (qc *QuoteCache) Put(ctx context.Context, source string, pair quote.Pair, q quote.Quote, ttl, staleTriggerBeforeExpiry time.Duration) error {
	key := quote.CacheKey(source, pair)

	cached := quote.CachedQuote{Quote: q, Source: source, CachedAt: time.Now()}
	data, err := json.Marshal(cached)
	if err != nil {
		return err
	}
	if err := qc.backend.Set(ctx, key, data, ttl); err != nil {
		return err
	}

	now := time.Now()
	md := &quote.CacheMetadata{
		Source: source, Pair: pair, CachedAt: now, ExpiresAt: now.Add(ttl),
		TTL: ttl, StaleTriggerBeforeExpiry: staleTriggerBeforeExpiry, LastRefreshedAt: now,
	}

	qc.mu.Lock()
	qc.meta[key] = md
	// Bumping the generation invalidates any timer already sitting in the
	// heap for this key — fireDueTimers discards a popped timer whose gen
	// no longer matches, so a re-Put before the old timer fires cancels it
	// instead of producing a second StaleItem. Per spec §4.F, a
	// staleTriggerBeforeExpiry >= ttl means no timer is scheduled at all.
	qc.gen[key]++
	leadTime := ttl - staleTriggerBeforeExpiry
	if leadTime > 0 {
		fireAt := now.Add(leadTime)
		heap.Push(&qc.timers, &staleTimer{key: key, source: source, pair: pair, fireAt: fireAt, gen: qc.gen[key]})
	}
	qc.mu.Unlock()

	qc.wakeTimerLoop()

	if qc.prom != nil {
		qc.prom.SetCacheSize(source, qc.sizeForSource(source))
	}
	return nil
}

// Get returns the cached quote for (source, pair), reporting a cache
// hit/miss to Component M.
func (qc *QuoteCache) Get(ctx context.Context, source string, pair quote.Pair) (quote.CachedQuote, bool) {
	key := quote.CacheKey(source, pair)
	data, ok := qc.backend.Get(ctx, key)
	if !ok {
		if qc.prom != nil {
			qc.prom.CacheMiss(source)
			qc.prom.CacheMissByPair(source, pair.Key())
		}
		return quote.CachedQuote{}, false
	}

	var cq quote.CachedQuote
	if err := json.Unmarshal(data, &cq); err != nil {
		return quote.CachedQuote{}, false
	}
	if qc.prom != nil {
		qc.prom.CacheHit(source)
	}
	return cq, true
}

// Del removes the cache entry and metadata for (source, pair) and cancels
// its stale timer. Safe to call on a key with no entry.
func (qc *QuoteCache) Del(ctx context.Context, source string, pair quote.Pair) error {
	key := quote.CacheKey(source, pair)

	if err := qc.backend.Delete(ctx, key); err != nil {
		return err
	}

	qc.mu.Lock()
	delete(qc.meta, key)
	qc.gen[key]++ // invalidates any timer still queued in the heap for this key
	qc.mu.Unlock()

	if qc.prom != nil {
		qc.prom.SetCacheSize(source, qc.sizeForSource(source))
	}
	return nil
}

// Clear removes every cache entry and metadata record, cancelling all
// pending stale timers.
func (qc *QuoteCache) Clear(ctx context.Context) error {
	qc.mu.Lock()
	keys := make([]string, 0, len(qc.meta))
	sources := make(map[string]struct{})
	for key, md := range qc.meta {
		keys = append(keys, key)
		sources[md.Source] = struct{}{}
	}
	qc.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		if err := qc.backend.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	qc.mu.Lock()
	for _, key := range keys {
		delete(qc.meta, key)
		qc.gen[key]++
	}
	qc.mu.Unlock()

	if qc.prom != nil {
		for src := range sources {
			qc.prom.SetCacheSize(src, 0)
		}
	}
	return firstErr
}

// GetMetadata returns a snapshot of every cache entry's metadata, keyed by
// the same "quote:{source}:{base}/{quote}" form as the backing store.
func (qc *QuoteCache) GetMetadata() map[string]quote.CacheMetadata {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	out := make(map[string]quote.CacheMetadata, len(qc.meta))
	for key, md := range qc.meta {
		out[key] = *md
	}
	return out
}

// UpdateRefreshTime records a successful refresh without changing the
// stored value's TTL clock (used after a refetch confirms the cached price
// is still current).
func (qc *QuoteCache) UpdateRefreshTime(source string, pair quote.Pair) {
	key := quote.CacheKey(source, pair)
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if md, ok := qc.meta[key]; ok {
		md.LastRefreshedAt = time.Now()
	}
}

// Metadata returns a snapshot of the cache metadata for (source, pair).
func (qc *QuoteCache) Metadata(source string, pair quote.Pair) (quote.CacheMetadata, bool) {
	key := quote.CacheKey(source, pair)
	qc.mu.Lock()
	defer qc.mu.Unlock()
	md, ok := qc.meta[key]
	if !ok {
		return quote.CacheMetadata{}, false
	}
	return *md, true
}

func (qc *QuoteCache) sizeForSource(source string) int {
	n := 0
	for key := range qc.meta {
		if md := qc.meta[key]; md.Source == source {
			n++
		}
	}
	return n
}

// timerLoop is the dedicated goroutine polling the min-heap for due stale
// timers, per spec §9's explicit min-heap instruction.
func (qc *QuoteCache) timerLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		qc.mu.Lock()
		var wait time.Duration
		if qc.timers.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(qc.timers[0].fireAt)
			if wait < 0 {
				wait = 0
			}
		}
		qc.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-qc.done:
			return
		case <-qc.wake:
			continue
		case <-timer.C:
			qc.fireDueTimers()
		}
	}
}

func (qc *QuoteCache) fireDueTimers() {
	now := time.Now()

	var due []*staleTimer
	qc.mu.Lock()
	for qc.timers.Len() > 0 && !qc.timers[0].fireAt.After(now) {
		due = append(due, heap.Pop(&qc.timers).(*staleTimer))
	}
	qc.mu.Unlock()

	for _, t := range due {
		qc.mu.Lock()
		md, stillCached := qc.meta[t.key]
		if stillCached && qc.gen[t.key] != t.gen {
			// A later Put replaced this entry (and its own timer) after
			// this one was already queued in the heap — superseded, drop.
			stillCached = false
		}
		var drop bool
		if stillCached && qc.minTimeBetweenRefreshes > 0 && now.Sub(md.LastRefreshedAt) < qc.minTimeBetweenRefreshes {
			drop = true
		}
		qc.mu.Unlock()
		if !stillCached || drop {
			continue
		}
		qc.stageStale(quote.StaleItem{Source: t.source, Pair: t.pair, ExpiresAt: md.ExpiresAt})
	}
}

func (qc *QuoteCache) wakeTimerLoop() {
	select {
	case qc.wake <- struct{}{}:
	default:
	}
}

func (qc *QuoteCache) stageStale(item quote.StaleItem) {
	qc.mu.Lock()
	qc.batch = append(qc.batch, item)
	qc.mu.Unlock()
}

// batchFlushLoop emits accumulated stale items as a single StaleBatch every
// debounce interval, so a burst of near-simultaneous expirations produces
// one refetch-scheduler wakeup instead of many.
func (qc *QuoteCache) batchFlushLoop(ctx context.Context, debounce time.Duration) {
	if debounce <= 0 {
		debounce = time.Second
	}
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-qc.done:
			return
		case <-ticker.C:
			qc.flushBatch()
		}
	}
}

func (qc *QuoteCache) flushBatch() {
	qc.mu.Lock()
	if len(qc.batch) == 0 {
		qc.mu.Unlock()
		return
	}
	items := qc.batch
	qc.batch = nil
	qc.mu.Unlock()

	select {
	case qc.stale <- quote.StaleBatch{Items: items, BatchTimestamp: time.Now()}:
	default:
		// Channel full: the refetch scheduler is falling behind. Re-queue
		// so the batch isn't silently dropped.
		qc.mu.Lock()
		qc.batch = append(items, qc.batch...)
		qc.mu.Unlock()
	}
}

type staleTimer struct {
	key    string
	source string
	pair   quote.Pair
	fireAt time.Time
	gen    uint64
}

// staleHeap is a container/heap min-heap ordered by fireAt.
type staleHeap []*staleTimer

func (h staleHeap) Len() int            { return len(h) }
func (h staleHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h staleHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *staleHeap) Push(x interface{}) { *h = append(*h, x.(*staleTimer)) }
func (h *staleHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

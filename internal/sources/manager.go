// Package sources implements Component D: the registry of configured source
// adapters, wrapping every call in single-flight coalescing and recording
// the Component M metrics every other component relies on for observability.
// The table-driven construction in New mirrors the lineage's buildProviders
// (an ocEntry-style table keyed by provider name), here keyed by source name
// instead of LLM provider.
package sources

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/marketfeed/quoteproxy/internal/metrics"
	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/quoteerr"
	"github.com/marketfeed/quoteproxy/internal/source"
)

// srcEntry binds a configured name to its adapter instance.
type srcEntry struct {
	name    string
	adapter source.Adapter
}

// Manager owns every configured adapter and coalesces concurrent fetches
// for the same (source, pair) into a single upstream call.
type Manager struct {
	entries map[string]srcEntry
	group   singleflight.Group
	prom    *metrics.Registry
}

// New builds a Manager from a table of adapters, in the order they were
// constructed by internal/app from configuration.
func New(adapters []source.Adapter, prom *metrics.Registry) *Manager {
	entries := make(map[string]srcEntry, len(adapters))
	for _, a := range adapters {
		entries[a.Name()] = srcEntry{name: a.Name(), adapter: a}
	}
	return &Manager{entries: entries, prom: prom}
}

// Get returns the adapter registered under name.
func (m *Manager) Get(name string) (source.Adapter, bool) {
	e, ok := m.entries[name]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Names returns every configured source name.
func (m *Manager) Names() []string {
	out := make([]string, 0, len(m.entries))
	for name := range m.entries {
		out = append(out, name)
	}
	return out
}

// FetchQuote coalesces concurrent requests for the same (source, pair) into
// a single upstream call via singleflight, keyed by source+pair, and records
// per-source fetch latency plus quotes-processed/errors-by-kind metrics.
func (m *Manager) FetchQuote(ctx context.Context, src string, pair quote.Pair) (quote.Quote, error) {
	adapter, ok := m.Get(src)
	if !ok {
		return quote.Quote{}, quoteerr.SourceUnsupported(src)
	}
	if !adapter.GetConfig().Enabled {
		return quote.Quote{}, quoteerr.SourceDisabled(src)
	}

	key := src + ":" + pair.Key()
	start := time.Now()

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		return adapter.FetchQuote(ctx, pair)
	})

	m.observe(src, pair, start, err)

	if err != nil {
		return quote.Quote{}, err
	}
	q, ok := v.(quote.Quote)
	if !ok {
		return quote.Quote{}, fmt.Errorf("sources: unexpected singleflight result type %T", v)
	}
	return q, nil
}

// FetchQuotes calls the adapter's batch fetch path when it implements
// source.BatchFetcher, coalescing concurrent identical batch requests via
// singleflight keyed by source+sorted pair set.
func (m *Manager) FetchQuotes(ctx context.Context, src string, pairs []quote.Pair) ([]quote.Quote, error) {
	adapter, ok := m.Get(src)
	if !ok {
		return nil, quoteerr.SourceUnsupported(src)
	}
	batcher, ok := adapter.(source.BatchFetcher)
	if !ok {
		return nil, fmt.Errorf("sources: %s does not support batch fetch", src)
	}

	cfg := adapter.GetConfig()
	if cfg.MaxBatchSize > 0 && len(pairs) > cfg.MaxBatchSize {
		return nil, quoteerr.BatchSizeExceeded(len(pairs), cfg.MaxBatchSize, src)
	}

	start := time.Now()
	key := batchKey(src, pairs)

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		return batcher.FetchQuotes(ctx, pairs)
	})

	if m.prom != nil {
		m.prom.ObserveSourceFetch(src, time.Since(start))
		m.prom.ObserveBatchSize(src, len(pairs))
	}
	if err != nil {
		m.recordError(src, quote.Pair{}, err)
		if m.prom != nil {
			m.prom.QuotesProcessed(src, "error", 1)
		}
		return nil, err
	}
	qs, ok := v.([]quote.Quote)
	if !ok {
		return nil, fmt.Errorf("sources: unexpected singleflight result type %T", v)
	}
	if m.prom != nil {
		m.prom.QuotesProcessed(src, "ok", len(qs))
	}
	return qs, nil
}

// GetPairs calls the adapter's pair-listing path when supported.
func (m *Manager) GetPairs(ctx context.Context, src string) ([]quote.Pair, error) {
	adapter, ok := m.Get(src)
	if !ok {
		return nil, quoteerr.SourceUnsupported(src)
	}
	lister, ok := adapter.(source.PairLister)
	if !ok {
		return nil, fmt.Errorf("sources: %s does not support pair listing", src)
	}

	v, err, _ := m.group.Do("pairs:"+src, func() (interface{}, error) {
		return lister.GetPairs(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]quote.Pair), nil
}

func (m *Manager) observe(src string, pair quote.Pair, start time.Time, err error) {
	if m.prom == nil {
		return
	}
	m.prom.ObserveSourceFetch(src, time.Since(start))
	if err != nil {
		m.recordError(src, pair, err)
		m.prom.QuotesProcessed(src, "error", 1)
		return
	}
	m.prom.QuotesProcessed(src, "ok", 1)
}

func (m *Manager) recordError(src string, pair quote.Pair, err error) {
	qerr, ok := quoteerr.As(err)
	if !ok {
		m.prom.AppError("unknown", src)
		return
	}
	switch qerr.Kind {
	case quoteerr.KindRateLimited:
		m.prom.RateLimitHit(src)
	case quoteerr.KindPriceNotFound:
		m.prom.PriceNotFound(src, pair.String())
	case quoteerr.KindSourceAPI:
		m.prom.SourceAPIError(src, qerr.StatusCode, string(qerr.Kind))
	}
	m.prom.QuoteRequestError(src, pair.String())
}

func batchKey(src string, pairs []quote.Pair) string {
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key()
	}
	// Insertion sort: batches are small (bounded by MaxBatchSize), and this
	// avoids pulling in sort for a handful of strings.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	key := src
	for _, k := range keys {
		key += "|" + k
	}
	return key
}

package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marketfeed/quoteproxy/internal/cache"
	"github.com/marketfeed/quoteproxy/internal/metrics"
	"github.com/marketfeed/quoteproxy/internal/pairs"
	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/source"
	"github.com/marketfeed/quoteproxy/internal/sources"
)

// Coordinator drives every streaming-capable source through connect,
// subscribe, and pair-registry event reaction.
type Coordinator struct {
	sources  *sources.Manager
	registry *pairs.Registry
	qcache   *cache.QuoteCache
	prom     *metrics.Registry
	log      *slog.Logger

	mu        sync.Mutex
	connected map[string]bool
}

func New(sm *sources.Manager, registry *pairs.Registry, qcache *cache.QuoteCache, prom *metrics.Registry, log *slog.Logger) *Coordinator {
	return &Coordinator{sources: sm, registry: registry, qcache: qcache, prom: prom, log: log, connected: make(map[string]bool)}
}

// Run connects every streaming-capable source with at least one registered
// pair, subscribes to those pairs, then reacts to pair-registry events
// until ctx is cancelled. On return, every connection is torn down.
func (c *Coordinator) Run(ctx context.Context) {
	for _, name := range c.streamingSources() {
		pairsFor := c.registry.GetPairsBySource(name)
		if len(pairsFor) == 0 {
			continue
		}
		c.ensureConnected(ctx, name)
		for _, p := range pairsFor {
			c.subscribePair(ctx, name, p)
		}
	}

	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.registry.Events():
			if !ok {
				return
			}
			if !c.isStreamingSource(ev.Source) {
				continue
			}
			if ev.Added {
				c.ensureConnected(ctx, ev.Source)
				c.subscribePair(ctx, ev.Source, ev.Pair)
			} else {
				c.unsubscribePair(ev.Source, ev.Pair)
			}
		}
	}
}

func (c *Coordinator) streamingSources() []string {
	var out []string
	for _, name := range c.sources.Names() {
		if c.isStreamingSource(name) {
			out = append(out, name)
		}
	}
	return out
}

func (c *Coordinator) isStreamingSource(name string) bool {
	adapter, ok := c.sources.Get(name)
	if !ok || !adapter.GetConfig().Enabled {
		return false
	}
	return source.IsStreamCapable(adapter)
}

func (c *Coordinator) ensureConnected(ctx context.Context, name string) {
	c.mu.Lock()
	if c.connected[name] {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	adapter, ok := c.sources.Get(name)
	if !ok {
		return
	}
	provider, ok := adapter.(source.StreamServiceProvider)
	if !ok {
		return
	}
	if err := provider.GetStreamService().Connect(ctx); err != nil {
		c.log.Warn("stream connect failed", slog.String("source", name), slog.Any("error", err))
		if c.prom != nil {
			c.prom.WebSocketError(name, "connect")
		}
		return
	}

	c.mu.Lock()
	c.connected[name] = true
	c.mu.Unlock()
	if c.prom != nil {
		c.prom.SetWebSocketConnections(name, 1)
	}
}

// subscribePair implements spec §4.J's subscribePair.
func (c *Coordinator) subscribePair(ctx context.Context, name string, pair quote.Pair) {
	adapter, ok := c.sources.Get(name)
	if !ok {
		return
	}
	provider, ok := adapter.(source.StreamServiceProvider)
	if !ok {
		return
	}
	svc := provider.GetStreamService()

	onQuote := func(q quote.Quote) {
		cfg := adapter.GetConfig()
		ttl := cfg.TTL
		staleTrigger := time.Duration(0)
		if cfg.Stream != nil {
			staleTrigger = cfg.Stream.ReconnectInterval / 2
		}
		if err := c.qcache.Put(ctx, name, pair, q, ttl, staleTrigger); err != nil {
			c.log.Warn("stream cache put failed", slog.String("source", name), slog.String("pair", pair.Key()), slog.Any("error", err))
		}
		c.registry.TrackSuccessfulFetch(name, pair)
		if c.prom != nil {
			c.prom.QuotesProcessed(name, "success", 1)
		}
	}
	onError := func(err error) {
		if c.prom != nil {
			c.prom.WebSocketError(name, "stream")
		}
		c.log.Debug("stream error", slog.String("source", name), slog.String("pair", pair.Key()), slog.Any("error", err))
	}

	if err := svc.Subscribe(ctx, pair, onQuote, onError); err != nil {
		c.log.Warn("stream subscribe failed", slog.String("source", name), slog.String("pair", pair.Key()), slog.Any("error", err))
	}
}

func (c *Coordinator) unsubscribePair(name string, pair quote.Pair) {
	adapter, ok := c.sources.Get(name)
	if !ok {
		return
	}
	provider, ok := adapter.(source.StreamServiceProvider)
	if !ok {
		return
	}
	if err := provider.GetStreamService().Unsubscribe(pair); err != nil {
		c.log.Debug("stream unsubscribe failed", slog.String("source", name), slog.String("pair", pair.Key()), slog.Any("error", err))
	}
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	names := make([]string, 0, len(c.connected))
	for name := range c.connected {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		adapter, ok := c.sources.Get(name)
		if !ok {
			continue
		}
		provider, ok := adapter.(source.StreamServiceProvider)
		if !ok {
			continue
		}
		if err := provider.GetStreamService().Disconnect(); err != nil {
			c.log.Debug("stream disconnect failed", slog.String("source", name), slog.Any("error", err))
		}
	}
}

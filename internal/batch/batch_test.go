package batch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/marketfeed/quoteproxy/internal/cache"
	"github.com/marketfeed/quoteproxy/internal/metrics"
	"github.com/marketfeed/quoteproxy/internal/pairs"
	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/source"
	"github.com/marketfeed/quoteproxy/internal/sources"
)

type batchAdapter struct {
	name string
	cfg  quote.SourceAdapterConfig
}

func (a *batchAdapter) Name() string                        { return a.name }
func (a *batchAdapter) GetConfig() quote.SourceAdapterConfig { return a.cfg }
func (a *batchAdapter) FetchQuote(ctx context.Context, pair quote.Pair) (quote.Quote, error) {
	return quote.Quote{Pair: pair, Price: "1", ReceivedAt: time.Now()}, nil
}
func (a *batchAdapter) FetchQuotes(ctx context.Context, pairsIn []quote.Pair) ([]quote.Quote, error) {
	out := make([]quote.Quote, 0, len(pairsIn))
	for _, p := range pairsIn {
		if p.Base == "SKIP" {
			continue
		}
		out = append(out, quote.Quote{Pair: p, Price: "42", ReceivedAt: time.Now()})
	}
	return out, nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *pairs.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	prom := metrics.New()
	reg := pairs.New(prom)
	backend := cache.NewMemoryCache(ctx)
	t.Cleanup(backend.Close)
	qc := cache.NewQuoteCache(ctx, backend, prom, nil, 50*time.Millisecond, 0)
	t.Cleanup(qc.Close)

	a := &batchAdapter{name: "binance", cfg: quote.SourceAdapterConfig{Enabled: true, MaxBatchSize: 5}}
	sm := sources.New([]source.Adapter{a}, prom)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(sm, reg, qc, prom, log), reg
}

func TestCoordinator_BuildBatchPutsRequestedPairFirst(t *testing.T) {
	c, reg := newTestCoordinator(t)

	reg.TrackQuoteRequest("binance", quote.Pair{Base: "ETH", Quote: "USDT"})
	reg.TrackQuoteRequest("binance", quote.Pair{Base: "SOL", Quote: "USDT"})

	requested := quote.Pair{Base: "BTC", Quote: "USDT"}
	got := c.BuildBatch("binance", requested, 3)

	if len(got) == 0 || !got[0].Equal(requested) {
		t.Fatalf("expected requested pair first, got %+v", got)
	}
	if len(got) > 3 {
		t.Fatalf("expected at most maxBatchSize pairs, got %d", len(got))
	}
}

func TestCoordinator_FetchWithBatchCachesAndReturnsRequested(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	requested := quote.Pair{Base: "BTC", Quote: "USDT"}
	batchPairs := []quote.Pair{requested, {Base: "ETH", Quote: "USDT"}}

	q, err := c.FetchWithBatch(ctx, "binance", requested, batchPairs, time.Minute, 10*time.Second)
	if err != nil {
		t.Fatalf("FetchWithBatch: %v", err)
	}
	if !q.Pair.Equal(requested) {
		t.Errorf("expected matched quote for requested pair, got %+v", q)
	}
}

func TestCoordinator_FetchWithBatchMissingRequestedPairFails(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	requested := quote.Pair{Base: "SKIP", Quote: "USDT"}
	_, err := c.FetchWithBatch(ctx, "binance", requested, []quote.Pair{requested}, time.Minute, 10*time.Second)
	if err == nil {
		t.Fatal("expected PriceNotFound when requested pair absent from batch results")
	}
}

func TestCoordinator_PrefetchBatchCachesEveryChunk(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	batchPairs := []quote.Pair{
		{Base: "BTC", Quote: "USDT"},
		{Base: "ETH", Quote: "USDT"},
		{Base: "SOL", Quote: "USDT"},
	}
	n := c.PrefetchBatch(ctx, "binance", batchPairs, 2, time.Minute, 10*time.Second)
	if n != len(batchPairs) {
		t.Errorf("expected %d cached, got %d", len(batchPairs), n)
	}
}

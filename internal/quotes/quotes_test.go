package quotes

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
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

type singleAdapter struct {
	name  string
	cfg   quote.SourceAdapterConfig
	calls int32
	err   error
}

func (a *singleAdapter) Name() string                        { return a.name }
func (a *singleAdapter) GetConfig() quote.SourceAdapterConfig { return a.cfg }
func (a *singleAdapter) FetchQuote(ctx context.Context, pair quote.Pair) (quote.Quote, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.err != nil {
		return quote.Quote{}, a.err
	}
	return quote.Quote{Pair: pair, Price: "123.45", ReceivedAt: time.Now()}, nil
}

func newService(t *testing.T, adapter source.Adapter) (*Service, *pairs.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	prom := metrics.New()
	reg := pairs.New(prom)
	backend := cache.NewMemoryCache(ctx)
	t.Cleanup(backend.Close)
	qc := cache.NewQuoteCache(ctx, backend, prom, nil, 50*time.Millisecond, 0)
	t.Cleanup(qc.Close)

	sm := sources.New([]source.Adapter{adapter}, prom)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bc := batch.New(sm, reg, qc, prom, log)

	return New(sm, reg, qc, bc, prom, log, time.Minute, 10*time.Second), reg
}

func TestService_GetQuoteCachesAfterFirstFetch(t *testing.T) {
	a := &singleAdapter{name: "binance", cfg: quote.SourceAdapterConfig{Enabled: true}}
	svc, _ := newService(t, a)

	pair := quote.Pair{Base: "BTC", Quote: "USDT"}
	ctx := context.Background()

	r1, err := svc.GetQuote(ctx, "binance", pair)
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if r1.Price != "123.45" {
		t.Errorf("unexpected price: %s", r1.Price)
	}

	r2, err := svc.GetQuote(ctx, "binance", pair)
	if err != nil {
		t.Fatalf("GetQuote (cached): %v", err)
	}
	if r2.Price != r1.Price {
		t.Errorf("expected cached price to match, got %s vs %s", r2.Price, r1.Price)
	}
	if got := atomic.LoadInt32(&a.calls); got != 1 {
		t.Errorf("expected exactly 1 upstream call (second served from cache), got %d", got)
	}
}

func TestService_GetQuoteDeregistersOnPriceNotFound(t *testing.T) {
	a := &singleAdapter{name: "binance", cfg: quote.SourceAdapterConfig{Enabled: true}, err: quoteerr.PriceNotFound("binance", quote.Pair{Base: "ZZZ", Quote: "USD"})}
	svc, reg := newService(t, a)

	pair := quote.Pair{Base: "ZZZ", Quote: "USD"}
	ctx := context.Background()

	_, err := svc.GetQuote(ctx, "binance", pair)
	if err == nil {
		t.Fatal("expected PriceNotFound error")
	}

	sources := reg.GetSourcesByPair(pair)
	if len(sources) != 0 {
		t.Errorf("expected pair deregistered after PriceNotFound, still registered for: %v", sources)
	}
}

func TestService_GetQuoteUnsupportedSource(t *testing.T) {
	svc, _ := newService(t, &singleAdapter{name: "binance", cfg: quote.SourceAdapterConfig{Enabled: true}})
	_, err := svc.GetQuote(context.Background(), "nope", quote.Pair{Base: "BTC", Quote: "USD"})
	if _, ok := quoteerr.As(err); !ok {
		t.Fatalf("expected quoteerr.Error, got %v", err)
	}
}

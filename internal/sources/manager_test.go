package sources

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marketfeed/quoteproxy/internal/metrics"
	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/quoteerr"
	"github.com/marketfeed/quoteproxy/internal/source"
)

type fakeAdapter struct {
	name    string
	cfg     quote.SourceAdapterConfig
	calls   int32
	delay   time.Duration
	fetchFn func(pair quote.Pair) (quote.Quote, error)
}

func (f *fakeAdapter) Name() string                            { return f.name }
func (f *fakeAdapter) GetConfig() quote.SourceAdapterConfig     { return f.cfg }
func (f *fakeAdapter) FetchQuote(ctx context.Context, pair quote.Pair) (quote.Quote, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fetchFn != nil {
		return f.fetchFn(pair)
	}
	return quote.Quote{Pair: pair, Price: "100.5", ReceivedAt: time.Now()}, nil
}

func TestManager_FetchQuoteCoalescesConcurrentCalls(t *testing.T) {
	a := &fakeAdapter{name: "binance", cfg: quote.SourceAdapterConfig{Enabled: true}, delay: 30 * time.Millisecond}
	m := New([]source.Adapter{a}, metrics.New())

	var wg sync.WaitGroup
	pair := quote.Pair{Base: "BTC", Quote: "USDT"}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.FetchQuote(context.Background(), "binance", pair); err != nil {
				t.Errorf("FetchQuote: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&a.calls); got != 1 {
		t.Errorf("expected exactly 1 upstream call from single-flight coalescing, got %d", got)
	}
}

func TestManager_FetchQuoteUnsupportedSource(t *testing.T) {
	m := New(nil, metrics.New())
	_, err := m.FetchQuote(context.Background(), "nope", quote.Pair{Base: "BTC", Quote: "USD"})
	qerr, ok := quoteerr.As(err)
	if !ok || qerr.Kind != quoteerr.KindSourceUnsupported {
		t.Fatalf("expected SourceUnsupported, got %v", err)
	}
}

func TestManager_FetchQuoteDisabledSource(t *testing.T) {
	a := &fakeAdapter{name: "okx", cfg: quote.SourceAdapterConfig{Enabled: false}}
	m := New([]source.Adapter{a}, metrics.New())

	_, err := m.FetchQuote(context.Background(), "okx", quote.Pair{Base: "BTC", Quote: "USD"})
	qerr, ok := quoteerr.As(err)
	if !ok || qerr.Kind != quoteerr.KindSourceDisabled {
		t.Fatalf("expected SourceDisabled, got %v", err)
	}
}

type batchAdapter struct {
	fakeAdapter
	quotes []quote.Quote
	err    error
}

func (b *batchAdapter) FetchQuotes(ctx context.Context, pairs []quote.Pair) ([]quote.Quote, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.quotes, nil
}

func scrapeMetrics(t *testing.T, prom *metrics.Registry) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, req)
	return rec.Body.String()
}

func TestManager_FetchQuotesRecordsProcessedOnSuccess(t *testing.T) {
	pairs := []quote.Pair{{Base: "BTC", Quote: "USDT"}, {Base: "ETH", Quote: "USDT"}}
	a := &batchAdapter{
		fakeAdapter: fakeAdapter{name: "binance", cfg: quote.SourceAdapterConfig{Enabled: true}},
		quotes: []quote.Quote{
			{Pair: pairs[0], Price: "1", ReceivedAt: time.Now()},
			{Pair: pairs[1], Price: "2", ReceivedAt: time.Now()},
		},
	}
	prom := metrics.New()
	m := New([]source.Adapter{a}, prom)

	if _, err := m.FetchQuotes(context.Background(), "binance", pairs); err != nil {
		t.Fatalf("FetchQuotes: %v", err)
	}

	body := scrapeMetrics(t, prom)
	if !strings.Contains(body, `quotes_processed_total{source="binance",status="ok"} 2`) {
		t.Errorf("expected quotes_processed_total ok=2 for binance, got:\n%s", body)
	}
}

func TestManager_FetchQuotesRecordsProcessedOnError(t *testing.T) {
	a := &batchAdapter{
		fakeAdapter: fakeAdapter{name: "binance", cfg: quote.SourceAdapterConfig{Enabled: true}},
		err:         quoteerr.SourceAPI("binance", 503),
	}
	prom := metrics.New()
	m := New([]source.Adapter{a}, prom)

	pairs := []quote.Pair{{Base: "BTC", Quote: "USDT"}}
	if _, err := m.FetchQuotes(context.Background(), "binance", pairs); err == nil {
		t.Fatal("expected error from FetchQuotes")
	}

	body := scrapeMetrics(t, prom)
	if !strings.Contains(body, `quotes_processed_total{source="binance",status="error"} 1`) {
		t.Errorf("expected quotes_processed_total error=1 for binance, got:\n%s", body)
	}
}

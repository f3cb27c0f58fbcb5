package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/marketfeed/quoteproxy/internal/batch"
	"github.com/marketfeed/quoteproxy/internal/cache"
	"github.com/marketfeed/quoteproxy/internal/cleanup"
	"github.com/marketfeed/quoteproxy/internal/metrics"
	"github.com/marketfeed/quoteproxy/internal/pairs"
	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/quoteerr"
	"github.com/marketfeed/quoteproxy/internal/quotes"
	"github.com/marketfeed/quoteproxy/internal/source"
	"github.com/marketfeed/quoteproxy/internal/sources"
)

type fakeAdapter struct {
	name  string
	cfg   quote.SourceAdapterConfig
	price string
	err   error
	pairs []quote.Pair
}

func (a *fakeAdapter) Name() string                        { return a.name }
func (a *fakeAdapter) GetConfig() quote.SourceAdapterConfig { return a.cfg }
func (a *fakeAdapter) FetchQuote(ctx context.Context, pair quote.Pair) (quote.Quote, error) {
	if a.err != nil {
		return quote.Quote{}, a.err
	}
	return quote.Quote{Pair: pair, Price: a.price, ReceivedAt: time.Now()}, nil
}
func (a *fakeAdapter) GetPairs(ctx context.Context) ([]quote.Pair, error) {
	return a.pairs, nil
}

func newTestAPI(t *testing.T, adapters ...*fakeAdapter) *API {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	prom := metrics.New()
	registry := pairs.New(prom)
	backend := cache.NewMemoryCache(ctx)
	t.Cleanup(func() { backend.Close() })
	qc := cache.NewQuoteCache(ctx, backend, prom, nil, 50*time.Millisecond, 0)
	t.Cleanup(qc.Close)

	adapterList := make([]source.Adapter, len(adapters))
	for i, a := range adapters {
		adapterList[i] = a
	}
	sm := sources.New(adapterList, prom)

	bc := batch.New(sm, registry, qc, prom, slog.Default())
	qs := quotes.New(sm, registry, qc, bc, prom, slog.Default(), 2*time.Second, time.Second)
	cl := cleanup.New(registry, slog.Default(), true, time.Minute, time.Hour)

	return New(qs, sm, registry, qc, cl, slog.Default(), nil)
}

func serveAPI(t *testing.T, a *API) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := applyMiddleware(a.Routes(nil), recovery, requestID, timing)

	go func() {
		_ = fasthttp.Serve(ln, handler)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, func() { ln.Close() }
}

// --- handleGetQuote ----------------------------------------------------------

func TestHandleGetQuote_Success(t *testing.T) {
	a := newTestAPI(t, &fakeAdapter{name: "binance", cfg: quote.SourceAdapterConfig{Enabled: true, TTL: time.Second}, price: "65000.12"})
	client, cleanup := serveAPI(t, a)
	defer cleanup()

	resp, err := client.Get("http://test/quote/binance/BTC/USDT")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["price"] != "65000.12" {
		t.Errorf("expected price 65000.12, got %v", body["price"])
	}
}

func TestHandleGetQuote_UnsupportedSourceReturns400(t *testing.T) {
	a := newTestAPI(t)
	client, cleanup := serveAPI(t, a)
	defer cleanup()

	resp, err := client.Get("http://test/quote/nosuch/BTC/USDT")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleGetQuote_PriceNotFoundReturns404(t *testing.T) {
	a := newTestAPI(t, &fakeAdapter{
		name: "binance",
		cfg:  quote.SourceAdapterConfig{Enabled: true, TTL: time.Second},
		err:  quoteerr.PriceNotFound("binance", quote.Pair{Base: "ZZZ", Quote: "USDT"}),
	})
	client, cleanup := serveAPI(t, a)
	defer cleanup()

	resp, err := client.Get("http://test/quote/binance/ZZZ/USDT")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

// --- handleGetSourcePairs -----------------------------------------------------

func TestHandleGetSourcePairs_ReturnsAdapterUniverse(t *testing.T) {
	a := newTestAPI(t, &fakeAdapter{
		name:  "binance",
		cfg:   quote.SourceAdapterConfig{Enabled: true, TTL: time.Second},
		pairs: []quote.Pair{{Base: "BTC", Quote: "USDT"}, {Base: "ETH", Quote: "USDT"}},
	})
	client, cleanup := serveAPI(t, a)
	defer cleanup()

	resp, err := client.Get("http://test/sources/binance/pairs")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Pairs [][2]string `json:"pairs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Pairs) != 2 {
		t.Errorf("expected 2 pairs, got %d", len(body.Pairs))
	}
}

// --- handleCleanup -------------------------------------------------------------

func TestHandleCleanup_ReturnsRemovedCount(t *testing.T) {
	a := newTestAPI(t)
	client, cleanup := serveAPI(t, a)
	defer cleanup()

	resp, err := client.Post("http://test/quote/cleanup", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["removedCount"]; !ok {
		t.Error("expected removedCount field in response")
	}
}

// --- writeJSON --------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"key": "value"})

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json, got %s", string(ctx.Response.Header.ContentType()))
	}

	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if resp["key"] != "value" {
		t.Errorf("expected key=value, got %v", resp["key"])
	}
}

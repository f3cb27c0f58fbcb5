package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/quoteerr"
)

func testConfig(baseURL string) quote.SourceAdapterConfig {
	return quote.SourceAdapterConfig{
		Enabled: true, TTL: time.Second, MaxConcurrent: 2, Timeout: time.Second,
		BaseURL: baseURL, MaxBatchSize: 5,
	}
}

func TestAdapter_FetchQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected symbol %q", r.URL.Query().Get("symbol"))
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"67890.12"}`))
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	q, err := a.FetchQuote(context.Background(), quote.Pair{Base: "BTC", Quote: "USDT"})
	if err != nil {
		t.Fatal(err)
	}
	if q.Price != "67890.12" {
		t.Errorf("expected price 67890.12, got %s", q.Price)
	}
}

func TestAdapter_FetchQuote_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.FetchQuote(context.Background(), quote.Pair{Base: "XYZ", Quote: "USD"})
	qerr, ok := quoteerr.As(err)
	if !ok || qerr.Kind != quoteerr.KindPriceNotFound {
		t.Fatalf("expected PriceNotFound, got %v", err)
	}
}

func TestAdapter_FetchQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"BTCUSDT","price":"67890.12"},{"symbol":"ETHUSDT","price":"3456.78"}]`))
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	quotes, err := a.FetchQuotes(context.Background(), []quote.Pair{
		{Base: "BTC", Quote: "USDT"}, {Base: "ETH", Quote: "USDT"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(quotes))
	}
}

func TestAdapter_FetchQuotes_BatchSizeExceeded(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.MaxBatchSize = 1
	a, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.FetchQuotes(context.Background(), []quote.Pair{
		{Base: "BTC", Quote: "USDT"}, {Base: "ETH", Quote: "USDT"},
	})
	qerr, ok := quoteerr.As(err)
	if !ok || qerr.Kind != quoteerr.KindBatchSizeExceeded {
		t.Fatalf("expected BatchSizeExceeded, got %v", err)
	}
}

func TestAdapter_FetchQuotes_Empty(t *testing.T) {
	a, err := New(testConfig("http://unused"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	quotes, err := a.FetchQuotes(context.Background(), nil)
	if err != nil || quotes != nil {
		t.Errorf("expected (nil, nil) for empty batch, got (%v, %v)", quotes, err)
	}
}

func TestStreamService_DecodeQuote(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.Stream = &quote.StreamConfig{HeartbeatInterval: 15 * time.Second}
	a, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	id, price, ok := a.stream.decodeQuote([]byte(`{"stream":"btcusdt@ticker","data":{"s":"BTCUSDT","c":"67890.12"}}`))
	if !ok || id != "btcusdt@ticker" || price != "67890.12" {
		t.Errorf("unexpected decode result: %s %s %v", id, price, ok)
	}

	if _, _, ok := a.stream.decodeQuote([]byte("  ")); ok {
		t.Error("expected non-ticker frame to decode as not-ok")
	}
}

package okx

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
	return quote.SourceAdapterConfig{Enabled: true, TTL: time.Second, MaxConcurrent: 2, Timeout: time.Second, BaseURL: baseURL}
}

func TestAdapter_FetchQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("instId") != "BTC-USDT" {
			t.Errorf("unexpected instId %q", r.URL.Query().Get("instId"))
		}
		w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT","last":"67890.12"}]}`))
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
		t.Errorf("expected 67890.12, got %s", q.Price)
	}
}

func TestAdapter_FetchQuote_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"51001","msg":"instrument not found","data":[]}`))
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

func TestStreamService_DecodeQuote(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.Stream = &quote.StreamConfig{HeartbeatInterval: 15 * time.Second}
	a, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	id, price, ok := a.stream.decodeQuote([]byte(`{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","last":"67890.12"}]}`))
	if !ok || id != "BTC-USDT" || price != "67890.12" {
		t.Errorf("unexpected decode result: %s %s %v", id, price, ok)
	}
	if _, _, ok := a.stream.decodeQuote([]byte(`{"event":"subscribe"}`)); ok {
		t.Error("expected non-ticker frame to decode as not-ok")
	}
}

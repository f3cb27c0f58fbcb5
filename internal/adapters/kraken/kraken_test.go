package kraken

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marketfeed/quoteproxy/internal/quote"
)

func testConfig(baseURL string) quote.SourceAdapterConfig {
	return quote.SourceAdapterConfig{Enabled: true, TTL: time.Second, MaxConcurrent: 2, Timeout: time.Second, BaseURL: baseURL, MaxBatchSize: 10}
}

func TestAdapter_FetchQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pair") != "XBTUSD,ETHUSD" {
			t.Errorf("unexpected pair param %q", r.URL.Query().Get("pair"))
		}
		w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":{"c":["67890.12","0.1"]},"XETHZUSD":{"c":["3456.78","1.0"]}}}`))
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	quotes, err := a.FetchQuotes(context.Background(), []quote.Pair{
		{Base: "BTC", Quote: "USD"}, {Base: "ETH", Quote: "USD"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(quotes))
	}
}

func TestAdapter_FetchQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":{"c":["67890.12","0.1"]}}}`))
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	q, err := a.FetchQuote(context.Background(), quote.Pair{Base: "BTC", Quote: "USD"})
	if err != nil {
		t.Fatal(err)
	}
	if q.Price != "67890.12" {
		t.Errorf("expected 67890.12, got %s", q.Price)
	}
}

func TestStreamService_DecodeQuote(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.Stream = &quote.StreamConfig{HeartbeatInterval: 15 * time.Second}
	a, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	raw := []byte(`[340,{"c":["67890.12","0.1"]},"ticker","XBT/USD"]`)
	id, price, ok := a.stream.decodeQuote(raw)
	if !ok || id != "XBT/USD" || price != "67890.12" {
		t.Errorf("unexpected decode result: %s %s %v", id, price, ok)
	}
	if _, _, ok := a.stream.decodeQuote([]byte(`{"event":"heartbeat"}`)); ok {
		t.Error("expected non-ticker frame to decode as not-ok")
	}
}

func TestToWSName_BTCAlias(t *testing.T) {
	if got := toWSName(quote.Pair{Base: "BTC", Quote: "USD"}); got != "XBT/USD" {
		t.Errorf("expected XBT/USD, got %s", got)
	}
}

package coingecko

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marketfeed/quoteproxy/internal/quote"
)

func testConfig(baseURL string) quote.SourceAdapterConfig {
	return quote.SourceAdapterConfig{Enabled: true, TTL: time.Second, MaxConcurrent: 2, Timeout: time.Second, BaseURL: baseURL}
}

func TestAdapter_FetchQuote(t *testing.T) {
	var coinListHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/coins/list":
			coinListHits++
			w.Write([]byte(`[{"id":"bitcoin","symbol":"btc"},{"id":"ethereum","symbol":"eth"}]`))
		case "/simple/price":
			switch r.URL.Query().Get("ids") {
			case "bitcoin":
				w.Write([]byte(`{"bitcoin":{"usd":67890.12}}`))
			case "ethereum":
				w.Write([]byte(`{"ethereum":{"usd":3456.78}}`))
			default:
				t.Errorf("unexpected ids %q", r.URL.Query().Get("ids"))
			}
		}
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

	// Second fetch should reuse the cached id map, not re-hit /coins/list.
	if _, err := a.FetchQuote(context.Background(), quote.Pair{Base: "ETH", Quote: "USD"}); err != nil {
		t.Fatal(err)
	}
	if coinListHits != 1 {
		t.Errorf("expected id map to be cached, got %d coin-list calls", coinListHits)
	}
}

func TestAdapter_FetchQuote_UnknownSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"bitcoin","symbol":"btc"}]`))
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.FetchQuote(context.Background(), quote.Pair{Base: "ZZZ", Quote: "USD"}); err == nil {
		t.Fatal("expected error for unknown symbol")
	}
}

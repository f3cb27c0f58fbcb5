package cryptocompare

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
		w.Write([]byte(`{"BTC":{"USD":67890.12},"ETH":{"USD":3456.78}}`))
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

func TestAdapter_FetchQuote_Missing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.FetchQuote(context.Background(), quote.Pair{Base: "XYZ", Quote: "USD"}); err == nil {
		t.Fatal("expected error for missing pair")
	}
}

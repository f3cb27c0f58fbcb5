package frankfurter

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

func TestAdapter_FetchQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("from") != "EUR" || r.URL.Query().Get("to") != "USD" {
			t.Errorf("unexpected params from=%q to=%q", r.URL.Query().Get("from"), r.URL.Query().Get("to"))
		}
		w.Write([]byte(`{"base":"EUR","rates":{"USD":1.0865}}`))
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	q, err := a.FetchQuote(context.Background(), quote.Pair{Base: "EUR", Quote: "USD"})
	if err != nil {
		t.Fatal(err)
	}
	if q.Price != "1.0865" {
		t.Errorf("expected 1.0865, got %s", q.Price)
	}
}

func TestAdapter_FetchQuotes_GroupsByFrom(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"base":"EUR","rates":{"USD":1.0865,"GBP":0.85}}`))
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	quotes, err := a.FetchQuotes(context.Background(), []quote.Pair{
		{Base: "EUR", Quote: "USD"}, {Base: "EUR", Quote: "GBP"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(quotes))
	}
	if calls != 1 {
		t.Errorf("expected 1 grouped call, got %d", calls)
	}
}

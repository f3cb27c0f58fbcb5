package exchangeratehost

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
		if r.URL.Query().Get("base") != "EUR" {
			t.Errorf("unexpected base %q", r.URL.Query().Get("base"))
		}
		w.Write([]byte(`{"success":true,"base":"EUR","rates":{"USD":1.0865}}`))
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

func TestAdapter_FetchQuotes_GroupsByBase(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		base := r.URL.Query().Get("base")
		switch base {
		case "EUR":
			w.Write([]byte(`{"success":true,"base":"EUR","rates":{"USD":1.0865,"GBP":0.85}}`))
		case "GBP":
			w.Write([]byte(`{"success":true,"base":"GBP","rates":{"USD":1.27}}`))
		}
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	quotes, err := a.FetchQuotes(context.Background(), []quote.Pair{
		{Base: "EUR", Quote: "USD"}, {Base: "EUR", Quote: "GBP"}, {Base: "GBP", Quote: "USD"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 3 {
		t.Fatalf("expected 3 quotes, got %d", len(quotes))
	}
	if calls != 2 {
		t.Errorf("expected 2 grouped calls (one per base), got %d", calls)
	}
}

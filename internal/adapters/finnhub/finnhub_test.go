package finnhub

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
	return quote.SourceAdapterConfig{Enabled: true, APIKey: "test-key", TTL: time.Second, MaxConcurrent: 2, Timeout: time.Second, BaseURL: baseURL}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.APIKey = ""
	if _, err := New(cfg, nil, nil); err == nil {
		t.Fatal("expected error when APIKey is empty")
	}
}

func TestAdapter_FetchQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "test-key" {
			t.Errorf("expected token param, got %q", r.URL.Query().Get("token"))
		}
		if r.URL.Query().Get("symbol") != "AAPL" {
			t.Errorf("unexpected symbol %q", r.URL.Query().Get("symbol"))
		}
		w.Write([]byte(`{"c":189.5}`))
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	q, err := a.FetchQuote(context.Background(), quote.Pair{Base: "AAPL", Quote: "USD"})
	if err != nil {
		t.Fatal(err)
	}
	if q.Price != "189.5" {
		t.Errorf("expected 189.5, got %s", q.Price)
	}
}

func TestAdapter_FetchQuote_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = a.FetchQuote(context.Background(), quote.Pair{Base: "AAPL", Quote: "USD"})
	qerr, ok := quoteerr.As(err)
	if !ok || qerr.Kind != quoteerr.KindUnauthorized {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

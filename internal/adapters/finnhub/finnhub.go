// Package finnhub implements a REST-only source adapter (Component C) for
// Finnhub's quote endpoint, used here for equity/FX-style pairs rather than
// crypto. Finnhub's /quote endpoint is single-symbol only, so this adapter
// does not implement BatchFetcher.
package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/marketfeed/quoteproxy/internal/circuitbreaker"
	"github.com/marketfeed/quoteproxy/internal/httpclient"
	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/quoteerr"
	"github.com/marketfeed/quoteproxy/internal/source"
)

const (
	defaultBaseURL = "https://finnhub.io/api/v1"
	sourceName     = "finnhub"
)

// Adapter is the finnhub source.Adapter implementation.
type Adapter struct {
	cfg  quote.SourceAdapterConfig
	http *httpclient.Client
	log  *slog.Logger
}

func New(cfg quote.SourceAdapterConfig, breaker *circuitbreaker.Breaker, log *slog.Logger) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, quoteerr.Unauthorized(sourceName)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	cli, err := httpclient.New(httpclient.Config{
		Source: sourceName, BaseURL: baseURL, Timeout: cfg.Timeout,
		RPS: cfg.RPS, MaxConcurrent: cfg.MaxConcurrent, ProxyURL: cfg.ProxyURL,
		DefaultParams: map[string]string{"token": cfg.APIKey},
	}, breaker)
	if err != nil {
		return nil, fmt.Errorf("finnhub: %w", err)
	}

	return &Adapter{cfg: cfg, http: cli, log: log}, nil
}

func (a *Adapter) Name() string                         { return sourceName }
func (a *Adapter) GetConfig() quote.SourceAdapterConfig { return a.cfg }

// toSymbol builds Finnhub's ticker for a pair. Non-USD quote currencies use
// Finnhub's OANDA forex prefix; USD-quoted pairs are treated as plain
// equity/crypto tickers (base symbol only).
func toSymbol(p quote.Pair) string {
	if strings.EqualFold(p.Quote, "USD") {
		return strings.ToUpper(p.Base)
	}
	return "OANDA:" + strings.ToUpper(p.Base) + "_" + strings.ToUpper(p.Quote)
}

type quoteResponse struct {
	C float64 `json:"c"` // current price
}

// FetchQuote fetches a single pair's price from /quote.
func (a *Adapter) FetchQuote(ctx context.Context, pair quote.Pair) (quote.Quote, error) {
	resp, err := a.http.Get(ctx, "/quote", map[string]string{"symbol": toSymbol(pair)}, nil)
	if err != nil {
		return quote.Quote{}, quoteerr.FromTransportError(sourceName, pair, err, int(a.cfg.Timeout/time.Millisecond))
	}
	if resp.Status == 401 || resp.Status == 403 {
		return quote.Quote{}, quoteerr.Unauthorized(sourceName)
	}
	if resp.Status != 200 {
		return quote.Quote{}, quoteerr.FromHTTPStatus(sourceName, pair, resp.Status)
	}

	var qr quoteResponse
	if err := json.Unmarshal(resp.Data, &qr); err != nil {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}
	if qr.C == 0 {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}

	price, err := quote.ValidatePrice(strconv.FormatFloat(qr.C, 'f', -1, 64))
	if err != nil {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}
	return quote.Quote{Pair: pair, Price: price, ReceivedAt: time.Now().UTC()}, nil
}

var _ source.Adapter = (*Adapter)(nil)

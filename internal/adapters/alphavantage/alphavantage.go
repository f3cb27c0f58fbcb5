// Package alphavantage implements a REST-only source adapter (Component C)
// for Alpha Vantage's CURRENCY_EXCHANGE_RATE endpoint, used for FX pairs.
// The endpoint is single-pair only, so this adapter does not implement
// BatchFetcher.
package alphavantage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marketfeed/quoteproxy/internal/circuitbreaker"
	"github.com/marketfeed/quoteproxy/internal/httpclient"
	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/quoteerr"
	"github.com/marketfeed/quoteproxy/internal/source"
)

const (
	defaultBaseURL = "https://www.alphavantage.co"
	sourceName     = "alphavantage"
)

// Adapter is the alphavantage source.Adapter implementation.
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
		DefaultParams: map[string]string{"apikey": cfg.APIKey},
	}, breaker)
	if err != nil {
		return nil, fmt.Errorf("alphavantage: %w", err)
	}

	return &Adapter{cfg: cfg, http: cli, log: log}, nil
}

func (a *Adapter) Name() string                         { return sourceName }
func (a *Adapter) GetConfig() quote.SourceAdapterConfig { return a.cfg }

type exchangeRateResponse struct {
	RealtimeRate struct {
		ExchangeRate string `json:"5. Exchange Rate"`
	} `json:"Realtime Currency Exchange Rate"`
	Note        string `json:"Note"`
	Information string `json:"Information"`
}

// FetchQuote fetches a single pair's exchange rate from
// /query?function=CURRENCY_EXCHANGE_RATE.
func (a *Adapter) FetchQuote(ctx context.Context, pair quote.Pair) (quote.Quote, error) {
	resp, err := a.http.Get(ctx, "/query", map[string]string{
		"function":      "CURRENCY_EXCHANGE_RATE",
		"from_currency": strings.ToUpper(pair.Base),
		"to_currency":   strings.ToUpper(pair.Quote),
	}, nil)
	if err != nil {
		return quote.Quote{}, quoteerr.FromTransportError(sourceName, pair, err, int(a.cfg.Timeout/time.Millisecond))
	}
	if resp.Status != 200 {
		return quote.Quote{}, quoteerr.FromHTTPStatus(sourceName, pair, resp.Status)
	}

	var er exchangeRateResponse
	if err := json.Unmarshal(resp.Data, &er); err != nil {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}
	if er.Note != "" {
		// Alpha Vantage signals rate limiting via a 200-status "Note" field
		// rather than a 429.
		return quote.Quote{}, quoteerr.RateLimited(sourceName)
	}
	if er.RealtimeRate.ExchangeRate == "" {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}

	price, err := quote.ValidatePrice(er.RealtimeRate.ExchangeRate)
	if err != nil {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}
	return quote.Quote{Pair: pair, Price: price, ReceivedAt: time.Now().UTC()}, nil
}

var _ source.Adapter = (*Adapter)(nil)

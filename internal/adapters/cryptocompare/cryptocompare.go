// Package cryptocompare implements a REST-only source adapter (Component C)
// for CryptoCompare's multi-symbol price endpoint. The endpoint is naturally
// batched (many base symbols against many quote symbols in one call), so
// this adapter implements BatchFetcher directly rather than looping
// FetchQuote.
package cryptocompare

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
	defaultBaseURL = "https://min-api.cryptocompare.com"
	sourceName     = "cryptocompare"
)

// Adapter is the cryptocompare source.Adapter implementation.
type Adapter struct {
	cfg  quote.SourceAdapterConfig
	http *httpclient.Client
	log  *slog.Logger
}

func New(cfg quote.SourceAdapterConfig, breaker *circuitbreaker.Breaker, log *slog.Logger) (*Adapter, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["authorization"] = "Apikey " + cfg.APIKey
	}

	cli, err := httpclient.New(httpclient.Config{
		Source: sourceName, BaseURL: baseURL, Timeout: cfg.Timeout,
		RPS: cfg.RPS, MaxConcurrent: cfg.MaxConcurrent, ProxyURL: cfg.ProxyURL,
		DefaultHeaders: headers,
	}, breaker)
	if err != nil {
		return nil, fmt.Errorf("cryptocompare: %w", err)
	}

	return &Adapter{cfg: cfg, http: cli, log: log}, nil
}

func (a *Adapter) Name() string                         { return sourceName }
func (a *Adapter) GetConfig() quote.SourceAdapterConfig { return a.cfg }

// FetchQuote fetches a single pair via FetchQuotes, matching the pricemulti
// endpoint's natural shape.
func (a *Adapter) FetchQuote(ctx context.Context, pair quote.Pair) (quote.Quote, error) {
	quotes, err := a.FetchQuotes(ctx, []quote.Pair{pair})
	if err != nil {
		return quote.Quote{}, err
	}
	if len(quotes) == 0 {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}
	return quotes[0], nil
}

// FetchQuotes fetches multiple pairs via /data/pricemulti?fsyms=...&tsyms=...,
// which returns a base-symbol-keyed map of quote-symbol-keyed prices.
func (a *Adapter) FetchQuotes(ctx context.Context, pairs []quote.Pair) ([]quote.Quote, error) {
	if a.cfg.MaxBatchSize > 0 && len(pairs) > a.cfg.MaxBatchSize {
		return nil, quoteerr.BatchSizeExceeded(len(pairs), a.cfg.MaxBatchSize, sourceName)
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	bases := make(map[string]struct{})
	quotes := make(map[string]struct{})
	for _, p := range pairs {
		bases[strings.ToUpper(p.Base)] = struct{}{}
		quotes[strings.ToUpper(p.Quote)] = struct{}{}
	}

	resp, err := a.http.Get(ctx, "/data/pricemulti", map[string]string{
		"fsyms": strings.Join(keys(bases), ","),
		"tsyms": strings.Join(keys(quotes), ","),
	}, nil)
	if err != nil {
		return nil, quoteerr.FromTransportError(sourceName, quote.Pair{}, err, int(a.cfg.Timeout/time.Millisecond))
	}
	if resp.Status != 200 {
		return nil, quoteerr.FromHTTPStatus(sourceName, quote.Pair{}, resp.Status)
	}

	var result map[string]map[string]float64
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("cryptocompare: decode batch response: %w", err)
	}

	now := time.Now().UTC()
	out := make([]quote.Quote, 0, len(pairs))
	for _, p := range pairs {
		byQuote, ok := result[strings.ToUpper(p.Base)]
		if !ok {
			continue
		}
		price, ok := byQuote[strings.ToUpper(p.Quote)]
		if !ok {
			continue
		}
		priceStr, err := quote.ValidatePrice(fmt.Sprintf("%v", price))
		if err != nil {
			continue
		}
		out = append(out, quote.Quote{Pair: p, Price: priceStr, ReceivedAt: now})
	}
	return out, nil
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

var _ source.Adapter = (*Adapter)(nil)
var _ source.BatchFetcher = (*Adapter)(nil)

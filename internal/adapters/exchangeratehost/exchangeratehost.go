// Package exchangeratehost implements a REST-only source adapter
// (Component C) for the exchangerate.host FX rates API. Its /latest
// endpoint takes one base currency and a comma-separated list of symbols,
// so batching groups the requested pairs by base currency and issues one
// call per distinct base.
package exchangeratehost

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
	defaultBaseURL = "https://api.exchangerate.host"
	sourceName     = "exchangeratehost"
)

// Adapter is the exchangeratehost source.Adapter implementation.
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

	params := map[string]string{}
	if cfg.APIKey != "" {
		params["access_key"] = cfg.APIKey
	}

	cli, err := httpclient.New(httpclient.Config{
		Source: sourceName, BaseURL: baseURL, Timeout: cfg.Timeout,
		RPS: cfg.RPS, MaxConcurrent: cfg.MaxConcurrent, ProxyURL: cfg.ProxyURL,
		DefaultParams: params,
	}, breaker)
	if err != nil {
		return nil, fmt.Errorf("exchangeratehost: %w", err)
	}

	return &Adapter{cfg: cfg, http: cli, log: log}, nil
}

func (a *Adapter) Name() string                         { return sourceName }
func (a *Adapter) GetConfig() quote.SourceAdapterConfig { return a.cfg }

type latestResponse struct {
	Success bool               `json:"success"`
	Base    string             `json:"base"`
	Rates   map[string]float64 `json:"rates"`
}

// FetchQuote fetches a single pair via fetchBase, the shared single-base
// helper FetchQuotes also uses.
func (a *Adapter) FetchQuote(ctx context.Context, pair quote.Pair) (quote.Quote, error) {
	rates, err := a.fetchBase(ctx, strings.ToUpper(pair.Base), []string{strings.ToUpper(pair.Quote)})
	if err != nil {
		return quote.Quote{}, err
	}
	rate, ok := rates[strings.ToUpper(pair.Quote)]
	if !ok {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}
	price, err := quote.ValidatePrice(fmt.Sprintf("%v", rate))
	if err != nil {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}
	return quote.Quote{Pair: pair, Price: price, ReceivedAt: time.Now().UTC()}, nil
}

// FetchQuotes groups pairs by base currency, issuing one /latest call per
// distinct base and fanning the results back out to pairs.
func (a *Adapter) FetchQuotes(ctx context.Context, pairs []quote.Pair) ([]quote.Quote, error) {
	if a.cfg.MaxBatchSize > 0 && len(pairs) > a.cfg.MaxBatchSize {
		return nil, quoteerr.BatchSizeExceeded(len(pairs), a.cfg.MaxBatchSize, sourceName)
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	bySymbols := make(map[string][]quote.Pair)
	for _, p := range pairs {
		base := strings.ToUpper(p.Base)
		bySymbols[base] = append(bySymbols[base], p)
	}

	now := time.Now().UTC()
	out := make([]quote.Quote, 0, len(pairs))
	for base, group := range bySymbols {
		symbols := make([]string, len(group))
		for i, p := range group {
			symbols[i] = strings.ToUpper(p.Quote)
		}

		rates, err := a.fetchBase(ctx, base, symbols)
		if err != nil {
			continue // partial-failure tolerant, matching the §4.C batch contract
		}
		for _, p := range group {
			rate, ok := rates[strings.ToUpper(p.Quote)]
			if !ok {
				continue
			}
			priceStr, err := quote.ValidatePrice(fmt.Sprintf("%v", rate))
			if err != nil {
				continue
			}
			out = append(out, quote.Quote{Pair: p, Price: priceStr, ReceivedAt: now})
		}
	}
	return out, nil
}

func (a *Adapter) fetchBase(ctx context.Context, base string, symbols []string) (map[string]float64, error) {
	resp, err := a.http.Get(ctx, "/latest", map[string]string{
		"base": base, "symbols": strings.Join(symbols, ","),
	}, nil)
	if err != nil {
		return nil, quoteerr.FromTransportError(sourceName, quote.Pair{}, err, int(a.cfg.Timeout/time.Millisecond))
	}
	if resp.Status != 200 {
		return nil, quoteerr.FromHTTPStatus(sourceName, quote.Pair{}, resp.Status)
	}

	var lr latestResponse
	if err := json.Unmarshal(resp.Data, &lr); err != nil {
		return nil, fmt.Errorf("exchangeratehost: decode response: %w", err)
	}
	if !lr.Success {
		return nil, quoteerr.SourceAPI(sourceName, resp.Status)
	}
	return lr.Rates, nil
}

var _ source.Adapter = (*Adapter)(nil)
var _ source.BatchFetcher = (*Adapter)(nil)

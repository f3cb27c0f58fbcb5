// Package coingecko implements a REST-only source adapter (Component C) for
// CoinGecko's simple price endpoint. CoinGecko addresses coins by an
// internal "id" rather than a ticker symbol, so the adapter must first
// resolve symbols to ids via /api/v3/coins/list.
//
// Per spec §9's note that "global singleton caches... become per-adapter
// lazy-initialized structures with a TTL", the symbol->id map is built on
// first use and rebuilt after 24h, guarded against concurrent
// initialization with a mutex rather than sync.Once (Once can't be reset).
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/marketfeed/quoteproxy/internal/circuitbreaker"
	"github.com/marketfeed/quoteproxy/internal/httpclient"
	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/quoteerr"
	"github.com/marketfeed/quoteproxy/internal/source"
)

const (
	defaultBaseURL = "https://api.coingecko.com/api/v3"
	sourceName     = "coingecko"
	idMapTTL       = 24 * time.Hour
)

// Adapter is the coingecko source.Adapter implementation.
type Adapter struct {
	cfg  quote.SourceAdapterConfig
	http *httpclient.Client
	log  *slog.Logger

	idMapMu      sync.Mutex
	idMap        map[string]string // upper symbol -> coingecko id
	idMapBuiltAt time.Time
}

func New(cfg quote.SourceAdapterConfig, breaker *circuitbreaker.Breaker, log *slog.Logger) (*Adapter, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["x-cg-pro-api-key"] = cfg.APIKey
	}

	cli, err := httpclient.New(httpclient.Config{
		Source: sourceName, BaseURL: baseURL, Timeout: cfg.Timeout,
		RPS: cfg.RPS, MaxConcurrent: cfg.MaxConcurrent, ProxyURL: cfg.ProxyURL,
		DefaultHeaders: headers,
	}, breaker)
	if err != nil {
		return nil, fmt.Errorf("coingecko: %w", err)
	}

	return &Adapter{cfg: cfg, http: cli, log: log}, nil
}

func (a *Adapter) Name() string                         { return sourceName }
func (a *Adapter) GetConfig() quote.SourceAdapterConfig { return a.cfg }

type coinListEntry struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
}

// resolveID returns symbol's CoinGecko id, rebuilding the cached map if it
// is empty or older than idMapTTL.
func (a *Adapter) resolveID(ctx context.Context, symbol string) (string, error) {
	a.idMapMu.Lock()
	defer a.idMapMu.Unlock()

	if a.idMap == nil || time.Since(a.idMapBuiltAt) > idMapTTL {
		fresh, err := a.fetchCoinList(ctx)
		if err != nil {
			if a.idMap != nil {
				// Serve the stale map rather than fail every quote while
				// CoinGecko is having trouble refreshing the list.
				if id, ok := a.idMap[strings.ToUpper(symbol)]; ok {
					return id, nil
				}
			}
			return "", err
		}
		a.idMap = fresh
		a.idMapBuiltAt = time.Now()
	}

	id, ok := a.idMap[strings.ToUpper(symbol)]
	if !ok {
		return "", fmt.Errorf("coingecko: unknown symbol %q", symbol)
	}
	return id, nil
}

func (a *Adapter) fetchCoinList(ctx context.Context) (map[string]string, error) {
	resp, err := a.http.Get(ctx, "/coins/list", nil, nil)
	if err != nil {
		return nil, quoteerr.FromTransportError(sourceName, quote.Pair{}, err, int(a.cfg.Timeout/time.Millisecond))
	}
	if resp.Status != 200 {
		return nil, quoteerr.FromHTTPStatus(sourceName, quote.Pair{}, resp.Status)
	}

	var entries []coinListEntry
	if err := json.Unmarshal(resp.Data, &entries); err != nil {
		return nil, fmt.Errorf("coingecko: decode coin list: %w", err)
	}

	out := make(map[string]string, len(entries))
	for _, e := range entries {
		sym := strings.ToUpper(e.Symbol)
		// First entry wins for a duplicated symbol (CoinGecko's list is
		// sorted by market relevance for the common tickers).
		if _, exists := out[sym]; !exists {
			out[sym] = e.ID
		}
	}
	return out, nil
}

// FetchQuote resolves pair.Base to a CoinGecko id and fetches its price in
// pair.Quote via /simple/price.
func (a *Adapter) FetchQuote(ctx context.Context, pair quote.Pair) (quote.Quote, error) {
	id, err := a.resolveID(ctx, pair.Base)
	if err != nil {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}

	vsCurrency := strings.ToLower(pair.Quote)
	resp, err := a.http.Get(ctx, "/simple/price", map[string]string{
		"ids": id, "vs_currencies": vsCurrency,
	}, nil)
	if err != nil {
		return quote.Quote{}, quoteerr.FromTransportError(sourceName, pair, err, int(a.cfg.Timeout/time.Millisecond))
	}
	if resp.Status != 200 {
		return quote.Quote{}, quoteerr.FromHTTPStatus(sourceName, pair, resp.Status)
	}

	var result map[string]map[string]float64
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return quote.Quote{}, fmt.Errorf("coingecko: decode price response: %w", err)
	}

	byQuote, ok := result[id]
	if !ok {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}
	price, ok := byQuote[vsCurrency]
	if !ok {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}

	priceStr, err := quote.ValidatePrice(fmt.Sprintf("%v", price))
	if err != nil {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}
	return quote.Quote{Pair: pair, Price: priceStr, ReceivedAt: time.Now().UTC()}, nil
}

var _ source.Adapter = (*Adapter)(nil)

// Package binance implements a source adapter (Component C) for Binance's
// public spot market REST and WebSocket APIs. REST batching is grounded on
// Binance's own "symbols" query parameter (a JSON array of symbols in one
// call); streaming is grounded on Binance's combined-stream WebSocket
// endpoint, wired through internal/streaming's BaseStreamService.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/marketfeed/quoteproxy/internal/circuitbreaker"
	"github.com/marketfeed/quoteproxy/internal/httpclient"
	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/quoteerr"
	"github.com/marketfeed/quoteproxy/internal/source"
	"github.com/marketfeed/quoteproxy/internal/streaming"
	"github.com/marketfeed/quoteproxy/internal/wsclient"
)

const (
	defaultBaseURL = "https://api.binance.com"
	defaultWSURL   = "wss://stream.binance.com:9443/stream"
	sourceName     = "binance"
)

// Adapter is the binance source.Adapter implementation.
type Adapter struct {
	cfg  quote.SourceAdapterConfig
	http *httpclient.Client
	log  *slog.Logger

	stream *streamService
}

// New builds the adapter's HTTP client (and, when cfg.Stream is set, its
// streaming half) from cfg.
func New(cfg quote.SourceAdapterConfig, breaker *circuitbreaker.Breaker, log *slog.Logger) (*Adapter, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	cli, err := httpclient.New(httpclient.Config{
		Source: sourceName, BaseURL: baseURL, Timeout: cfg.Timeout,
		RPS: cfg.RPS, MaxConcurrent: cfg.MaxConcurrent, ProxyURL: cfg.ProxyURL,
	}, breaker)
	if err != nil {
		return nil, fmt.Errorf("binance: %w", err)
	}

	a := &Adapter{cfg: cfg, http: cli, log: log}
	if cfg.Stream != nil {
		a.stream = newStreamService(cfg, log)
	}
	return a, nil
}

func (a *Adapter) Name() string                         { return sourceName }
func (a *Adapter) GetConfig() quote.SourceAdapterConfig { return a.cfg }

func toSymbol(p quote.Pair) string {
	return strings.ToUpper(p.Base) + strings.ToUpper(p.Quote)
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// FetchQuote fetches a single pair's price from /api/v3/ticker/price.
func (a *Adapter) FetchQuote(ctx context.Context, pair quote.Pair) (quote.Quote, error) {
	resp, err := a.http.Get(ctx, "/api/v3/ticker/price", map[string]string{"symbol": toSymbol(pair)}, nil)
	if err != nil {
		return quote.Quote{}, quoteerr.FromTransportError(sourceName, pair, err, int(a.cfg.Timeout/time.Millisecond))
	}
	if resp.Status != 200 {
		return quote.Quote{}, quoteerr.FromHTTPStatus(sourceName, pair, resp.Status)
	}

	var tp tickerPrice
	if err := json.Unmarshal(resp.Data, &tp); err != nil {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}

	price, err := quote.ValidatePrice(tp.Price)
	if err != nil {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}
	return quote.Quote{Pair: pair, Price: price, ReceivedAt: time.Now().UTC()}, nil
}

// FetchQuotes fetches multiple pairs in one call via the "symbols" query
// parameter, a JSON array of symbols. Silently omitted symbols are simply
// absent from the result, matching the §4.C contract.
func (a *Adapter) FetchQuotes(ctx context.Context, pairs []quote.Pair) ([]quote.Quote, error) {
	if a.cfg.MaxBatchSize > 0 && len(pairs) > a.cfg.MaxBatchSize {
		return nil, quoteerr.BatchSizeExceeded(len(pairs), a.cfg.MaxBatchSize, sourceName)
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	symbolToPair := make(map[string]quote.Pair, len(pairs))
	symbols := make([]string, len(pairs))
	for i, p := range pairs {
		sym := toSymbol(p)
		symbols[i] = `"` + sym + `"`
		symbolToPair[sym] = p
	}
	symbolsParam := "[" + strings.Join(symbols, ",") + "]"

	resp, err := a.http.Get(ctx, "/api/v3/ticker/price", map[string]string{"symbols": symbolsParam}, nil)
	if err != nil {
		return nil, quoteerr.FromTransportError(sourceName, quote.Pair{}, err, int(a.cfg.Timeout/time.Millisecond))
	}
	if resp.Status != 200 {
		return nil, quoteerr.FromHTTPStatus(sourceName, quote.Pair{}, resp.Status)
	}

	var tickers []tickerPrice
	if err := json.Unmarshal(resp.Data, &tickers); err != nil {
		return nil, fmt.Errorf("binance: decode batch response: %w", err)
	}

	now := time.Now().UTC()
	out := make([]quote.Quote, 0, len(tickers))
	for _, tp := range tickers {
		pair, ok := symbolToPair[tp.Symbol]
		if !ok {
			continue
		}
		price, err := quote.ValidatePrice(tp.Price)
		if err != nil {
			continue
		}
		out = append(out, quote.Quote{Pair: pair, Price: price, ReceivedAt: now})
	}
	return out, nil
}

// GetStreamService exposes the streaming half, implementing
// source.StreamServiceProvider when configured for streaming.
func (a *Adapter) GetStreamService() source.StreamService {
	return a.stream
}

var _ source.Adapter = (*Adapter)(nil)
var _ source.BatchFetcher = (*Adapter)(nil)

// streamService adapts Binance's combined-stream WebSocket API to
// source.StreamService via streaming.BaseStreamService.
type streamService struct {
	base   *streaming.BaseStreamService
	conn   *wsclient.Client
	log    *slog.Logger
	cfg    *quote.StreamConfig
	nextID int64
}

func newStreamService(cfg quote.SourceAdapterConfig, log *slog.Logger) *streamService {
	wsURL := defaultWSURL
	if cfg.Stream.WSURL != "" {
		wsURL = cfg.Stream.WSURL
	}

	s := &streamService{log: log, cfg: cfg.Stream}

	conn := wsclient.New(wsclient.Config{
		URL: wsURL, AutoReconnect: cfg.Stream.AutoReconnect,
		ReconnectInterval: cfg.Stream.ReconnectInterval, MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
	}, wsclient.Handlers{
		OnMessage: func(raw []byte) { s.base.HandleFrame(raw, s.makeQuote) },
		OnReconnect: func(int) { s.base.Resubscribe() },
		OnError: func(err error) {
			if log != nil {
				log.Debug("binance stream error", slog.Any("error", err))
			}
		},
	}, log)

	s.conn = conn
	s.base = streaming.NewBaseStreamService(conn, log)
	s.base.Subscribe = s.sendSubscribe
	s.base.Unsubscribe = s.sendUnsubscribe
	s.base.DecodeQuote = s.decodeQuote
	return s
}

func (s *streamService) Connect(ctx context.Context) error { return s.conn.Connect(ctx) }
func (s *streamService) Disconnect() error                 { return s.conn.Close() }

func (s *streamService) Subscribe(ctx context.Context, pair quote.Pair, onQuote func(quote.Quote), onError func(error)) error {
	return s.base.SubscribePair(ctx, pair, streaming.Subscriber{OnQuote: onQuote, OnError: onError})
}
func (s *streamService) Unsubscribe(pair quote.Pair) error { return s.base.UnsubscribePair(pair) }

func (s *streamService) sendSubscribe(pair quote.Pair) (string, error) {
	stream := strings.ToLower(toSymbol(pair)) + "@ticker"
	id := atomic.AddInt64(&s.nextID, 1)
	frame, _ := json.Marshal(map[string]any{"method": "SUBSCRIBE", "params": []string{stream}, "id": id})
	s.conn.Send(frame)
	return stream, nil
}

func (s *streamService) sendUnsubscribe(identifier string) error {
	id := atomic.AddInt64(&s.nextID, 1)
	frame, _ := json.Marshal(map[string]any{"method": "UNSUBSCRIBE", "params": []string{identifier}, "id": id})
	s.conn.Send(frame)
	return nil
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tickerEvent struct {
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

func (s *streamService) decodeQuote(raw []byte) (identifier, price string, ok bool) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Stream == "" {
		return "", "", false
	}
	var ev tickerEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil || ev.Close == "" {
		return "", "", false
	}
	return env.Stream, ev.Close, true
}

func (s *streamService) makeQuote(pair quote.Pair, price string) quote.Quote {
	return quote.Quote{Pair: pair, Price: price, ReceivedAt: time.Now().UTC()}
}

var _ source.StreamService = (*streamService)(nil)

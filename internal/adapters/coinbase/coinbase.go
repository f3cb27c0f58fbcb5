// Package coinbase implements a source adapter (Component C) for Coinbase
// Exchange's public REST and WebSocket market data. The ticker REST endpoint
// is single-product only, so this adapter does not implement BatchFetcher;
// streaming is grounded on Coinbase's public "ticker" channel, wired through
// internal/streaming's BaseStreamService.
package coinbase

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
	"github.com/marketfeed/quoteproxy/internal/streaming"
	"github.com/marketfeed/quoteproxy/internal/wsclient"
)

const (
	defaultBaseURL = "https://api.exchange.coinbase.com"
	defaultWSURL   = "wss://ws-feed.exchange.coinbase.com"
	sourceName     = "coinbase"
)

// Adapter is the coinbase source.Adapter implementation.
type Adapter struct {
	cfg  quote.SourceAdapterConfig
	http *httpclient.Client
	log  *slog.Logger

	stream *streamService
}

func New(cfg quote.SourceAdapterConfig, breaker *circuitbreaker.Breaker, log *slog.Logger) (*Adapter, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	cli, err := httpclient.New(httpclient.Config{
		Source: sourceName, BaseURL: baseURL, Timeout: cfg.Timeout,
		RPS: cfg.RPS, MaxConcurrent: cfg.MaxConcurrent, ProxyURL: cfg.ProxyURL,
		DefaultHeaders: map[string]string{"User-Agent": "quoteproxy/1.0"},
	}, breaker)
	if err != nil {
		return nil, fmt.Errorf("coinbase: %w", err)
	}

	a := &Adapter{cfg: cfg, http: cli, log: log}
	if cfg.Stream != nil {
		a.stream = newStreamService(cfg, log)
	}
	return a, nil
}

func (a *Adapter) Name() string                         { return sourceName }
func (a *Adapter) GetConfig() quote.SourceAdapterConfig { return a.cfg }

func toProductID(p quote.Pair) string {
	return strings.ToUpper(p.Base) + "-" + strings.ToUpper(p.Quote)
}

type tickerResponse struct {
	Price   string `json:"price"`
	Message string `json:"message"`
}

// FetchQuote fetches a single pair's price from /products/{id}/ticker.
func (a *Adapter) FetchQuote(ctx context.Context, pair quote.Pair) (quote.Quote, error) {
	resp, err := a.http.Get(ctx, "/products/"+toProductID(pair)+"/ticker", nil, nil)
	if err != nil {
		return quote.Quote{}, quoteerr.FromTransportError(sourceName, pair, err, int(a.cfg.Timeout/time.Millisecond))
	}
	if resp.Status != 200 {
		return quote.Quote{}, quoteerr.FromHTTPStatus(sourceName, pair, resp.Status)
	}

	var tr tickerResponse
	if err := json.Unmarshal(resp.Data, &tr); err != nil || tr.Price == "" {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}

	price, err := quote.ValidatePrice(tr.Price)
	if err != nil {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}
	return quote.Quote{Pair: pair, Price: price, ReceivedAt: time.Now().UTC()}, nil
}

func (a *Adapter) GetStreamService() source.StreamService {
	return a.stream
}

var _ source.Adapter = (*Adapter)(nil)

// streamService adapts Coinbase's public "ticker" channel to
// source.StreamService.
type streamService struct {
	base *streaming.BaseStreamService
	conn *wsclient.Client
	log  *slog.Logger
}

func newStreamService(cfg quote.SourceAdapterConfig, log *slog.Logger) *streamService {
	wsURL := defaultWSURL
	if cfg.Stream.WSURL != "" {
		wsURL = cfg.Stream.WSURL
	}

	s := &streamService{log: log}

	conn := wsclient.New(wsclient.Config{
		URL: wsURL, AutoReconnect: cfg.Stream.AutoReconnect,
		ReconnectInterval: cfg.Stream.ReconnectInterval, MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
	}, wsclient.Handlers{
		OnMessage: func(raw []byte) { s.base.HandleFrame(raw, s.makeQuote) },
		OnReconnect: func(int) { s.base.Resubscribe() },
		OnError: func(err error) {
			if log != nil {
				log.Debug("coinbase stream error", slog.Any("error", err))
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
	productID := toProductID(pair)
	frame, _ := json.Marshal(map[string]any{
		"type":        "subscribe",
		"product_ids": []string{productID},
		"channels":    []string{"ticker"},
	})
	s.conn.Send(frame)
	return productID, nil
}

func (s *streamService) sendUnsubscribe(identifier string) error {
	frame, _ := json.Marshal(map[string]any{
		"type":        "unsubscribe",
		"product_ids": []string{identifier},
		"channels":    []string{"ticker"},
	})
	s.conn.Send(frame)
	return nil
}

type tickerEvent struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
}

func (s *streamService) decodeQuote(raw []byte) (identifier, price string, ok bool) {
	var ev tickerEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Type != "ticker" || ev.Price == "" {
		return "", "", false
	}
	return ev.ProductID, ev.Price, true
}

func (s *streamService) makeQuote(pair quote.Pair, price string) quote.Quote {
	return quote.Quote{Pair: pair, Price: price, ReceivedAt: time.Now().UTC()}
}

var _ source.StreamService = (*streamService)(nil)

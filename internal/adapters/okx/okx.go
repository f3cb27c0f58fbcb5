// Package okx implements a source adapter (Component C) for OKX's public
// spot market REST and WebSocket APIs. OKX's ticker endpoint only accepts
// one instId per call, so this adapter does not implement BatchFetcher;
// streaming is grounded on OKX's public "tickers" channel, wired through
// internal/streaming's BaseStreamService.
package okx

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
	defaultBaseURL = "https://www.okx.com"
	defaultWSURL   = "wss://ws.okx.com:8443/ws/v5/public"
	sourceName     = "okx"
)

// Adapter is the okx source.Adapter implementation.
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
	}, breaker)
	if err != nil {
		return nil, fmt.Errorf("okx: %w", err)
	}

	a := &Adapter{cfg: cfg, http: cli, log: log}
	if cfg.Stream != nil {
		a.stream = newStreamService(cfg, log)
	}
	return a, nil
}

func (a *Adapter) Name() string                         { return sourceName }
func (a *Adapter) GetConfig() quote.SourceAdapterConfig { return a.cfg }

func toInstID(p quote.Pair) string {
	return strings.ToUpper(p.Base) + "-" + strings.ToUpper(p.Quote)
}

type tickerEnvelope struct {
	Code string        `json:"code"`
	Msg  string        `json:"msg"`
	Data []tickerEntry `json:"data"`
}

type tickerEntry struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
}

// FetchQuote fetches a single pair's price from /api/v5/market/ticker.
func (a *Adapter) FetchQuote(ctx context.Context, pair quote.Pair) (quote.Quote, error) {
	resp, err := a.http.Get(ctx, "/api/v5/market/ticker", map[string]string{"instId": toInstID(pair)}, nil)
	if err != nil {
		return quote.Quote{}, quoteerr.FromTransportError(sourceName, pair, err, int(a.cfg.Timeout/time.Millisecond))
	}
	if resp.Status != 200 {
		return quote.Quote{}, quoteerr.FromHTTPStatus(sourceName, pair, resp.Status)
	}

	var env tickerEnvelope
	if err := json.Unmarshal(resp.Data, &env); err != nil || len(env.Data) == 0 {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}
	if env.Code != "0" {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}

	price, err := quote.ValidatePrice(env.Data[0].Last)
	if err != nil {
		return quote.Quote{}, quoteerr.PriceNotFound(sourceName, pair)
	}
	return quote.Quote{Pair: pair, Price: price, ReceivedAt: time.Now().UTC()}, nil
}

func (a *Adapter) GetStreamService() source.StreamService {
	return a.stream
}

var _ source.Adapter = (*Adapter)(nil)

// streamService adapts OKX's public "tickers" channel to source.StreamService.
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
				log.Debug("okx stream error", slog.Any("error", err))
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

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func (s *streamService) sendSubscribe(pair quote.Pair) (string, error) {
	instID := toInstID(pair)
	frame, _ := json.Marshal(map[string]any{
		"op":   "subscribe",
		"args": []wsArg{{Channel: "tickers", InstID: instID}},
	})
	s.conn.Send(frame)
	return instID, nil
}

func (s *streamService) sendUnsubscribe(identifier string) error {
	frame, _ := json.Marshal(map[string]any{
		"op":   "unsubscribe",
		"args": []wsArg{{Channel: "tickers", InstID: identifier}},
	})
	s.conn.Send(frame)
	return nil
}

type streamFrame struct {
	Arg  wsArg         `json:"arg"`
	Data []tickerEntry `json:"data"`
}

func (s *streamService) decodeQuote(raw []byte) (identifier, price string, ok bool) {
	var f streamFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.Arg.Channel != "tickers" || len(f.Data) == 0 {
		return "", "", false
	}
	if f.Data[0].Last == "" {
		return "", "", false
	}
	return f.Arg.InstID, f.Data[0].Last, true
}

func (s *streamService) makeQuote(pair quote.Pair, price string) quote.Quote {
	return quote.Quote{Pair: pair, Price: price, ReceivedAt: time.Now().UTC()}
}

var _ source.StreamService = (*streamService)(nil)

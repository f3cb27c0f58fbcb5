// Package kraken implements a source adapter (Component C) for Kraken's
// public spot market REST and WebSocket APIs. REST batching is grounded on
// Kraken's own comma-separated "pair" query parameter; streaming is grounded
// on Kraken's public WebSocket "ticker" subscription, wired through
// internal/streaming's BaseStreamService.
package kraken

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
	defaultBaseURL = "https://api.kraken.com"
	defaultWSURL   = "wss://ws.kraken.com"
	sourceName     = "kraken"
)

// Adapter is the kraken source.Adapter implementation.
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
		return nil, fmt.Errorf("kraken: %w", err)
	}

	a := &Adapter{cfg: cfg, http: cli, log: log}
	if cfg.Stream != nil {
		a.stream = newStreamService(cfg, log)
	}
	return a, nil
}

func (a *Adapter) Name() string                         { return sourceName }
func (a *Adapter) GetConfig() quote.SourceAdapterConfig { return a.cfg }

// toWSName is Kraken's WebSocket pair naming (e.g. "XBT/USD"); "BTC" is
// aliased to "XBT" as Kraken itself does internally.
func toWSName(p quote.Pair) string {
	base := strings.ToUpper(p.Base)
	if base == "BTC" {
		base = "XBT"
	}
	return base + "/" + strings.ToUpper(p.Quote)
}

// toRESTPair is Kraken's REST "pair" naming, which drops the slash.
func toRESTPair(p quote.Pair) string {
	return strings.ReplaceAll(toWSName(p), "/", "")
}

type tickerEnvelope struct {
	Error  []string                  `json:"error"`
	Result map[string]tickerResult   `json:"result"`
}

type tickerResult struct {
	C []string `json:"c"` // [price, lot volume]
}

// FetchQuote fetches a single pair via FetchQuotes, matching Kraken's REST
// API which only exposes the batched form.
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

// FetchQuotes fetches multiple pairs in one call via the comma-separated
// "pair" query parameter.
func (a *Adapter) FetchQuotes(ctx context.Context, pairs []quote.Pair) ([]quote.Quote, error) {
	if a.cfg.MaxBatchSize > 0 && len(pairs) > a.cfg.MaxBatchSize {
		return nil, quoteerr.BatchSizeExceeded(len(pairs), a.cfg.MaxBatchSize, sourceName)
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	restToPair := make(map[string]quote.Pair, len(pairs))
	restNames := make([]string, len(pairs))
	for i, p := range pairs {
		rest := toRESTPair(p)
		restNames[i] = rest
		restToPair[rest] = p
	}

	resp, err := a.http.Get(ctx, "/0/public/Ticker", map[string]string{"pair": strings.Join(restNames, ",")}, nil)
	if err != nil {
		return nil, quoteerr.FromTransportError(sourceName, quote.Pair{}, err, int(a.cfg.Timeout/time.Millisecond))
	}
	if resp.Status != 200 {
		return nil, quoteerr.FromHTTPStatus(sourceName, quote.Pair{}, resp.Status)
	}

	var env tickerEnvelope
	if err := json.Unmarshal(resp.Data, &env); err != nil {
		return nil, fmt.Errorf("kraken: decode batch response: %w", err)
	}
	if len(env.Error) > 0 {
		return nil, quoteerr.PriceNotFound(sourceName, quote.Pair{})
	}

	now := time.Now().UTC()
	out := make([]quote.Quote, 0, len(env.Result))
	for key, tr := range env.Result {
		pair, ok := restToPair[krakenAltName(key)]
		if !ok {
			continue
		}
		if len(tr.C) == 0 {
			continue
		}
		price, err := quote.ValidatePrice(tr.C[0])
		if err != nil {
			continue
		}
		out = append(out, quote.Quote{Pair: pair, Price: price, ReceivedAt: now})
	}
	return out, nil
}

// krakenAltName normalizes Kraken's result keys, which sometimes carry a
// legacy "X"/"Z" prefix (e.g. "XXBTZUSD") instead of the requested name.
func krakenAltName(key string) string {
	if len(key) == 8 && (key[0] == 'X' || key[0] == 'Z') {
		base, quoteSym := key[:4], key[4:]
		base = strings.TrimPrefix(base, "X")
		base = strings.TrimPrefix(base, "Z")
		quoteSym = strings.TrimPrefix(quoteSym, "X")
		quoteSym = strings.TrimPrefix(quoteSym, "Z")
		return base + quoteSym
	}
	return key
}

func (a *Adapter) GetStreamService() source.StreamService {
	return a.stream
}

var _ source.Adapter = (*Adapter)(nil)
var _ source.BatchFetcher = (*Adapter)(nil)

// streamService adapts Kraken's public WebSocket ticker subscription to
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
				log.Debug("kraken stream error", slog.Any("error", err))
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

type subscription struct {
	Name string `json:"name"`
}

func (s *streamService) sendSubscribe(pair quote.Pair) (string, error) {
	name := toWSName(pair)
	frame, _ := json.Marshal(map[string]any{
		"event":        "subscribe",
		"pair":         []string{name},
		"subscription": subscription{Name: "ticker"},
	})
	s.conn.Send(frame)
	return name, nil
}

func (s *streamService) sendUnsubscribe(identifier string) error {
	frame, _ := json.Marshal(map[string]any{
		"event":        "unsubscribe",
		"pair":         []string{identifier},
		"subscription": subscription{Name: "ticker"},
	})
	s.conn.Send(frame)
	return nil
}

// decodeQuote reads the pair name and the "c" field of a ticker array update:
// [channelID, {"c": [price, lotVolume], ...}, "ticker", "XBT/USD"].
func (s *streamService) decodeQuote(raw []byte) (identifier, price string, ok bool) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 4 {
		return "", "", false
	}

	var channelName string
	if err := json.Unmarshal(frame[2], &channelName); err != nil || channelName != "ticker" {
		return "", "", false
	}

	var pairName string
	if err := json.Unmarshal(frame[3], &pairName); err != nil {
		return "", "", false
	}

	var payload struct {
		C []string `json:"c"`
	}
	if err := json.Unmarshal(frame[1], &payload); err != nil || len(payload.C) == 0 {
		return "", "", false
	}

	return pairName, payload.C[0], true
}

func (s *streamService) makeQuote(pair quote.Pair, price string) quote.Quote {
	return quote.Quote{Pair: pair, Price: price, ReceivedAt: time.Now().UTC()}
}

var _ source.StreamService = (*streamService)(nil)

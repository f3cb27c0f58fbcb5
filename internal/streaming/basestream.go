// Package streaming implements Component J: the streaming coordinator that
// drives every WebSocket-backed adapter through subscribe/unsubscribe, plus
// BaseStreamService, the composable struct each streaming adapter embeds
// for identifier<->pair bookkeeping and reconnect resubscription. Grounded
// directly on the Kraken reference client's subscribe/resubscribe-on-
// reconnect/reference-counting pattern, generalized per spec §9
// ("composition: a reusable struct holding subscription state and
// reconnect logic; adapter-specific encoders/decoders injected via
// function pointers").
package streaming

import (
	"context"
	"log/slog"
	"sync"

	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/wsclient"
)

// Subscriber handles is one delivered quote, matching source.StreamService's
// onQuote/onError callback shape.
type Subscriber struct {
	OnQuote func(quote.Quote)
	OnError func(error)
}

// BaseStreamService holds the identifier<->pair bookkeeping shared by every
// streaming adapter, plus resubscribe-on-reconnect. Adapter-specific wire
// encoding is injected via the Subscribe/Unsubscribe/DecodeQuote function
// fields rather than subclassed.
type BaseStreamService struct {
	Conn *wsclient.Client

	// Subscribe writes the adapter-specific subscribe frame for pair,
	// returning the wire identifier the upstream will tag updates with.
	Subscribe func(pair quote.Pair) (identifier string, err error)
	// Unsubscribe writes the adapter-specific unsubscribe frame for identifier.
	Unsubscribe func(identifier string) error
	// DecodeQuote parses one inbound frame into (identifier, price), ok=false
	// when the frame isn't a price update (e.g. a heartbeat/ack frame).
	DecodeQuote func(raw []byte) (identifier string, price string, ok bool)

	log *slog.Logger

	mu           sync.Mutex
	idToPair     map[string]quote.Pair
	pairToID     map[string]string
	subscribers  map[string]Subscriber // keyed by pair.Key()
	refCounts    map[string]int        // keyed by pair.Key()
}

func NewBaseStreamService(conn *wsclient.Client, log *slog.Logger) *BaseStreamService {
	return &BaseStreamService{
		Conn:        conn,
		log:         log,
		idToPair:    make(map[string]quote.Pair),
		pairToID:    make(map[string]string),
		subscribers: make(map[string]Subscriber),
		refCounts:   make(map[string]int),
	}
}

// SubscribePair establishes (or reference-counts) a subscription for pair.
func (b *BaseStreamService) SubscribePair(ctx context.Context, pair quote.Pair, sub Subscriber) error {
	b.mu.Lock()
	if _, already := b.pairToID[pair.Key()]; already {
		b.refCounts[pair.Key()]++
		b.subscribers[pair.Key()] = sub
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	identifier, err := b.Subscribe(pair)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.idToPair[identifier] = pair
	b.pairToID[pair.Key()] = identifier
	b.subscribers[pair.Key()] = sub
	b.refCounts[pair.Key()] = 1
	b.mu.Unlock()
	return nil
}

// UnsubscribePair tears down one reference; only the last unsubscribe
// actually unsubscribes upstream, per spec §4.J.
func (b *BaseStreamService) UnsubscribePair(pair quote.Pair) error {
	b.mu.Lock()
	identifier, ok := b.pairToID[pair.Key()]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	b.refCounts[pair.Key()]--
	if b.refCounts[pair.Key()] > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.pairToID, pair.Key())
	delete(b.idToPair, identifier)
	delete(b.subscribers, pair.Key())
	delete(b.refCounts, pair.Key())
	b.mu.Unlock()

	return b.Unsubscribe(identifier)
}

// IsSubscribed reports whether pair currently has an active subscription.
func (b *BaseStreamService) IsSubscribed(pair quote.Pair) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pairToID[pair.Key()]
	return ok
}

// Resubscribe re-issues Subscribe for every currently-tracked pair, called
// after a successful reconnect (spec §4.J's BaseStreamService protocol).
func (b *BaseStreamService) Resubscribe() {
	b.mu.Lock()
	pairs := make([]quote.Pair, 0, len(b.idToPair))
	for _, p := range b.idToPair {
		pairs = append(pairs, p)
	}
	b.mu.Unlock()

	newIDToPair := make(map[string]quote.Pair, len(pairs))
	newPairToID := make(map[string]string, len(pairs))
	for _, p := range pairs {
		identifier, err := b.Subscribe(p)
		if err != nil {
			if b.log != nil {
				b.log.Warn("resubscribe failed", slog.String("pair", p.Key()), slog.Any("error", err))
			}
			continue
		}
		newIDToPair[identifier] = p
		newPairToID[p.Key()] = identifier
	}

	b.mu.Lock()
	b.idToPair = newIDToPair
	b.pairToID = newPairToID
	b.mu.Unlock()
}

// HandleFrame is emitQuote: it decodes raw via DecodeQuote and, if it's a
// price update, looks up the pair for the identifier and delivers it to
// that pair's Subscriber (spec §4.J). Each pair holds a single Subscriber:
// a repeated SubscribePair for the same pair adds a reference and replaces
// the earlier Subscriber, which then receives no further quotes.
func (b *BaseStreamService) HandleFrame(raw []byte, makeQuote func(pair quote.Pair, price string) quote.Quote) {
	identifier, price, ok := b.DecodeQuote(raw)
	if !ok {
		return
	}

	b.mu.Lock()
	pair, known := b.idToPair[identifier]
	sub, hasSub := b.subscribers[pair.Key()]
	b.mu.Unlock()

	if !known || !hasSub || sub.OnQuote == nil {
		return
	}
	sub.OnQuote(makeQuote(pair, price))
}

// Package source defines the uniform adapter contract (Component C) that
// every upstream market-data integration implements. The split between a
// narrow required interface and optional capability interfaces mirrors the
// lineage's Provider/EmbeddingProvider pattern: callers type-assert for the
// optional interfaces rather than requiring every adapter to implement them.
package source

import (
	"context"

	"github.com/marketfeed/quoteproxy/internal/quote"
)

// Adapter is the contract every source integration must implement.
type Adapter interface {
	// Name identifies the source; it matches the source's key under
	// sources.<name> in configuration (e.g. "binance").
	Name() string

	// GetConfig returns the adapter's resolved configuration.
	GetConfig() quote.SourceAdapterConfig

	// FetchQuote fetches the current price for pair. Errors are normalized
	// into the *quoteerr.Error taxonomy before returning.
	FetchQuote(ctx context.Context, pair quote.Pair) (quote.Quote, error)
}

// BatchFetcher is implemented by adapters that support fetching multiple
// pairs in one upstream call. Presence of this interface is the capability
// query the batch coordinator (Component G) consults.
type BatchFetcher interface {
	// FetchQuotes fetches pairs in one call. May legitimately return a
	// subset if the provider silently omits unknown pairs. Must fail with
	// quoteerr.BatchSizeExceeded when len(pairs) exceeds MaxBatchSize.
	FetchQuotes(ctx context.Context, pairs []quote.Pair) ([]quote.Quote, error)
}

// PairLister is implemented by adapters that can enumerate their full
// tradeable universe, for the GET /sources/{source}/pairs diagnostic route.
type PairLister interface {
	GetPairs(ctx context.Context) ([]quote.Pair, error)
}

// StreamServiceProvider is implemented by adapters backed by a streaming
// (WebSocket) upstream.
type StreamServiceProvider interface {
	GetStreamService() StreamService
}

// StreamService is the per-adapter streaming contract the streaming
// coordinator (Component J) drives.
type StreamService interface {
	// Connect establishes (or reuses) the adapter's WebSocket connection.
	Connect(ctx context.Context) error
	// Disconnect tears down the connection, swallowing teardown errors.
	Disconnect() error
	// Subscribe starts delivering quotes for pair to onQuote; onError
	// receives adapter-level stream errors, never client-visible.
	Subscribe(ctx context.Context, pair quote.Pair, onQuote func(quote.Quote), onError func(error)) error
	// Unsubscribe tears down the subscription for pair.
	Unsubscribe(pair quote.Pair) error
}

// IsBatchCapable is the isFetchQuotesSupported capability query (spec §4.D).
func IsBatchCapable(a Adapter) bool {
	_, ok := a.(BatchFetcher)
	return ok
}

// IsStreamCapable reports whether an adapter supports streaming.
func IsStreamCapable(a Adapter) bool {
	_, ok := a.(StreamServiceProvider)
	return ok
}

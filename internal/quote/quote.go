// Package quote defines the data model shared by every component of the
// pricing engine: pairs, quotes, cache metadata, pair registrations, and
// per-source adapter configuration.
package quote

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Pair is an ordered (base, quote) asset symbol pair, e.g. (BTC, USDT).
// Case is preserved as registered; adapters normalize case when comparing.
type Pair struct {
	Base  string
	Quote string
}

// Key returns the canonical "BASE/QUOTE" form used in cache keys and logs.
func (p Pair) Key() string {
	return p.Base + "/" + p.Quote
}

func (p Pair) String() string { return p.Key() }

// Equal compares two pairs case-insensitively, matching adapter normalization.
func (p Pair) Equal(o Pair) bool {
	return strings.EqualFold(p.Base, o.Base) && strings.EqualFold(p.Quote, o.Quote)
}

// Valid reports whether both symbols are non-empty.
func (p Pair) Valid() bool { return p.Base != "" && p.Quote != "" }

// priceFormat is the invariant from spec §3: an optionally-signed decimal,
// optionally in scientific notation.
var priceFormat = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// ValidatePrice checks the §3 price-string invariant after trimming
// whitespace and returns the trimmed string.
func ValidatePrice(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !priceFormat.MatchString(trimmed) {
		return "", fmt.Errorf("quote: invalid price format %q", raw)
	}
	// Round-trip through decimal to catch anything the regex missed (e.g.
	// exponents decimal can't represent) without losing provider precision
	// by converting through float64.
	if _, err := decimal.NewFromString(trimmed); err != nil {
		return "", fmt.Errorf("quote: invalid price %q: %w", raw, err)
	}
	return trimmed, nil
}

// Quote is a single price observation for a pair.
type Quote struct {
	Pair       Pair
	Price      string // decimal-as-string, see ValidatePrice
	ReceivedAt time.Time
}

// CachedQuote is a Quote annotated with the source that produced it and the
// time it entered the cache. Invariant: CachedAt >= ReceivedAt - skew.
type CachedQuote struct {
	Quote
	Source   string
	CachedAt time.Time
}

// CacheMetadata describes one cache entry's lifecycle, independent of its
// stored value. Invariants: ExpiresAt = CachedAt + TTL;
// StaleTriggerBeforeExpiry < TTL.
type CacheMetadata struct {
	Source                  string
	Pair                    Pair
	CachedAt                time.Time
	ExpiresAt               time.Time
	TTL                     time.Duration
	StaleTriggerBeforeExpiry time.Duration
	LastRefreshedAt         time.Time
}

// CacheKey returns the "quote:{source}:{base}/{quote}" cache key for (source, pair).
func CacheKey(source string, pair Pair) string {
	return "quote:" + source + ":" + pair.Key()
}

// StaleItem is a single cache entry that has crossed its stale trigger.
type StaleItem struct {
	Source    string
	Pair      Pair
	ExpiresAt time.Time
}

// StaleBatch is a debounced group of StaleItems emitted together.
type StaleBatch struct {
	Items          []StaleItem
	BatchTimestamp time.Time
}

// PairRegistration tracks one (pair, source) the engine is serving.
// Invariant: RegisteredAt <= LastRequestAt; LastFetchAt/LastResponseAt
// default to the zero time until the first success.
type PairRegistration struct {
	Pair           Pair
	Source         string
	RegisteredAt   time.Time
	LastFetchAt    time.Time
	LastResponseAt time.Time
	LastRequestAt  time.Time
}

// RetryMetadata tracks a failed-pair retry-queue entry.
// Invariant: 1 <= Attempt <= MaxAttempts; NextRetryAt = LastAttemptAt + RetryDelay.
type RetryMetadata struct {
	Source        string
	Pair          Pair
	Attempt       int
	FirstFailedAt time.Time
	LastAttemptAt time.Time
	NextRetryAt   time.Time
}

// SourceAdapterConfig is the per-source configuration recognized by
// Component A/C/D (spec §3/§6).
type SourceAdapterConfig struct {
	Enabled       bool
	APIKey        string
	TTL           time.Duration
	MaxConcurrent int
	Timeout       time.Duration
	RPS           *float64 // nil = unlimited
	UseProxy      bool
	ProxyURL      string // set when UseProxy is a URL rather than a bare bool
	MaxRetries    int
	Refetch       bool
	MaxBatchSize  int // 0 = batching unsupported
	BaseURL       string
	Stream        *StreamConfig
}

// StreamConfig configures a streaming-capable source's WebSocket client.
type StreamConfig struct {
	AutoReconnect       bool
	ReconnectInterval   time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval   time.Duration
	WSURL               string
	BatchSize           int
	RateLimit           *float64
}

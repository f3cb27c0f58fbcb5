// Package quoteerr implements the error taxonomy of spec §7: a closed set of
// typed errors that every source adapter normalizes upstream failures into,
// each carrying its retry policy and HTTP status.
package quoteerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/marketfeed/quoteproxy/internal/quote"
)

// Kind identifies one of the taxonomy's error cases.
type Kind string

const (
	KindPriceNotFound     Kind = "price_not_found"
	KindUnauthorized      Kind = "unauthorized"
	KindRateLimited       Kind = "rate_limited"
	KindBatchSizeExceeded Kind = "batch_size_exceeded"
	KindSourceAPI         Kind = "source_api"
	KindTimeout           Kind = "timeout"
	KindSourceUnsupported Kind = "source_unsupported"
	KindSourceDisabled    Kind = "source_disabled"
)

// Error is the concrete error type carried through the engine. Adapters
// construct one of these via the constructors below; callers type-assert
// with errors.As or inspect Kind directly via As(err).
type Error struct {
	Kind       Kind
	Source     string
	Pair       quote.Pair
	StatusCode int // upstream status, when relevant (SourceApi, RateLimited)
	Max        int // BatchSizeExceeded: configured max
	N          int // BatchSizeExceeded: actual count
	TTL        int // Timeout: configured timeout in ms
	msg        string
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg
	}
	switch e.Kind {
	case KindPriceNotFound:
		return fmt.Sprintf("quoteerr: price not found for %s on %s", e.Pair, e.Source)
	case KindUnauthorized:
		return fmt.Sprintf("quoteerr: unauthorized for source %s", e.Source)
	case KindRateLimited:
		return fmt.Sprintf("quoteerr: rate limited by source %s", e.Source)
	case KindBatchSizeExceeded:
		return fmt.Sprintf("quoteerr: batch size %d exceeds max %d for source %s", e.N, e.Max, e.Source)
	case KindSourceAPI:
		return fmt.Sprintf("quoteerr: source %s api error (status %d)", e.Source, e.StatusCode)
	case KindTimeout:
		return fmt.Sprintf("quoteerr: source %s timed out fetching %s after %dms", e.Source, e.Pair, e.TTL)
	case KindSourceUnsupported:
		return fmt.Sprintf("quoteerr: source %s is unsupported", e.Source)
	case KindSourceDisabled:
		return fmt.Sprintf("quoteerr: source %s is disabled", e.Source)
	default:
		return fmt.Sprintf("quoteerr: %s", e.Kind)
	}
}

// HTTPStatus maps the error kind to the status code named in spec §7.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindPriceNotFound:
		return 404
	case KindUnauthorized:
		return 401
	case KindRateLimited:
		return 429
	case KindBatchSizeExceeded:
		return 400
	case KindSourceAPI:
		if e.StatusCode >= 500 || e.StatusCode == 0 {
			return 502
		}
		return 400
	case KindTimeout:
		return 408
	case KindSourceUnsupported:
		return 400
	case KindSourceDisabled:
		return 404
	default:
		return 500
	}
}

// Retryable reports whether the refetch scheduler/retry queue should retry
// the fetch that produced this error (spec §7's "Retried?" column).
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout:
		return true
	case KindSourceAPI:
		return e.StatusCode >= 500 || e.StatusCode == 0
	default:
		return false
	}
}

// Deregisters reports whether this error should cause the pair to be
// removed from the source's registration (PriceNotFound, Unauthorized).
func (e *Error) Deregisters() bool {
	return e.Kind == KindPriceNotFound || e.Kind == KindUnauthorized
}

func PriceNotFound(source string, pair quote.Pair) *Error {
	return &Error{Kind: KindPriceNotFound, Source: source, Pair: pair}
}

func Unauthorized(source string) *Error {
	return &Error{Kind: KindUnauthorized, Source: source}
}

func RateLimited(source string) *Error {
	return &Error{Kind: KindRateLimited, Source: source}
}

func BatchSizeExceeded(n, max int, source string) *Error {
	return &Error{Kind: KindBatchSizeExceeded, Source: source, N: n, Max: max}
}

func SourceAPI(source string, status int) *Error {
	return &Error{Kind: KindSourceAPI, Source: source, StatusCode: status}
}

func Timeout(source string, pair quote.Pair, ttlMs int) *Error {
	return &Error{Kind: KindTimeout, Source: source, Pair: pair, TTL: ttlMs}
}

func SourceUnsupported(name string) *Error {
	return &Error{Kind: KindSourceUnsupported, Source: name}
}

func SourceDisabled(name string) *Error {
	return &Error{Kind: KindSourceDisabled, Source: name}
}

// As extracts a *Error from err, following the same convention as errors.As.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// FromTransportError classifies a transport-level failure out of
// internal/httpclient.Client.Get — one that never produced an HTTP response
// at all. A context-deadline timeout is its own taxonomy entry (spec §4.A:
// "on timeout fails with Timeout", §7's distinct 408/retryable semantics);
// every other transport failure (DNS, connection refused, TLS, body read) is
// a generic SourceApi.
func FromTransportError(source string, pair quote.Pair, err error, timeoutMs int) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(source, pair, timeoutMs)
	}
	return SourceAPI(source, 0)
}

// FromHTTPStatus classifies a raw upstream HTTP status into the taxonomy;
// every adapter calls it directly for an error status (spec §9's
// "decorator-based error mapping becomes a wrapper function").
func FromHTTPStatus(source string, pair quote.Pair, status int) *Error {
	switch {
	case status == 404:
		return PriceNotFound(source, pair)
	case status == 401 || status == 403:
		return Unauthorized(source)
	case status == 429:
		return RateLimited(source)
	default:
		return SourceAPI(source, status)
	}
}

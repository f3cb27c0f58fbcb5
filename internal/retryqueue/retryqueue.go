// Package retryqueue implements Component K: the failed-pair retry queue
// that backs off fetch attempts with a fixed delay and a bounded attempt
// count, invoking a single registered callback on each scan that finds due
// entries. Grounded on the lineage's internal/logger (now internal/auditlog)
// ticker-driven periodic-flush shape, here applied to a retry-delay scan
// instead of a log buffer.
package retryqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marketfeed/quoteproxy/internal/metrics"
	"github.com/marketfeed/quoteproxy/internal/quote"
)

// Entry is a single failed (source, pair) in the queue.
type Entry struct {
	Source string
	Pair   quote.Pair
}

// Callback is invoked with every entry whose NextRetryAt is due. It is
// responsible for actually retrying and calling RemoveFromRetryQueue on
// success.
type Callback func(entries []Entry)

// Queue is the failed-pair retry queue.
type Queue struct {
	maxAttempts   int
	retryDelay    time.Duration
	checkInterval time.Duration

	prom *metrics.Registry
	log  *slog.Logger

	mu       sync.Mutex
	items    map[string]*quote.RetryMetadata
	callback Callback

	done chan struct{}
}

type Config struct {
	MaxAttempts   int
	RetryDelay    time.Duration
	CheckInterval time.Duration
}

func New(cfg Config, prom *metrics.Registry, log *slog.Logger) *Queue {
	return &Queue{
		maxAttempts:   cfg.MaxAttempts,
		retryDelay:    cfg.RetryDelay,
		checkInterval: cfg.CheckInterval,
		prom:          prom,
		log:           log,
		items:         make(map[string]*quote.RetryMetadata),
		done:          make(chan struct{}),
	}
}

// RegisterRetryCallback sets the callback invoked on each scan with due
// entries. Only one callback is supported, matching spec semantics.
func (q *Queue) RegisterRetryCallback(cb Callback) {
	q.mu.Lock()
	q.callback = cb
	q.mu.Unlock()
}

// TrackFailedPair records a failed fetch. New entries start at attempt=1;
// repeat failures increment attempt and evict once it exceeds maxAttempts.
func (q *Queue) TrackFailedPair(source string, pair quote.Pair) {
	key := source + ":" + pair.Key()
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	meta, ok := q.items[key]
	if !ok {
		q.items[key] = &quote.RetryMetadata{
			Source: source, Pair: pair, Attempt: 1,
			FirstFailedAt: now, LastAttemptAt: now, NextRetryAt: now.Add(q.retryDelay),
		}
		if q.prom != nil {
			q.prom.FailedPairRetryAttempt(source, pair.Key())
			q.prom.SetFailedPairsCount(len(q.items))
		}
		return
	}

	meta.Attempt++
	meta.LastAttemptAt = now
	meta.NextRetryAt = now.Add(q.retryDelay)

	if q.prom != nil {
		q.prom.FailedPairRetryAttempt(source, pair.Key())
	}

	if meta.Attempt > q.maxAttempts {
		delete(q.items, key)
		if q.prom != nil {
			q.prom.FailedPairMaxAttemptsReached(source, pair.Key())
			q.prom.SetFailedPairsCount(len(q.items))
		}
	}
}

// RemoveFromRetryQueue removes (source, pair), typically called by the
// retry callback on success.
func (q *Queue) RemoveFromRetryQueue(source string, pair quote.Pair) {
	key := source + ":" + pair.Key()
	q.mu.Lock()
	delete(q.items, key)
	n := len(q.items)
	q.mu.Unlock()

	if q.prom != nil {
		q.prom.SetFailedPairsCount(n)
	}
}

// GetRetryStatus returns a snapshot of every entry in the queue.
func (q *Queue) GetRetryStatus() []quote.RetryMetadata {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]quote.RetryMetadata, 0, len(q.items))
	for _, m := range q.items {
		out = append(out, *m)
	}
	return out
}

// Run starts the ticking scan loop, invoking the registered callback once
// per checkInterval with every entry whose NextRetryAt is due. Blocks until
// ctx is cancelled or Stop is called.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-ticker.C:
			q.scan()
		}
	}
}

// Stop halts the scan loop.
func (q *Queue) Stop() { close(q.done) }

func (q *Queue) scan() {
	now := time.Now()

	q.mu.Lock()
	var due []Entry
	for _, m := range q.items {
		if !now.Before(m.NextRetryAt) {
			due = append(due, Entry{Source: m.Source, Pair: m.Pair})
		}
	}
	cb := q.callback
	q.mu.Unlock()

	if len(due) == 0 || cb == nil {
		return
	}
	cb(due)
}

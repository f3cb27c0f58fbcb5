package cache

import (
	"context"
	"testing"
	"time"

	"github.com/marketfeed/quoteproxy/internal/metrics"
	"github.com/marketfeed/quoteproxy/internal/quote"
)

func TestQuoteCache_PutGetRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := NewMemoryCache(ctx)
	defer backend.Close()

	qc := NewQuoteCache(ctx, backend, metrics.New(), nil, 10*time.Millisecond, 0)
	defer qc.Close()

	pair := quote.Pair{Base: "BTC", Quote: "USDT"}
	q := quote.Quote{Pair: pair, Price: "65000.12", ReceivedAt: time.Now()}

	if err := qc.Put(ctx, "binance", pair, q, time.Minute, 10*time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := qc.Get(ctx, "binance", pair)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Price != "65000.12" || got.Source != "binance" {
		t.Errorf("unexpected cached quote: %+v", got)
	}
}

func TestQuoteCache_GetReportsMissForAbsentKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := NewMemoryCache(ctx)
	defer backend.Close()

	qc := NewQuoteCache(ctx, backend, metrics.New(), nil, 10*time.Millisecond, 0)
	defer qc.Close()

	_, ok := qc.Get(ctx, "binance", quote.Pair{Base: "ETH", Quote: "USDT"})
	if ok {
		t.Fatal("expected cache miss")
	}
}

func TestQuoteCache_StaleTriggerEmitsBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := NewMemoryCache(ctx)
	defer backend.Close()

	qc := NewQuoteCache(ctx, backend, metrics.New(), nil, 5*time.Millisecond, 0)
	defer qc.Close()

	pair := quote.Pair{Base: "BTC", Quote: "USDT"}
	q := quote.Quote{Pair: pair, Price: "1", ReceivedAt: time.Now()}

	// TTL 20ms, stale trigger 15ms before expiry: fires almost immediately.
	if err := qc.Put(ctx, "binance", pair, q, 20*time.Millisecond, 15*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case batch := <-qc.Stale():
		if len(batch.Items) != 1 || batch.Items[0].Pair != pair {
			t.Errorf("unexpected stale batch: %+v", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stale batch")
	}
}

func TestQuoteCache_RePutCancelsPriorStaleTimer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := NewMemoryCache(ctx)
	defer backend.Close()

	qc := NewQuoteCache(ctx, backend, metrics.New(), nil, 5*time.Millisecond, 0)
	defer qc.Close()

	pair := quote.Pair{Base: "BTC", Quote: "USDT"}
	q := quote.Quote{Pair: pair, Price: "1", ReceivedAt: time.Now()}

	// First Put's stale timer would fire at ~5ms (20ms TTL minus 15ms lead)
	// if left uncancelled.
	if err := qc.Put(ctx, "binance", pair, q, 20*time.Millisecond, 15*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Re-Put with a longer TTL before the first timer fires.
	if err := qc.Put(ctx, "binance", pair, q, time.Hour, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case batch := <-qc.Stale():
		t.Fatalf("expected the superseded timer to be cancelled, got stale batch: %+v", batch)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQuoteCache_NoTimerWhenTriggerExceedsTTL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := NewMemoryCache(ctx)
	defer backend.Close()

	qc := NewQuoteCache(ctx, backend, metrics.New(), nil, 5*time.Millisecond, 0)
	defer qc.Close()

	pair := quote.Pair{Base: "BTC", Quote: "USDT"}
	q := quote.Quote{Pair: pair, Price: "1", ReceivedAt: time.Now()}

	if err := qc.Put(ctx, "binance", pair, q, 10*time.Millisecond, 10*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}

	qc.mu.Lock()
	n := qc.timers.Len()
	qc.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no stale timer scheduled, got %d", n)
	}

	select {
	case batch := <-qc.Stale():
		t.Fatalf("expected no stale batch, got %+v", batch)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQuoteCache_MinTimeBetweenRefreshesDropsEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := NewMemoryCache(ctx)
	defer backend.Close()

	qc := NewQuoteCache(ctx, backend, metrics.New(), nil, 5*time.Millisecond, time.Hour)
	defer qc.Close()

	pair := quote.Pair{Base: "BTC", Quote: "USDT"}
	q := quote.Quote{Pair: pair, Price: "1", ReceivedAt: time.Now()}

	// Stale trigger fires almost immediately, but LastRefreshedAt was just
	// set by Put, so minTimeBetweenRefreshes (1h) should suppress the event.
	if err := qc.Put(ctx, "binance", pair, q, 20*time.Millisecond, 15*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case batch := <-qc.Stale():
		t.Fatalf("expected event to be dropped by minTimeBetweenRefreshes, got %+v", batch)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQuoteCache_DelRemovesEntryAndCancelsTimer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := NewMemoryCache(ctx)
	defer backend.Close()

	qc := NewQuoteCache(ctx, backend, metrics.New(), nil, 5*time.Millisecond, 0)
	defer qc.Close()

	pair := quote.Pair{Base: "BTC", Quote: "USDT"}
	q := quote.Quote{Pair: pair, Price: "1", ReceivedAt: time.Now()}

	if err := qc.Put(ctx, "binance", pair, q, 20*time.Millisecond, 15*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := qc.Del(ctx, "binance", pair); err != nil {
		t.Fatalf("Del: %v", err)
	}

	if _, ok := qc.Get(ctx, "binance", pair); ok {
		t.Fatal("expected cache miss after Del")
	}
	if _, ok := qc.Metadata("binance", pair); ok {
		t.Fatal("expected no metadata after Del")
	}

	select {
	case batch := <-qc.Stale():
		t.Fatalf("expected deleted entry's timer to be cancelled, got %+v", batch)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQuoteCache_ClearRemovesAllEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := NewMemoryCache(ctx)
	defer backend.Close()

	qc := NewQuoteCache(ctx, backend, metrics.New(), nil, 5*time.Millisecond, 0)
	defer qc.Close()

	btc := quote.Pair{Base: "BTC", Quote: "USDT"}
	eth := quote.Pair{Base: "ETH", Quote: "USDT"}
	q := quote.Quote{Price: "1", ReceivedAt: time.Now()}

	if err := qc.Put(ctx, "binance", btc, q, time.Minute, time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := qc.Put(ctx, "binance", eth, q, time.Minute, time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := qc.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if len(qc.GetMetadata()) != 0 {
		t.Errorf("expected empty metadata after Clear, got %d entries", len(qc.GetMetadata()))
	}
	if _, ok := qc.Get(ctx, "binance", btc); ok {
		t.Error("expected cache miss after Clear")
	}
	if _, ok := qc.Get(ctx, "binance", eth); ok {
		t.Error("expected cache miss after Clear")
	}
}

func TestQuoteCache_GetMetadataReturnsSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := NewMemoryCache(ctx)
	defer backend.Close()

	qc := NewQuoteCache(ctx, backend, metrics.New(), nil, 5*time.Millisecond, 0)
	defer qc.Close()

	pair := quote.Pair{Base: "BTC", Quote: "USDT"}
	q := quote.Quote{Pair: pair, Price: "1", ReceivedAt: time.Now()}
	if err := qc.Put(ctx, "binance", pair, q, time.Minute, time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}

	snapshot := qc.GetMetadata()
	md, ok := snapshot[quote.CacheKey("binance", pair)]
	if !ok {
		t.Fatal("expected metadata entry for the cached key")
	}
	if md.Source != "binance" || !md.Pair.Equal(pair) {
		t.Errorf("unexpected metadata: %+v", md)
	}
}

func TestQuoteCache_ResolveTTLFirstMatchWins(t *testing.T) {
	qc := &QuoteCache{
		pairsTTL: []PairTTLOverride{
			{Source: "binance", Pair: quote.Pair{Base: "BTC", Quote: "USDT"}, TTL: 5 * time.Second},
			{Pair: quote.Pair{Quote: "USDT"}, TTL: 10 * time.Second},
			{TTL: 30 * time.Second},
		},
	}

	if got := qc.ResolveTTL("binance", quote.Pair{Base: "BTC", Quote: "USDT"}, time.Minute); got != 5*time.Second {
		t.Errorf("expected exact-match override, got %v", got)
	}
	if got := qc.ResolveTTL("okx", quote.Pair{Base: "ETH", Quote: "USDT"}, time.Minute); got != 10*time.Second {
		t.Errorf("expected quote-wildcard override, got %v", got)
	}
	if got := qc.ResolveTTL("okx", quote.Pair{Base: "ETH", Quote: "EUR"}, time.Minute); got != 30*time.Second {
		t.Errorf("expected catch-all override, got %v", got)
	}
}

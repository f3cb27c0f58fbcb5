package auditlog

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := New(ctx, Config{}, log, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogger_LogWithoutClickHouseFallsBackToSlog(t *testing.T) {
	l := newTestLogger(t)

	l.Log(Entry{ID: uuid.New(), Source: "binance", Base: "BTC", Quote: "USDT", Price: "65000"})

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if l.DroppedEntries() != 0 {
		t.Errorf("expected no dropped entries, got %d", l.DroppedEntries())
	}
}

func TestLogger_LogDropsWhenBufferFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := New(ctx, Config{}, log, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	for i := 0; i < channelBuffer+100; i++ {
		l.Log(Entry{ID: uuid.New(), Source: "binance"})
	}

	if l.DroppedEntries() == 0 {
		t.Error("expected some entries to be dropped once the buffer filled")
	}
}

func TestLogger_CloseFlushesRemainingEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := New(ctx, Config{}, log, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 5; i++ {
		l.Log(Entry{ID: uuid.New(), Source: "okx", CreatedAt: time.Now()})
	}

	done := make(chan struct{})
	go func() {
		l.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return in time")
	}
}

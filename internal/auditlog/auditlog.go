// Package auditlog implements a non-blocking, batched audit logger for
// quote fetches.
//
// Entries are written to an internal buffered channel and flushed in
// batches by a background goroutine to ClickHouse — so audit logging never
// blocks the quote-serving hot path. If the channel fills up (> 10 000
// entries), new entries are dropped and counted via DroppedEntries. A
// ClickHouse write failure is logged and counted as an
// "auditlog_write_failed" app error; it never propagates back to the caller.
package auditlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	"github.com/marketfeed/quoteproxy/internal/metrics"
)

const (
	channelBuffer = 10_000
	batchSize     = 200
	flushInterval = time.Second
)

// Entry is one audited quote fetch.
type Entry struct {
	ID         uuid.UUID
	Source     string
	Base       string
	Quote      string
	Price      string
	CacheHit   bool
	LatencyMs  uint32
	Error      string
	CreatedAt  time.Time
}

// Logger batches Entry values and flushes them to ClickHouse.
type Logger struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedEntries int64

	conn    clickhouse.Conn
	table   string
	baseCtx context.Context
	log     *slog.Logger
	prom    *metrics.Registry
}

// Config configures the ClickHouse connection used for audit writes.
type Config struct {
	Addr     []string
	Database string
	Username string
	Password string
	Table    string // defaults to "quote_audit_log"
}

// New dials ClickHouse and starts the background flush loop. If dialing
// fails (logged at warn level), New still returns a working Logger whose
// flushes write each entry to slog at info level instead — audit logging is
// never allowed to prevent startup.
func New(ctx context.Context, cfg Config, slogger *slog.Logger, prom *metrics.Registry) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("auditlog: context must not be nil")
	}
	if slogger == nil {
		return nil, fmt.Errorf("auditlog: logger must not be nil")
	}
	table := cfg.Table
	if table == "" {
		table = "quote_audit_log"
	}

	var conn clickhouse.Conn
	if len(cfg.Addr) > 0 {
		var err error
		conn, err = clickhouse.Open(&clickhouse.Options{
			Addr: cfg.Addr,
			Auth: clickhouse.Auth{
				Database: cfg.Database,
				Username: cfg.Username,
				Password: cfg.Password,
			},
		})
		if err != nil {
			slogger.Warn("auditlog: clickhouse dial failed, audit writes disabled", slog.Any("error", err))
			conn = nil
		}
	}

	l := &Logger{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		conn:    conn,
		table:   table,
		baseCtx: ctx,
		log:     slogger,
		prom:    prom,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry for batched audit write. Non-blocking: entries are
// dropped (and counted) if the internal buffer is full.
func (l *Logger) Log(entry Entry) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedEntries, 1)
		if l.prom != nil {
			l.prom.AppError("auditlog_dropped", entry.Source)
		}
	}
}

// DroppedEntries reports how many audit entries were discarded because the
// internal buffer was full.
func (l *Logger) DroppedEntries() int64 {
	return atomic.LoadInt64(&l.droppedEntries)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.writeBatch(ctx, batch); err != nil {
			l.log.Warn("auditlog: clickhouse batch write failed", slog.Any("error", err), slog.Int("batch_size", len(batch)))
			if l.prom != nil {
				l.prom.AppError("auditlog_write_failed", "")
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func (l *Logger) writeBatch(ctx context.Context, entries []Entry) error {
	if l.conn == nil {
		for _, e := range entries {
			l.log.InfoContext(ctx, "quote audit",
				slog.String("id", e.ID.String()),
				slog.String("source", e.Source),
				slog.String("pair", e.Base+"/"+e.Quote),
				slog.String("price", e.Price),
				slog.Bool("cache_hit", e.CacheHit),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.String("error", e.Error),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		return nil
	}

	batch, err := l.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", l.table))
	if err != nil {
		return fmt.Errorf("auditlog: prepare batch: %w", err)
	}
	for _, e := range entries {
		if err := batch.Append(
			e.ID.String(),
			e.Source,
			e.Base,
			e.Quote,
			e.Price,
			e.CacheHit,
			e.LatencyMs,
			e.Error,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("auditlog: append row: %w", err)
		}
	}
	return batch.Send()
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

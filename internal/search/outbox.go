package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/telemetry"
)

// Outbox operations.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// outboxEntry is a single row of the document_outbox table.
type outboxEntry struct {
	ID         int64
	Operation  string
	SourceType string
	SourceID   string
	Document   []byte
	Attempts   int
}

// OutboxWorker polls document_outbox and applies queued writes to the store.
type OutboxWorker struct {
	pool         *pgxpool.Pool
	store        Store
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // hands the drain deadline to the final poll
}

// NewOutboxWorker creates a new outbox worker.
func NewOutboxWorker(pool *pgxpool.Pool, store Store, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		pool:         pool,
		store:        store,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Only the first call has an effect.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("document outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop after one final batch and waits for it, or for
// ctx to expire.
func (w *OutboxWorker) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("document outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

const maxOutboxAttempts = 10

func (w *OutboxWorker) processBatch(ctx context.Context) {
	if w.pool == nil || w.store == nil {
		w.logger.Warn("document outbox: not wired, skipping batch")
		return
	}
	entries, err := w.claim(ctx)
	if err != nil {
		w.logger.Error("document outbox: claim entries", "error", err)
		return
	}

	for _, e := range entries {
		if err := w.apply(ctx, e); err != nil {
			w.logger.Error("document outbox: apply entry", "error", err,
				"outbox_id", e.ID, "operation", e.Operation, "source_type", e.SourceType, "source_id", e.SourceID)
			w.failEntry(ctx, e, err.Error())
			continue
		}
		w.succeedEntry(ctx, e)
	}
	if len(entries) > 0 {
		w.logger.Info("document outbox: processed batch", "count", len(entries))
	}

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

// claim selects pending entries and locks them for 60 seconds, longer than a
// batch may run, so a second worker cannot pick them up mid-flight.
func (w *OutboxWorker) claim(ctx context.Context) ([]outboxEntry, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, operation, source_type, source_id, document, attempts
		 FROM document_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	entries, err := scanOutboxEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE document_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`, ids,
	); err != nil {
		return nil, fmt.Errorf("lock entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lock: %w", err)
	}
	return entries, nil
}

func (w *OutboxWorker) apply(ctx context.Context, e outboxEntry) error {
	switch e.Operation {
	case OpUpsert:
		var doc model.Document
		if err := json.Unmarshal(e.Document, &doc); err != nil {
			return fmt.Errorf("decode document: %w", err)
		}
		_, err := w.store.Upsert(ctx, doc)
		return err
	case OpDelete:
		return w.store.Delete(ctx, e.SourceType, e.SourceID)
	default:
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
}

func (w *OutboxWorker) succeedEntry(ctx context.Context, e outboxEntry) {
	if _, err := w.pool.Exec(ctx, `DELETE FROM document_outbox WHERE id = $1`, e.ID); err != nil {
		w.logger.Error("document outbox: delete completed entry", "error", err, "outbox_id", e.ID)
	}
}

// failEntry records the error and backs off 2^attempts seconds, capped at
// five minutes.
func (w *OutboxWorker) failEntry(ctx context.Context, e outboxEntry, errMsg string) {
	if _, err := w.pool.Exec(ctx,
		`UPDATE document_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = $2`,
		errMsg, e.ID,
	); err != nil {
		w.logger.Error("document outbox: update failed entry", "error", err, "outbox_id", e.ID)
	}
	if e.Attempts+1 >= maxOutboxAttempts {
		w.logger.Warn("document outbox: dead-letter entry",
			"outbox_id", e.ID, "operation", e.Operation,
			"source_type", e.SourceType, "source_id", e.SourceID, "attempts", e.Attempts+1)
	}
}

func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM document_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("document outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("document outbox: cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("pagecontext/outbox")

	_, _ = meter.Int64ObservableGauge("pagecontext.outbox.depth",
		metric.WithDescription("Number of pending entries in the document outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			if err := w.pool.QueryRow(ctx, `SELECT COUNT(*) FROM document_outbox WHERE attempts < $1`, maxOutboxAttempts).Scan(&count); err != nil {
				return nil
			}
			o.Observe(count)
			return nil
		}),
	)
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.Operation, &e.SourceType, &e.SourceID, &e.Document, &e.Attempts); err != nil {
			return nil, fmt.Errorf("document outbox: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

package aggregator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/config"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/metric"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/store"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/stream"
)

// consumer is the slice of stream.Consumer the worker needs; narrowed for
// tests.
type consumer interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64, block time.Duration) ([]stream.Entry, error)
	Ack(ctx context.Context, id string) error
	ClaimIdle(ctx context.Context, minIdle time.Duration, count int64) ([]stream.Entry, error)
}

// inserter is the write side of the store.
type inserter interface {
	Insert(ctx context.Context, point metric.Point) error
}

// Worker drains the stream into the store with at-least-once semantics: an
// entry is acked only after its point is persisted, and entries abandoned by
// dead consumers are reclaimed once idle.
type Worker struct {
	consumer consumer
	store    inserter

	batchSize   int64
	blockTime   time.Duration
	pendingIdle time.Duration

	ready atomic.Bool

	processedTotal prometheus.Counter
	recoveredTotal prometheus.Counter
	failedTotal    prometheus.Counter
}

func NewWorker(registry *prometheus.Registry, c *stream.Consumer, s store.Store) *Worker {
	cfg := config.DefaultConfig.Redis
	w := &Worker{
		consumer:    c,
		store:       s,
		batchSize:   int64(cfg.BatchSize),
		blockTime:   cfg.BlockTime,
		pendingIdle: cfg.PendingIdle,
	}
	w.processedTotal = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "aggregator_entries_processed_total",
		Help: "Total number of stream entries persisted and acked",
	})
	w.recoveredTotal = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "aggregator_entries_recovered_total",
		Help: "Total number of pending entries reclaimed and persisted",
	})
	w.failedTotal = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "aggregator_inserts_failed_total",
		Help: "Total number of failed inserts; entries stay pending for retry",
	})
	return w
}

// Ready reports whether the consumer group has been ensured, for /readyz.
func (w *Worker) Ready() bool {
	return w.ready.Load()
}

// Run loops until ctx is cancelled. Each iteration reads one batch, persists
// entry by entry, and falls back to claiming idle pending entries when the
// read returns nothing.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.consumer.EnsureGroup(ctx); err != nil {
		return err
	}
	w.ready.Store(true)
	slog.Info("aggregator.worker.started", "batch_size", w.batchSize, "block", w.blockTime)

	for {
		if ctx.Err() != nil {
			slog.Info("aggregator.worker.stopped")
			return nil
		}

		entries, err := w.consumer.Read(ctx, w.batchSize, w.blockTime)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("aggregator.worker.stopped")
				return nil
			}
			slog.Error("aggregator.worker.read_failed", "err", err)
			w.sleep(ctx, time.Second)
			continue
		}

		if len(entries) == 0 {
			w.processPending(ctx)
			continue
		}

		for _, entry := range entries {
			if w.persist(ctx, entry) {
				w.processedTotal.Inc()
				slog.Debug("aggregator.entry.processed", "entry_id", entry.ID, "metric", entry.Point.Name)
			}
		}
	}
}

// processPending reclaims entries left pending by dead or stuck consumers.
func (w *Worker) processPending(ctx context.Context) {
	entries, err := w.consumer.ClaimIdle(ctx, w.pendingIdle, w.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("aggregator.worker.claim_failed", "err", err)
			w.sleep(ctx, time.Second)
		}
		return
	}
	for _, entry := range entries {
		if w.persist(ctx, entry) {
			w.recoveredTotal.Inc()
			slog.Debug("aggregator.entry.recovered", "entry_id", entry.ID, "metric", entry.Point.Name)
		}
	}
}

// persist inserts then acks. A failed insert leaves the entry pending so the
// next claim cycle retries it.
func (w *Worker) persist(ctx context.Context, entry stream.Entry) bool {
	if err := w.store.Insert(ctx, entry.Point); err != nil {
		w.failedTotal.Inc()
		slog.Error("aggregator.insert.failed", "err", err, "entry_id", entry.ID, "metric", entry.Point.Name)
		return false
	}
	if err := w.consumer.Ack(ctx, entry.ID); err != nil {
		slog.Error("aggregator.ack.failed", "err", err, "entry_id", entry.ID)
		return false
	}
	return true
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

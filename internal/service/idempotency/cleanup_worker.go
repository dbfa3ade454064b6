// Package idempotency обслуживает ключи идемпотентности gRPC API: удаляет
// просроченные и сообщает о запросах, прерванных до записи ответа.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	maxStuckReported        = 50
)

// StuckLister перечисляет ключи, которые истекли в статусе processing.
// Для PlaceOrder это значит, что резерв мог остаться без заказа.
type StuckLister interface {
	ListStuck(before time.Time, limit int) ([]domain.IdempotencyRecord, error)
}

// CleanupOptions задает параметры воркера очистки.
type CleanupOptions struct {
	Logger     *log.Entry
	Metrics    *metrics.IdempotencyMetrics
	Interval   time.Duration
	BatchSize  int
	BatchPause time.Duration
	Now        func() time.Time
}

type CleanupOption func(*CleanupOptions)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) { opts.Logger = logger }
}

func WithMetrics(m *metrics.IdempotencyMetrics) CleanupOption {
	return func(opts *CleanupOptions) { opts.Metrics = m }
}

// WithInterval задает интервал между циклами очистки.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) { opts.Interval = interval }
}

// WithBatchSize задает размер одного удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) { opts.BatchSize = batchSize }
}

// WithBatchPause задает паузу между удалениями, чтобы не нагружать хранилище заказов.
func WithBatchPause(pause time.Duration) CleanupOption {
	return func(opts *CleanupOptions) { opts.BatchPause = pause }
}

func WithClock(now func() time.Time) CleanupOption {
	return func(opts *CleanupOptions) { opts.Now = now }
}

// CleanupWorker периодически удаляет просроченные ключи идемпотентности.
type CleanupWorker struct {
	repo       domain.IdempotencyRepository
	stuck      StuckLister
	logger     *log.Entry
	metrics    *metrics.IdempotencyMetrics
	interval   time.Duration
	batchSize  int
	batchPause time.Duration
	now        func() time.Time
}

// NewCleanupWorker создает воркер. Если хранилище умеет ListStuck, перед удалением
// зависшие запросы попадают в лог и метрику.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:  defaultCleanupInterval,
		BatchSize: defaultCleanupBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewIdempotencyMetrics()
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	w := &CleanupWorker{
		repo:       repo,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		interval:   opts.Interval,
		batchSize:  opts.BatchSize,
		batchPause: max(opts.BatchPause, 0),
		now:        opts.Now,
	}
	if lister, ok := repo.(StuckLister); ok {
		w.stuck = lister
	}
	return w
}

// Run запускает очистку сразу и далее по интервалу до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce выполняет один цикл: отчёт о зависших запросах и удаление.
func (w *CleanupWorker) RunOnce(ctx context.Context) {
	before := w.now()
	w.ReportStuck(before)

	deleted, err := w.DeleteExpired(ctx, before)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		w.metrics.RecordRun("error")
		w.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency cleanup run failed")
		return
	}

	w.metrics.RecordRun("ok")
	w.metrics.SetLastDeleted(deleted)
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("idempotency cleanup completed")
	}
}

// ReportStuck логирует ключи, истекшие в processing, и возвращает их число.
func (w *CleanupWorker) ReportStuck(before time.Time) int {
	if w.stuck == nil {
		return 0
	}

	records, err := w.stuck.ListStuck(before, maxStuckReported)
	if err != nil {
		w.logger.WithError(err).Warn("failed to list stuck idempotency keys")
		return 0
	}
	for _, record := range records {
		w.logger.WithFields(log.Fields{
			"idempotency_key": record.Key,
			"started_at":      record.CreatedAt,
		}).Warn("request was interrupted before its response was stored; check stock reservations")
	}
	w.metrics.RecordStuck(len(records))
	return len(records)
}

// DeleteExpired удаляет все записи с ttl <= before порциями batchSize.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := w.repo.DeleteExpired(before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		w.metrics.RecordDeleted(deleted)

		if deleted < w.batchSize {
			return total, nil
		}
		if w.batchPause > 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(w.batchPause):
			}
		}
	}
}

package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	defaultMaxRetryDelay  = 5 * time.Second
	defaultConcurrency    = 4
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger         *log.Entry
	Metrics        *metrics.OutboxMetrics
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
	// Concurrency — сколько заказов публикуется одновременно.
	Concurrency int
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) { opts.Logger = logger }
}

// WithMetrics задаёт метрики; по умолчанию используются метрики из DefaultRegisterer.
func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(opts *WorkerOptions) { opts.Metrics = m }
}

// WithDLQPublisher задаёт publisher для событий, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) { opts.DLQPublisher = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PollInterval = interval }
}

func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации перед failed/DLQ.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт первую задержку; дальше она удваивается до MaxRetryDelay.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.RetryBaseDelay = delay }
}

func WithMaxRetryDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.MaxRetryDelay = delay }
}

func WithConcurrency(n int) Option {
	return func(opts *WorkerOptions) { opts.Concurrency = n }
}

// DeadLetter — тело сообщения DLQ для события, которое не удалось опубликовать.
// Утилита dlq-reprocess восстанавливает по нему исходное событие.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	Attempts      int             `json:"attempts"`
	FailedAt      time.Time       `json:"dlq_published_at"`
}

// Worker публикует события заказов из outbox. События одного заказа
// (stock.reserved, order.placed, payment.*) уходят строго в порядке постановки,
// разные заказы публикуются параллельно.
type Worker struct {
	repo          domain.OutboxRepository
	publisher     domain.OutboxPublisher
	dlqPublisher  domain.OutboxPublisher
	logger        *log.Entry
	metrics       *metrics.OutboxMetrics
	pollInterval  time.Duration
	batchSize     int
	maxAttempts   int
	baseDelay     time.Duration
	maxRetryDelay time.Duration
	concurrency   int
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
		MaxRetryDelay:  defaultMaxRetryDelay,
		Concurrency:    defaultConcurrency,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-worker")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewOutboxMetrics()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	opts.RetryBaseDelay = max(opts.RetryBaseDelay, 0)
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = defaultMaxRetryDelay
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	return &Worker{
		repo:          repo,
		publisher:     publisher,
		dlqPublisher:  opts.DLQPublisher,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		pollInterval:  opts.PollInterval,
		batchSize:     opts.BatchSize,
		maxAttempts:   opts.MaxAttempts,
		baseDelay:     opts.RetryBaseDelay,
		maxRetryDelay: opts.MaxRetryDelay,
		concurrency:   opts.Concurrency,
	}
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один цикл: забирает пачку pending-событий и публикует её.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer w.refreshBacklogMetrics()

	events, err := w.repo.PullPending(w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return
	}

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, stream := range groupByOrder(events) {
		g.Go(func() error {
			w.publishStream(ctx, stream)
			return nil
		})
	}
	_ = g.Wait()
}

// publishStream публикует события одного заказа по порядку. После события,
// ушедшего в DLQ, остаток потока ждёт следующего цикла.
func (w *Worker) publishStream(ctx context.Context, stream []domain.OutboxMessage) {
	for i, event := range stream {
		if ctx.Err() != nil {
			return
		}

		attempts, err := w.publishWithRetry(ctx, event)
		if err == nil {
			if err := w.repo.MarkSent(event.ID); err != nil {
				w.logger.WithError(err).WithField("outbox_id", event.ID).Warn("failed to mark outbox as sent")
			}
			continue
		}
		if ctx.Err() != nil {
			// событие остаётся pending
			return
		}

		w.giveUp(event, attempts, err)
		if deferred := len(stream) - i - 1; deferred > 0 {
			w.metrics.RecordPublish("deferred")
			w.logger.WithFields(log.Fields{
				"order_id": event.AggregateID,
				"deferred": deferred,
			}).Warn("order events deferred to the next poll")
		}
		return
	}
}

func (w *Worker) giveUp(event domain.OutboxMessage, attempts int, publishErr error) {
	fields := log.Fields{
		"outbox_id":  event.ID,
		"order_id":   event.AggregateID,
		"event_type": event.EventType,
		"attempts":   attempts,
	}
	w.logger.WithError(publishErr).WithFields(fields).Error("outbox publish failed after retries")
	w.metrics.RecordPublish("failed")

	if err := w.publishDeadLetter(event, attempts, publishErr); err != nil {
		w.logger.WithError(err).WithFields(fields).Warn("failed to publish to DLQ")
		w.metrics.RecordPublish("dlq_failed")
	}
	if err := w.repo.MarkFailed(event.ID); err != nil {
		w.logger.WithError(err).WithFields(fields).Warn("failed to mark outbox as failed")
	}
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if lastErr = w.publisher.Publish(event); lastErr == nil {
			w.metrics.RecordPublish("sent")
			return attempt, nil
		}
		w.metrics.RecordPublish("retry_error")

		if attempt == w.maxAttempts {
			break
		}
		if delay := w.retryBackoff(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return w.maxAttempts, fmt.Errorf("publish failed after %d attempts: %w", w.maxAttempts, lastErr)
}

// retryBackoff удваивает задержку после каждой попытки, не превышая maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	delay := w.baseDelay
	for i := 1; i < attempt && delay > 0 && delay < w.maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, w.maxRetryDelay)
}

func (w *Worker) refreshBacklogMetrics() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	w.metrics.SetBacklog(stats.PendingCount, stats.OldestPendingAt)
}

func (w *Worker) publishDeadLetter(event domain.OutboxMessage, attempts int, publishErr error) error {
	if w.dlqPublisher == nil {
		return nil
	}

	payload, err := json.Marshal(DeadLetter{
		OutboxID:      event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       rawPayload(event.Payload),
		PublishError:  publishErr.Error(),
		Attempts:      attempts,
		FailedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	dead := event
	dead.Payload = payload
	if err := w.dlqPublisher.Publish(dead); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

// groupByOrder разбивает пачку на потоки по заказу, сохраняя порядок внутри потока.
func groupByOrder(events []domain.OutboxMessage) [][]domain.OutboxMessage {
	index := make(map[string]int, len(events))
	var streams [][]domain.OutboxMessage
	for _, event := range events {
		key := event.AggregateID
		if key == "" {
			key = "id:" + event.ID
		}
		i, ok := index[key]
		if !ok {
			i = len(streams)
			index[key] = i
			streams = append(streams, nil)
		}
		streams[i] = append(streams[i], event)
	}
	return streams
}

// rawPayload встраивает payload как JSON; невалидные байты сохраняются строкой.
func rawPayload(payload []byte) json.RawMessage {
	switch {
	case len(payload) == 0:
		return json.RawMessage("null")
	case json.Valid(payload):
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

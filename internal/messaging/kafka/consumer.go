package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// MessageHandler обрабатывает сообщение из Kafka.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// Outcome — итог обработки одного сообщения.
type Outcome string

const (
	OutcomeHandled      Outcome = "handled"
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeFailed: сообщение не обработано и не ушло в DLQ, смещение не фиксируется.
	OutcomeFailed Outcome = "failed"
)

// Backoff задаёт повторы обработки: Retries повторов после первой попытки,
// пауза удваивается от Base и не превышает Max.
type Backoff struct {
	Retries int
	Base    time.Duration
	Max     time.Duration
}

var defaultBackoff = Backoff{Retries: 3, Base: 200 * time.Millisecond, Max: 5 * time.Second}

func (b Backoff) delay(retry int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base << retry
	if b.Max > 0 && (d > b.Max || d <= 0) {
		return b.Max
	}
	return d
}

// deadLetterSink реализует *Producer.
type deadLetterSink interface {
	Send(rec Record) error
}

type ConsumerOption func(*Consumer)

// WithDLQ задаёт получателя сообщений, исчерпавших попытки.
func WithDLQ(sink deadLetterSink) ConsumerOption {
	return func(c *Consumer) { c.dlq = sink }
}

func WithBackoff(b Backoff) ConsumerOption {
	return func(c *Consumer) {
		b.Retries = max(b.Retries, 0)
		c.backoff = b
	}
}

func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// WithOutcomeObserver вызывается после каждого сообщения, например для метрик.
func WithOutcomeObserver(observe func(topic string, outcome Outcome)) ConsumerOption {
	return func(c *Consumer) { c.observe = observe }
}

// Consumer читает consumer group. Сообщение, не обработанное за все попытки,
// уходит в DLQ; без DLQ смещение не фиксируется и сообщение будет прочитано снова.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler MessageHandler
	dlq     deadLetterSink
	backoff Backoff
	observe func(topic string, outcome Outcome)
	logger  *log.Entry
	now     func() time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create consumer group %s: %w", groupID, err)
	}
	return newConsumer(group, topics, handler, options...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:   group,
		topics:  topics,
		handler: handler,
		backoff: defaultBackoff,
		observe: func(string, Outcome) {},
		logger:  log.WithField("component", "kafka-consumer"),
		now:     time.Now,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Start запускает чтение в фоне до отмены ctx.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		// Consume возвращается на каждом rebalance.
		for ctx.Err() == nil {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("consume session ended with error")
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer group error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины; повторный вызов возвращает тот же результат.
func (c *Consumer) Stop() error {
	c.stopOnce.Do(func() {
		if err := c.group.Close(); err != nil {
			c.stopErr = fmt.Errorf("close consumer group: %w", err)
			return
		}
		c.wg.Wait()
		c.logger.Info("kafka consumer stopped")
	})
	return c.stopErr
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			outcome, err := c.process(ctx, message)
			c.observe(message.Topic, outcome)
			if outcome == OutcomeFailed {
				c.logger.WithError(err).WithFields(log.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("message left uncommitted")
				continue
			}
			session.MarkMessage(message, "")
		}
	}
}

// process делает до Retries+1 попыток, затем отправляет сообщение в DLQ.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) (Outcome, error) {
	var err error
	for retry := 0; ; retry++ {
		if err = c.handler(ctx, message); err == nil {
			return OutcomeHandled, nil
		}
		if retry == c.backoff.Retries {
			break
		}
		c.logger.WithError(err).WithFields(log.Fields{
			"topic":   message.Topic,
			"attempt": retry + 1,
		}).Warn("handler failed, retrying")

		select {
		case <-ctx.Done():
			return OutcomeFailed, ctx.Err()
		case <-time.After(c.backoff.delay(retry)):
		}
	}

	if c.dlq == nil {
		return OutcomeFailed, err
	}
	if dlqErr := c.dlq.Send(c.deadLetter(message, err)); dlqErr != nil {
		return OutcomeFailed, fmt.Errorf("send to dlq: %w", dlqErr)
	}
	c.logger.WithFields(log.Fields{
		"topic":  message.Topic,
		"offset": message.Offset,
	}).Warn("message moved to dlq")
	return OutcomeDeadLettered, nil
}

// deadLetter сохраняет заголовки исходного сообщения (квитанция, подпись) и добавляет диагностические.
func (c *Consumer) deadLetter(message *sarama.ConsumerMessage, cause error) Record {
	headers := make(map[string]string, len(message.Headers)+4)
	for _, h := range message.Headers {
		if h != nil {
			headers[string(h.Key)] = string(h.Value)
		}
	}
	headers[HeaderOriginalTopic] = message.Topic
	headers[HeaderErrorMessage] = cause.Error()
	headers[HeaderFailedAt] = c.now().UTC().Format(time.RFC3339)
	headers[HeaderRetryCount] = strconv.Itoa(c.backoff.Retries)

	return Record{
		Topic:   TopicDeadLetterQueue,
		Key:     string(message.Key),
		Value:   message.Value,
		Headers: headers,
	}
}

// Header возвращает значение заголовка сообщения или пустую строку.
func Header(message *sarama.ConsumerMessage, key string) string {
	for _, h := range message.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
)

// initKafkaProducer создаёт producer, если брокеры заданы.
// Недоступная Kafka не валит сервис: outbox остаётся в хранилище до её появления.
func initKafkaProducer(cfg Config, logger *log.Entry) *kafka.Producer {
	brokers := cfg.kafkaBrokers()
	if len(brokers) == 0 {
		return nil
	}

	producer, err := kafka.NewProducer(brokers, cfg.KafkaClientID)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil
	}
	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer
}

// paymentConfirmer применяет подтверждение оплаты; реализуется оркестратором.
type paymentConfirmer interface {
	ConfirmPayment(ctx context.Context, receiptID string, payload []byte, signature string) (saga.ConfirmOutcome, error)
}

// confirmationHandler пропускает подтверждения из Kafka через тот же путь, что и вебхук.
// Поддельные, повторные и чужие квитанции возвращают nil и коммитятся без повторов;
// ошибка означает сбой хранилища и уходит в ретраи консьюмера.
func confirmationHandler(confirmer paymentConfirmer, logger *log.Entry) kafka.MessageHandler {
	return kafka.NewConfirmationHandler(func(ctx context.Context, receiptID string, payload []byte, signature string) error {
		outcome, err := confirmer.ConfirmPayment(ctx, receiptID, payload, signature)
		if err != nil {
			return err
		}
		logger.WithFields(log.Fields{
			"receipt_id": receiptID,
			"outcome":    outcome,
		}).Debug("kafka payment confirmation handled")
		return nil
	})
}

// startConfirmationConsumer подписывается на topic подтверждений, если Kafka настроена.
func startConfirmationConsumer(ctx context.Context, cfg Config, confirmer paymentConfirmer, dlq *kafka.Producer, consumed *metrics.ConsumerMetrics, logger *log.Entry) (*kafka.Consumer, error) {
	brokers := cfg.kafkaBrokers()
	if len(brokers) == 0 {
		return nil, nil
	}

	consumerLogger := logger.WithField("component", "payment-confirmations")
	options := []kafka.ConsumerOption{kafka.WithConsumerLogger(consumerLogger)}
	if consumed != nil {
		options = append(options, kafka.WithOutcomeObserver(func(topic string, outcome kafka.Outcome) {
			consumed.RecordMessage(topic, string(outcome))
		}))
	}
	if dlq != nil {
		options = append(options, kafka.WithDLQ(dlq))
	}
	consumer, err := kafka.NewConsumer(brokers, cfg.KafkaConsumerGroup, []string{kafka.TopicPaymentConfirmations},
		confirmationHandler(confirmer, consumerLogger), options...)
	if err != nil {
		return nil, fmt.Errorf("create payment confirmation consumer: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		return nil, errors.Join(err, consumer.Stop())
	}
	return consumer, nil
}

func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}

func stopKafkaConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
}

// Команда dlq-reprocess перечитывает oms.dlq и возвращает сообщения в исходные topic'и.
// По умолчанию работает в режиме dry-run и только перечисляет кандидатов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
)

const (
	clientID           = "fulfillment-dlq-reprocess"
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

type config struct {
	brokers     []string
	sourceTopic string
	// eventsTopic принимает outbox-события; подтверждения оплаты возвращаются в свой topic из заголовка.
	eventsTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func (c config) mode() string {
	if c.execute {
		return "execute"
	}
	return "dry-run"
}

// offsetClient — часть sarama.Client, нужная для снимка границ partition'ов.
type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// recordSink реализует *kafka.Producer.
type recordSink interface {
	Send(rec kafka.Record) error
	Close() error
}

// replayer владеет подключениями одного запуска.
type replayer struct {
	cfg     config
	offsets offsetClient
	source  partitionSource
	sink    recordSink
	now     func() time.Time
}

func (r *replayer) Close() error {
	var errs []error
	if r.sink != nil {
		errs = append(errs, r.sink.Close())
	}
	if r.source != nil {
		errs = append(errs, r.source.Close())
	}
	if r.offsets != nil {
		errs = append(errs, r.offsets.Close())
	}
	return errors.Join(errs...)
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error { return s.consumer.Close() }

// connect подменяется в тестах.
var connect = func(cfg config) (*replayer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = clientID
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	r := &replayer{cfg: cfg, offsets: client, now: time.Now}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	r.source = saramaSource{consumer: consumer}

	if cfg.execute {
		producer, err := kafka.NewProducer(cfg.brokers, clientID)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		r.sink = producer
	}
	return r, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := readConfig(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Error("dlq replay failed")
		os.Exit(1)
	}
}

func readConfig(args []string, getenv func(string) string, output io.Writer) (config, error) {
	cfg := config{}
	var brokers string

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&brokers, "brokers", getenv("OMS_KAFKA_BROKERS"), "comma-separated Kafka brokers (default $OMS_KAFKA_BROKERS)")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "dead letter topic to scan")
	fs.StringVar(&cfg.eventsTopic, "target-topic", kafka.TopicOrderEvents, "topic for replayed outbox events")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max messages to scan across partitions")
	fs.BoolVar(&cfg.execute, "execute", false, "publish replayed messages instead of listing them")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "start each partition limit messages before its end")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop a partition after this long without messages")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.brokers = strings.FieldsFunc(brokers, func(r rune) bool { return r == ',' || r == ' ' })
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.eventsTopic = strings.TrimSpace(cfg.eventsTopic)

	var problems []error
	if len(cfg.brokers) == 0 {
		problems = append(problems, errors.New("kafka brokers are required (-brokers or OMS_KAFKA_BROKERS)"))
	}
	if cfg.sourceTopic == "" {
		problems = append(problems, errors.New("source-topic is required"))
	}
	if cfg.eventsTopic == "" {
		problems = append(problems, errors.New("target-topic is required"))
	} else if cfg.eventsTopic == cfg.sourceTopic {
		problems = append(problems, errors.New("target-topic must differ from source-topic"))
	}
	if cfg.limit <= 0 {
		problems = append(problems, errors.New("limit must be > 0"))
	}
	if cfg.idleTimeout <= 0 {
		problems = append(problems, errors.New("idle-timeout must be > 0"))
	}
	if err := errors.Join(problems...); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config) error {
	logger := log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"events_topic": cfg.eventsTopic,
		"mode":         cfg.mode(),
	})
	logger.WithField("limit", cfg.limit).Info("starting dlq replay")

	r, err := connect(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.WithError(err).Warn("close kafka connections")
		}
	}()

	stats, err := r.Run(ctx)
	logger.WithFields(log.Fields{
		"processed": stats.processed,
		"replayed":  stats.replayed,
		"skipped":   stats.skipped,
	}).Info("dlq replay finished")
	return err
}

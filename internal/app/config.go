package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	StockDriverMemory   = "memory"
	StockDriverPostgres = "postgres"
	StockDriverRedis    = "redis"
	StockDriverMySQL    = "mysql"

	PaymentProviderLocal  = "local"
	PaymentProviderStripe = "stripe"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	GRPCAddr    string
	MetricsAddr string
	LogLevel    string
	// LogFormat: text или json.
	LogFormat string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// StockDriver пустой — остатки живут там же, где заказы.
	StockDriver   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MySQLDSN      string

	SeedFile      string
	DepotCacheTTL time.Duration

	Currency         string
	DeliveryFeeMinor int64

	PaymentProvider      string
	PaymentWebhookSecret string
	StripeAPIKey         string
	StripeWebhookSecret  string
	PaymentIntentTimeout time.Duration
	BreakerMaxFailures   int
	BreakerResetTimeout  time.Duration

	// KafkaBrokers — список через запятую; пустой отключает Kafka.
	KafkaBrokers       string
	KafkaClientID      string
	KafkaConsumerGroup string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxPending   int
	OutboxConcurrency  int

	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceSampleRate float64

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		LogLevel:                    "info",
		LogFormat:                   "text",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		RedisAddr:                   "localhost:6379",
		DepotCacheTTL:               30 * time.Second,
		Currency:                    "INR",
		PaymentProvider:             PaymentProviderLocal,
		PaymentWebhookSecret:        "dev-webhook-secret",
		PaymentIntentTimeout:        5 * time.Second,
		BreakerMaxFailures:          5,
		BreakerResetTimeout:         30 * time.Second,
		KafkaClientID:               "fulfillment",
		KafkaConsumerGroup:          "fulfillment-payments",
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            100 * time.Millisecond,
		OutboxMaxPending:            10000,
		OutboxConcurrency:           4,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		TraceSampleRate:             1,
		ShutdownTimeout:             10 * time.Second,
	}
}

// LoadConfigFromEnv накладывает переменные OMS_* на DefaultConfig.
func LoadConfigFromEnv() (Config, error) {
	return loadConfig(os.LookupEnv)
}

func loadConfig(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	p := envParser{lookup: lookup}

	p.str("OMS_GRPC_ADDR", &cfg.GRPCAddr)
	p.str("OMS_METRICS_ADDR", &cfg.MetricsAddr)
	p.str("OMS_LOG_LEVEL", &cfg.LogLevel)
	p.str("OMS_LOG_FORMAT", &cfg.LogFormat)

	p.str("OMS_STORAGE_DRIVER", &cfg.StorageDriver)
	p.str("OMS_POSTGRES_DSN", &cfg.PostgresDSN)
	p.boolean("OMS_POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)

	p.str("OMS_STOCK_DRIVER", &cfg.StockDriver)
	p.str("OMS_REDIS_ADDR", &cfg.RedisAddr)
	p.str("OMS_REDIS_PASSWORD", &cfg.RedisPassword)
	p.integer("OMS_REDIS_DB", &cfg.RedisDB)
	p.str("OMS_MYSQL_DSN", &cfg.MySQLDSN)

	p.str("OMS_SEED_FILE", &cfg.SeedFile)
	p.duration("OMS_DEPOT_CACHE_TTL", &cfg.DepotCacheTTL)

	p.str("OMS_CURRENCY", &cfg.Currency)
	p.int64("OMS_DELIVERY_FEE_MINOR", &cfg.DeliveryFeeMinor)

	p.str("OMS_PAYMENT_PROVIDER", &cfg.PaymentProvider)
	p.str("OMS_PAYMENT_WEBHOOK_SECRET", &cfg.PaymentWebhookSecret)
	p.str("OMS_STRIPE_API_KEY", &cfg.StripeAPIKey)
	p.str("OMS_STRIPE_WEBHOOK_SECRET", &cfg.StripeWebhookSecret)
	p.duration("OMS_PAYMENT_INTENT_TIMEOUT", &cfg.PaymentIntentTimeout)
	p.integer("OMS_BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures)
	p.duration("OMS_BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout)

	p.str("OMS_KAFKA_BROKERS", &cfg.KafkaBrokers)
	p.str("OMS_KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	p.str("OMS_KAFKA_CONSUMER_GROUP", &cfg.KafkaConsumerGroup)

	p.duration("OMS_OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	p.integer("OMS_OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	p.integer("OMS_OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	p.duration("OMS_OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)
	p.integer("OMS_OUTBOX_MAX_PENDING", &cfg.OutboxMaxPending)
	p.integer("OMS_OUTBOX_CONCURRENCY", &cfg.OutboxConcurrency)

	p.duration("OMS_IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval)
	p.integer("OMS_IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize)

	p.str("OMS_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	p.boolean("OMS_OTLP_INSECURE", &cfg.OTLPInsecure)
	p.float("OMS_TRACE_SAMPLE_RATE", &cfg.TraceSampleRate)

	p.duration("OMS_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, cfg.Validate()
}

// Validate проверяет согласованность драйверов и их параметров.
func (c Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}

	switch c.PaymentProvider {
	case PaymentProviderLocal:
		if c.PaymentWebhookSecret == "" {
			return fmt.Errorf("local payment provider requires OMS_PAYMENT_WEBHOOK_SECRET")
		}
	case PaymentProviderStripe:
		if c.StripeAPIKey == "" || c.StripeWebhookSecret == "" {
			return fmt.Errorf("stripe payment provider requires OMS_STRIPE_API_KEY and OMS_STRIPE_WEBHOOK_SECRET")
		}
	default:
		return fmt.Errorf("unsupported payment provider %q", c.PaymentProvider)
	}

	if c.DeliveryFeeMinor < 0 {
		return fmt.Errorf("delivery fee must be non-negative")
	}
	return nil
}

func (c Config) validateStorage() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres storage driver requires OMS_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	switch c.stockDriver() {
	case StockDriverMemory, StockDriverRedis:
	case StockDriverPostgres:
		if c.StorageDriver != StorageDriverPostgres && strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres stock driver requires OMS_POSTGRES_DSN")
		}
	case StockDriverMySQL:
		if strings.TrimSpace(c.MySQLDSN) == "" {
			return fmt.Errorf("mysql stock driver requires OMS_MYSQL_DSN")
		}
	default:
		return fmt.Errorf("unsupported stock driver %q", c.StockDriver)
	}
	return nil
}

func (c Config) stockDriver() string {
	if c.StockDriver == "" {
		return c.StorageDriver
	}
	return c.StockDriver
}

func (c Config) kafkaBrokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// envParser запоминает первую ошибку разбора, чтобы не проверять каждую переменную отдельно.
type envParser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *envParser) raw(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *envParser) fail(key, value string, err error) {
	p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
}

func (p *envParser) str(key string, dst *string) {
	if v, ok := p.raw(key); ok {
		*dst = v
	}
}

func (p *envParser) boolean(key string, dst *bool) {
	if v, ok := p.raw(key); ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = parsed
	}
}

func (p *envParser) integer(key string, dst *int) {
	if v, ok := p.raw(key); ok {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = parsed
	}
}

func (p *envParser) int64(key string, dst *int64) {
	if v, ok := p.raw(key); ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = parsed
	}
}

func (p *envParser) float(key string, dst *float64) {
	if v, ok := p.raw(key); ok {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = parsed
	}
}

func (p *envParser) duration(key string, dst *time.Duration) {
	if v, ok := p.raw(key); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = parsed
	}
}

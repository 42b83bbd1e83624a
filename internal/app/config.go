package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/stockorders/internal/messaging/kafka"
)

const (
	// StorageDriverMemory - транзакционное in-memory хранилище.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres - PostgreSQL через pgx.
	StorageDriverPostgres = "postgres"

	// IdempotencyBackendStorage хранит ключи в основном хранилище.
	IdempotencyBackendStorage = "storage"
	// IdempotencyBackendRedis хранит ключи в Redis с нативным TTL.
	IdempotencyBackendRedis = "redis"
)

// Config описывает настройки запуска приложения.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// KafkaBrokers - список брокеров через запятую. Пустое значение отключает публикацию outbox.
	KafkaBrokers string
	KafkaTopic   string

	IdempotencyBackend          string
	RedisAddr                   string
	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxMaxLag - возраст самого старого pending-события, после которого /healthz отдаёт degraded.
	OutboxMaxLag time.Duration

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		KafkaTopic:                  kafka.TopicOrderEvents,
		IdempotencyBackend:          IdempotencyBackendStorage,
		RedisAddr:                   "localhost:6379",
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            100 * time.Millisecond,
		OutboxMaxLag:                time.Minute,
		ShutdownTimeout:             5 * time.Second,
	}
}

// Validate проверяет взаимоисключающие и обязательные настройки.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres storage requires a DSN")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	switch c.IdempotencyBackend {
	case IdempotencyBackendStorage:
	case IdempotencyBackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("redis idempotency backend requires an address")
		}
	default:
		return fmt.Errorf("unsupported idempotency backend %q", c.IdempotencyBackend)
	}
	return nil
}

// KafkaBrokerList разбирает KafkaBrokers, отбрасывая пустые элементы.
func (c Config) KafkaBrokerList() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// DLQTopic - топик для событий, исчерпавших попытки публикации.
func (c Config) DLQTopic() string {
	if c.KafkaTopic == kafka.TopicOrderEvents {
		return kafka.TopicDeadLetterQueue
	}
	return c.KafkaTopic + ".dlq"
}

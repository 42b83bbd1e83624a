package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockorders/internal/app"
)

const (
	envGRPCAddr                    = "OMS_GRPC_ADDR"
	envMetricsAddr                 = "OMS_METRICS_ADDR"
	envStorageDriver               = "OMS_STORAGE_DRIVER"
	envPostgresDSN                 = "OMS_POSTGRES_DSN"
	envPostgresAutoMigrate         = "OMS_POSTGRES_AUTO_MIGRATE"
	envKafkaBrokers                = "OMS_KAFKA_BROKERS"
	envKafkaTopic                  = "OMS_KAFKA_TOPIC"
	envIdempotencyBackend          = "OMS_IDEMPOTENCY_BACKEND"
	envRedisAddr                   = "OMS_REDIS_ADDR"
	envIdempotencyTTL              = "OMS_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "OMS_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "OMS_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envOutboxPollInterval          = "OMS_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "OMS_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "OMS_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "OMS_OUTBOX_RETRY_DELAY"
	envOutboxMaxLag                = "OMS_OUTBOX_MAX_LAG"
	envShutdownTimeout             = "OMS_SHUTDOWN_TIMEOUT"
	envLogLevel                    = "OMS_LOG_LEVEL"
	envLogFormat                   = "OMS_LOG_FORMAT"
)

// envLookup совпадает по сигнатуре с os.LookupEnv; в тестах подменяется картой.
type envLookup func(key string) (string, bool)

// logConfig - настройки логирования процесса.
type logConfig struct {
	Level  log.Level
	Format string
}

func defaultLogConfig() logConfig {
	return logConfig{Level: log.InfoLevel, Format: "text"}
}

func readConfig() (app.Config, logConfig, []string) {
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	logCfg, logWarnings := readLogConfigFromEnv(os.LookupEnv)
	return cfg, logCfg, append(warnings, logWarnings...)
}

// readConfigFromEnv накладывает переменные окружения на app.DefaultConfig.
// Некорректные значения не останавливают запуск: остаётся значение по умолчанию и
// возвращается предупреждение.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string
	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", key, value, err))
	}

	setString := func(key string, dst *string, normalize func(string) string) {
		value, ok := lookup(key)
		if !ok {
			return
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		if normalize != nil {
			value = normalize(value)
		}
		*dst = value
	}
	setBool := func(key string, dst *bool) {
		value, ok := lookup(key)
		if !ok || strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := parseBool(value)
		if err != nil {
			warn(key, value, err)
			return
		}
		*dst = parsed
	}
	setInt := func(key string, dst *int) {
		value, ok := lookup(key)
		if !ok || strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := parseInt(value, func(v int) bool { return v > 0 }, "must be > 0")
		if err != nil {
			warn(key, value, err)
			return
		}
		*dst = parsed
	}
	setDuration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		value, ok := lookup(key)
		if !ok || strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := parseDuration(value, valid, rule)
		if err != nil {
			warn(key, value, err)
			return
		}
		*dst = parsed
	}
	positive := func(v time.Duration) bool { return v > 0 }
	nonNegative := func(v time.Duration) bool { return v >= 0 }

	setString(envGRPCAddr, &cfg.GRPCAddr, nil)
	setString(envMetricsAddr, &cfg.MetricsAddr, nil)
	setString(envStorageDriver, &cfg.StorageDriver, strings.ToLower)
	setString(envPostgresDSN, &cfg.PostgresDSN, nil)
	setBool(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	setString(envKafkaBrokers, &cfg.KafkaBrokers, nil)
	setString(envKafkaTopic, &cfg.KafkaTopic, nil)
	setString(envIdempotencyBackend, &cfg.IdempotencyBackend, strings.ToLower)
	setString(envRedisAddr, &cfg.RedisAddr, nil)
	setDuration(envIdempotencyTTL, &cfg.IdempotencyTTL, positive, "must be > 0")
	setDuration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positive, "must be > 0")
	setInt(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize)
	setDuration(envOutboxPollInterval, &cfg.OutboxPollInterval, positive, "must be > 0")
	setInt(envOutboxBatchSize, &cfg.OutboxBatchSize)
	setInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts)
	setDuration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegative, "must be >= 0")
	setDuration(envOutboxMaxLag, &cfg.OutboxMaxLag, nonNegative, "must be >= 0")
	setDuration(envShutdownTimeout, &cfg.ShutdownTimeout, positive, "must be > 0")

	return cfg, warnings
}

func readLogConfigFromEnv(lookup envLookup) (logConfig, []string) {
	cfg := defaultLogConfig()
	var warnings []string

	if value, ok := lookup(envLogLevel); ok && strings.TrimSpace(value) != "" {
		level, err := log.ParseLevel(strings.TrimSpace(value))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", envLogLevel, value, err))
		} else {
			cfg.Level = level
		}
	}
	if value, ok := lookup(envLogFormat); ok && strings.TrimSpace(value) != "" {
		switch format := strings.ToLower(strings.TrimSpace(value)); format {
		case "text", "json":
			cfg.Format = format
		default:
			warnings = append(warnings, fmt.Sprintf("%s=%q ignored: expected text or json", envLogFormat, value))
		}
	}
	return cfg, warnings
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", value)
	}
}

func parseInt(value string, valid func(int) bool, rule string) (int, error) {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", value, err)
	}
	if valid != nil && !valid(parsed) {
		return 0, fmt.Errorf("value %d %s", parsed, rule)
	}
	return parsed, nil
}

func parseDuration(value string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q: %w", value, err)
	}
	if valid != nil && !valid(parsed) {
		return 0, fmt.Errorf("value %s %s", parsed, rule)
	}
	return parsed, nil
}

package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/stockorders/internal/health"
	"github.com/vladislavdragonenkov/stockorders/internal/storage/memory"
	"github.com/vladislavdragonenkov/stockorders/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/stockorders/internal/storage/redis"
)

// primaryStore - хранилище, которое умеет открывать транзакции и отвечать на ping.
type primaryStore interface {
	domain.UnitOfWork
	healthcheck.Pinger
	Outbox() domain.OutboxRepository
}

// runtimeDependencies - хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	store           primaryStore
	idempotencyRepo domain.IdempotencyRepository
	// pingers регистрируются как проверки /healthz.
	pingers map[string]healthcheck.Pinger
	closers []func() error
}

// close освобождает подключения в обратном порядке открытия.
func (d *runtimeDependencies) close(logger *log.Entry) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.WithError(err).Warn("failed to close dependency")
		}
	}
	d.closers = nil
}

// initRuntimeDependencies открывает основное хранилище и backend ключей идемпотентности.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	deps := &runtimeDependencies{pingers: make(map[string]healthcheck.Pinger)}

	switch cfg.StorageDriver {
	case StorageDriverMemory:
		store := memory.NewStore()
		deps.store = store
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				deps.close(logger)
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres schema is up to date")
		}
		deps.store = store
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
		logger.Info("using postgres storage")
	}
	deps.pingers["storage"] = deps.store

	if cfg.IdempotencyBackend == IdempotencyBackendRedis {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		deps.closers = append(deps.closers, rdb.Close)
		repo := redisstore.NewIdempotencyRepository(rdb)
		if err := repo.Ping(ctx); err != nil {
			deps.close(logger)
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		deps.idempotencyRepo = repo
		deps.pingers["idempotency"] = repo
		logger.WithField("addr", cfg.RedisAddr).Info("idempotency keys are stored in redis")
	}

	if deps.store == nil || deps.idempotencyRepo == nil {
		deps.close(logger)
		return nil, errors.New("runtime dependencies are not initialized")
	}
	return deps, nil
}

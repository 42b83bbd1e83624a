// Package redis хранит ключи идемпотентности gRPC-вызовов в Redis.
// Срок хранения задаётся TTL ключа, поэтому отдельная очистка не нужна.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
)

const (
	defaultKeyPrefix = "oms:idem:"
	defaultTTL       = 24 * time.Hour
	// maxTxAttempts ограничивает повтор WATCH-транзакции при гонке за ключ.
	maxTxAttempts = 3
)

// storedRecord - JSON-представление записи в Redis.
type storedRecord struct {
	RequestHash  string                   `json:"request_hash"`
	ResponseBody []byte                   `json:"response_body,omitempty"`
	StatusCode   int                      `json:"status_code"`
	Status       domain.IdempotencyStatus `json:"status"`
	TTLAt        time.Time                `json:"ttl_at"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// IdempotencyRepository реализует domain.IdempotencyRepository поверх go-redis.
type IdempotencyRepository struct {
	rdb    goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option настраивает репозиторий.
type Option func(*IdempotencyRepository)

// WithKeyPrefix задаёт префикс ключей Redis.
func WithKeyPrefix(prefix string) Option {
	return func(r *IdempotencyRepository) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// NewIdempotencyRepository создаёт репозиторий поверх готового клиента.
func NewIdempotencyRepository(rdb goredis.UniversalClient, opts ...Option) *IdempotencyRepository {
	r := &IdempotencyRepository{
		rdb:    rdb,
		prefix: defaultKeyPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ping проверяет доступность Redis; используется readiness-проверкой.
func (r *IdempotencyRepository) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping redis", err)
	}
	return nil
}

func (r *IdempotencyRepository) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := r.now()
	if ttlAt.IsZero() {
		ttlAt = now.Add(defaultTTL)
	}
	ttl := ttlAt.Sub(now)
	if ttl <= 0 {
		ttl = time.Millisecond
	}

	stored := storedRecord{
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("encode idempotency record: %w", err)
	}

	created, err := r.rdb.SetNX(ctx, r.redisKey(key), data, ttl).Result()
	if err != nil {
		return domain.IdempotencyRecord{}, unavailable("create idempotency key", err)
	}
	if created {
		return stored.toDomain(key), nil
	}

	existing, err := r.Get(ctx, key)
	if err != nil {
		// Ключ истёк между SETNX и GET: вызывающий может повторить запрос.
		if errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
			return domain.IdempotencyRecord{}, fmt.Errorf("%w: idempotency key expired concurrently", domain.ErrStoreUnavailable)
		}
		return domain.IdempotencyRecord{}, err
	}
	if existing.RequestHash != requestHash {
		return existing, domain.ErrIdempotencyHashMismatch
	}
	return existing, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	stored, err := r.load(ctx, r.rdb, key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	return stored.toDomain(key), nil
}

func (r *IdempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte, statusCode int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusDone, responseBody, statusCode)
}

func (r *IdempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte, statusCode int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusFailed, responseBody, statusCode)
}

// Release удаляет ключ, только пока он в статусе processing.
func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	return r.watch(ctx, key, func(tx *goredis.Tx) error {
		stored, err := r.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if stored.Status != domain.IdempotencyStatusProcessing {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, r.redisKey(key))
			return nil
		})
		return err
	})
}

// DeleteExpired ничего не делает: Redis удаляет истёкшие ключи сам.
func (r *IdempotencyRepository) DeleteExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (r *IdempotencyRepository) markStatus(ctx context.Context, key string, status domain.IdempotencyStatus, responseBody []byte, statusCode int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	return r.watch(ctx, key, func(tx *goredis.Tx) error {
		stored, err := r.load(ctx, tx, key)
		if err != nil {
			return err
		}
		stored.Status = status
		stored.ResponseBody = append([]byte(nil), responseBody...)
		stored.StatusCode = statusCode
		stored.UpdatedAt = r.now()

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encode idempotency record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.SetArgs(ctx, r.redisKey(key), data, goredis.SetArgs{Mode: "XX", KeepTTL: true})
			return nil
		})
		return err
	})
}

// watch выполняет read-modify-write под WATCH и повторяет его при гонке.
func (r *IdempotencyRepository) watch(ctx context.Context, key string, fn func(tx *goredis.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = r.rdb.Watch(ctx, fn, r.redisKey(key))
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.TxFailedErr):
		return fmt.Errorf("update idempotency key: %w: %w", domain.ErrConcurrencyConflict, err)
	case errors.Is(err, domain.ErrIdempotencyKeyNotFound):
		return err
	default:
		return unavailable("update idempotency key", err)
	}
}

func (r *IdempotencyRepository) load(ctx context.Context, c goredis.Cmdable, key string) (storedRecord, error) {
	data, err := c.Get(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return storedRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return storedRecord{}, unavailable("get idempotency key", err)
	}

	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return storedRecord{}, fmt.Errorf("decode idempotency record %s: %w", key, err)
	}
	return stored, nil
}

func (r *IdempotencyRepository) redisKey(key string) string {
	return r.prefix + key
}

func (s storedRecord) toDomain(key string) domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:          key,
		RequestHash:  s.RequestHash,
		ResponseBody: append([]byte(nil), s.ResponseBody...),
		StatusCode:   s.StatusCode,
		Status:       s.Status,
		TTLAt:        s.TTLAt,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)

package domain

import (
	"context"
	"time"
)

// Tx - репозитории, привязанные к одной транзакции хранилища.
type Tx interface {
	Orders() OrderRepository
	Products() ProductRepository
	Outbox() OutboxRepository
	Timeline() TimelineRepository
	// SetRollbackOnly помечает транзакцию к откату даже при успешном завершении fn.
	SetRollbackOnly()
}

// UnitOfWork открывает транзакции хранилища.
type UnitOfWork interface {
	// Within выполняет fn в одной транзакции. Ошибка fn, паника, отмена ctx или
	// SetRollbackOnly откатывают все изменения; иначе транзакция фиксируется.
	Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, statusCode int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, statusCode int) error
	// Release удаляет запись в статусе processing, чтобы запрос можно было повторить с тем же ключом.
	Release(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// ConfirmStep задаёт константы шагов подтверждения для метрик, трейсов и логов.
type ConfirmStep string

const (
	ConfirmStepLoadOrder     ConfirmStep = "load_order"
	ConfirmStepCheckState    ConfirmStep = "check_state"
	ConfirmStepLoadLines     ConfirmStep = "load_lines"
	ConfirmStepLoadProducts  ConfirmStep = "load_products"
	ConfirmStepCheckStock    ConfirmStep = "check_stock"
	ConfirmStepPrice         ConfirmStep = "price"
	ConfirmStepDecrement     ConfirmStep = "decrement_stock"
	ConfirmStepSaveOrder     ConfirmStep = "save_order"
	ConfirmStepEnqueueEvents ConfirmStep = "enqueue_events"
)

// Типы событий outbox и timeline.
const (
	EventTypeOrderCreated   = "OrderCreated"
	EventTypeOrderConfirmed = "OrderConfirmed"
	AggregateTypeOrder      = "order"
)

// OutboxMessage хранит данные для публикуемого события.
// Headers переносят контекст трассировки (traceparent) до брокера.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Headers       map[string]string
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

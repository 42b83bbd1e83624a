package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
)

const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusFailed  = "failed"
)

// outboxRecord хранит сообщение и служебные поля для in-memory реализации.
type outboxRecord struct {
	msg        domain.OutboxMessage
	status     string
	attemptCnt int
	seq        int64
}

// outboxRepository - transactional outbox поверх Store.
// Внутри транзакции откладывается до commit только Enqueue, смена статусов применяется сразу.
type outboxRepository struct {
	run runner
}

// Enqueue сохраняет событие со статусом `pending` и возвращает его идентификатор.
func (r *outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	err := r.run(ctx, func(tx *txn) error {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = tx.store.now()
		}
		tx.outbox = append(tx.outbox, &outboxRecord{msg: cloneOutboxMessage(msg), status: outboxStatusPending})
		return nil
	})
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	return msg, nil
}

// PullPending возвращает до limit сообщений со статусом `pending` в порядке записи.
func (r *outboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	var result []domain.OutboxMessage
	err := r.run(ctx, func(tx *txn) error {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		pending := make([]*outboxRecord, 0, len(tx.store.outbox))
		for _, rec := range tx.store.outbox {
			if rec.status == outboxStatusPending {
				pending = append(pending, rec)
			}
		}
		sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
		if len(pending) > limit {
			pending = pending[:limit]
		}

		result = make([]domain.OutboxMessage, 0, len(pending))
		for _, rec := range pending {
			result = append(result, cloneOutboxMessage(rec.msg))
		}
		return nil
	})
	return result, err
}

// Stats возвращает размер backlog и время самого старого pending-сообщения.
func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	var stats domain.OutboxStats
	err := r.run(ctx, func(tx *txn) error {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		for _, rec := range tx.store.outbox {
			if rec.status != outboxStatusPending {
				continue
			}
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || rec.msg.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = rec.msg.CreatedAt
			}
		}
		return nil
	})
	return stats, err
}

// MarkSent обновляет статус события после успешной публикации.
func (r *outboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.mark(ctx, id, outboxStatusSent)
}

// MarkFailed фиксирует окончательную ошибку публикации.
func (r *outboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.mark(ctx, id, outboxStatusFailed)
}

func (r *outboxRepository) mark(ctx context.Context, id, status string) error {
	return r.run(ctx, func(tx *txn) error {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		record, ok := tx.store.outbox[id]
		if !ok {
			return domain.ErrOutboxMessageNotFound
		}
		record.status = status
		record.attemptCnt++
		return nil
	})
}

func cloneOutboxMessage(msg domain.OutboxMessage) domain.OutboxMessage {
	msg.Payload = append([]byte(nil), msg.Payload...)
	if msg.Headers != nil {
		headers := make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			headers[k] = v
		}
		msg.Headers = headers
	}
	return msg
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)

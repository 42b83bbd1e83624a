package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
)

// timelineRepository хранит события заказа поверх Store.
type timelineRepository struct {
	run runner
}

// Append добавляет событие; внутри транзакции оно появится после commit.
func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	return r.run(ctx, func(tx *txn) error {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		tx.timeline = append(tx.timeline, event)
		return nil
	})
}

// List возвращает события заказа в хронологическом порядке.
func (r *timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	var result []domain.TimelineEvent
	err := r.run(ctx, func(tx *txn) error {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		events := tx.store.timeline[orderID]
		result = make([]domain.TimelineEvent, 0, len(events))
		result = append(result, events...)
		for _, event := range tx.timeline {
			if event.OrderID == orderID {
				result = append(result, event)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(result, func(i, j int) bool { return result[i].Occurred.Before(result[j].Occurred) })
	return result, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)

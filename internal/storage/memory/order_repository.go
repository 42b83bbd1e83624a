package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
)

// orderRepository - заказы и их позиции поверх Store.
type orderRepository struct {
	run runner
}

func orderKey(id string) string {
	return "order:" + id
}

func cloneOrder(o domain.Order) domain.Order {
	if o.Totals != nil {
		totals := *o.Totals
		o.Totals = &totals
	}
	return o
}

// visibleOrder - под store.mu.
func (t *txn) visibleOrder(id string) (domain.Order, bool) {
	if staged, ok := t.orders[id]; ok {
		return cloneOrder(staged), true
	}
	o, ok := t.store.orders[id]
	return cloneOrder(o), ok
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	return r.run(ctx, func(tx *txn) error {
		if err := tx.lockRow(ctx, orderKey(order.ID)); err != nil {
			return err
		}

		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		if _, exists := tx.visibleOrder(order.ID); exists {
			return domain.ErrOrderAlreadyExists
		}
		tx.orders[order.ID] = cloneOrder(order)
		return nil
	})
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	var order domain.Order
	err := r.run(ctx, func(tx *txn) error {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		o, ok := tx.visibleOrder(id)
		if !ok {
			return domain.ErrOrderNotFound
		}
		order = o
		return nil
	})
	return order, err
}

// List возвращает заказы, новые первыми, ограничивая выборку limit (если >0).
func (r *orderRepository) List(ctx context.Context, limit int) ([]domain.Order, error) {
	var result []domain.Order
	err := r.run(ctx, func(tx *txn) error {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		result = make([]domain.Order, 0, len(tx.store.orders)+len(tx.orders))
		for id, order := range tx.store.orders {
			if _, staged := tx.orders[id]; staged {
				continue
			}
			result = append(result, cloneOrder(order))
		}
		for _, order := range tx.orders {
			result = append(result, cloneOrder(order))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Save перезаписывает заказ, проверяя версию (optimistic locking).
func (r *orderRepository) Save(ctx context.Context, order domain.Order) error {
	return r.run(ctx, func(tx *txn) error {
		if err := tx.lockRow(ctx, orderKey(order.ID)); err != nil {
			return err
		}

		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		current, ok := tx.visibleOrder(order.ID)
		if !ok {
			return domain.ErrOrderNotFound
		}
		if current.Version != order.Version {
			return domain.ErrOrderVersionConflict
		}
		order.Version++
		tx.orders[order.ID] = cloneOrder(order)
		return nil
	})
}

func (r *orderRepository) AddLines(ctx context.Context, lines []domain.OrderLine) error {
	return r.run(ctx, func(tx *txn) error {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		for _, line := range lines {
			if _, ok := tx.visibleOrder(line.OrderID); !ok {
				return domain.ErrOrderNotFound
			}
		}
		for _, line := range lines {
			tx.lines[line.OrderID] = append(tx.lines[line.OrderID], line)
		}
		return nil
	})
}

func (r *orderRepository) Lines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	var result []domain.OrderLine
	err := r.run(ctx, func(tx *txn) error {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		committed := tx.store.lines[orderID]
		staged := tx.lines[orderID]
		result = make([]domain.OrderLine, 0, len(committed)+len(staged))
		result = append(result, committed...)
		result = append(result, staged...)
		return nil
	})
	return result, err
}

var _ domain.OrderRepository = (*orderRepository)(nil)

package domain

import (
	"fmt"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending - черновик: заказ создан, остатки ещё не списаны.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed - заказ оценён, остатки списаны. Финальное состояние.
	OrderStatusConfirmed OrderStatus = "confirmed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	return s == OrderStatusPending || s == OrderStatusConfirmed
}

// OrderTotals - итоги заказа, появляются только после подтверждения.
type OrderTotals struct {
	GrossMinor int64
	// DiscountBps - суммарная скидка в базисных пунктах (1000 = 10%).
	DiscountBps int32
	FinalMinor  int64
}

// OrderLine - позиция заказа. UnitPriceMinor фиксируется при создании и больше не читается из каталога.
type OrderLine struct {
	ID             string
	OrderID        string
	ProductID      int64
	Qty            int32
	UnitPriceMinor int64
	CreatedAt      time.Time
}

// Order - заголовок заказа. Позиции хранятся отдельно и загружаются через OrderRepository.Lines.
type Order struct {
	ID          string
	Status      OrderStatus
	Totals      *OrderTotals
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt time.Time
}

// RequestedItem - позиция во входящем запросе на создание заказа.
type RequestedItem struct {
	ProductID int64
	Qty       int32
}

// CanConfirm возвращает ErrInvalidState, если заказ уже вышел из черновика.
func (o Order) CanConfirm() error {
	if o.Status != OrderStatusPending {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidState, o.ID, o.Status)
	}
	return nil
}

// Confirm переводит заказ в confirmed и фиксирует итоги. Переход однократный.
func (o *Order) Confirm(totals OrderTotals, now time.Time) error {
	if err := o.CanConfirm(); err != nil {
		return err
	}
	o.Status = OrderStatusConfirmed
	o.Totals = &totals
	o.ConfirmedAt = now
	o.UpdatedAt = now
	return nil
}

// ValidateRequestedItems проверяет входные позиции до обращения к хранилищу.
func ValidateRequestedItems(items []RequestedItem) []error {
	if len(items) == 0 {
		return []error{ErrItemsRequired}
	}
	var errs []error
	for i, item := range items {
		if item.ProductID <= 0 {
			errs = append(errs, fmt.Errorf("items[%d]: %w", i, ErrProductIDInvalid))
		}
		if item.Qty <= 0 {
			errs = append(errs, fmt.Errorf("items[%d]: %w", i, ErrItemQtyInvalid))
		}
	}
	return errs
}

// LineProductIDs возвращает уникальные идентификаторы товаров в порядке первого появления.
func LineProductIDs(lines []OrderLine) []int64 {
	seen := make(map[int64]struct{}, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	return ids
}

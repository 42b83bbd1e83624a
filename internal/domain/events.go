package domain

import "time"

// EventLine - позиция заказа в теле события.
type EventLine struct {
	ProductID      int64 `json:"product_id"`
	Qty            int32 `json:"qty"`
	UnitPriceMinor int64 `json:"unit_price_minor"`
}

// OrderCreatedPayload - тело события OrderCreated.
type OrderCreatedPayload struct {
	OrderID   string      `json:"order_id"`
	Lines     []EventLine `json:"lines"`
	CreatedAt time.Time   `json:"created_at"`
}

// StockChange - списание остатка по одному товару при подтверждении.
type StockChange struct {
	ProductID int64 `json:"product_id"`
	Qty       int32 `json:"qty"`
	NewStock  int32 `json:"new_stock"`
}

// OrderConfirmedPayload - тело события OrderConfirmed.
type OrderConfirmedPayload struct {
	OrderID      string        `json:"order_id"`
	GrossMinor   int64         `json:"gross_minor"`
	DiscountBps  int32         `json:"discount_bps"`
	FinalMinor   int64         `json:"final_minor"`
	StockChanges []StockChange `json:"stock_changes"`
	ConfirmedAt  time.Time     `json:"confirmed_at"`
}

// NewOrderCreatedPayload собирает событие из заголовка и позиций заказа.
func NewOrderCreatedPayload(order Order, lines []OrderLine) OrderCreatedPayload {
	payload := OrderCreatedPayload{
		OrderID:   order.ID,
		Lines:     make([]EventLine, 0, len(lines)),
		CreatedAt: order.CreatedAt,
	}
	for _, line := range lines {
		payload.Lines = append(payload.Lines, EventLine{
			ProductID:      line.ProductID,
			Qty:            line.Qty,
			UnitPriceMinor: line.UnitPriceMinor,
		})
	}
	return payload
}

// NewOrderConfirmedPayload собирает событие из подтверждённого заказа и выполненного плана списания.
func NewOrderConfirmedPayload(order Order, plan []StockDecrement) OrderConfirmedPayload {
	payload := OrderConfirmedPayload{
		OrderID:      order.ID,
		StockChanges: make([]StockChange, 0, len(plan)),
		ConfirmedAt:  order.ConfirmedAt,
	}
	if order.Totals != nil {
		payload.GrossMinor = order.Totals.GrossMinor
		payload.DiscountBps = order.Totals.DiscountBps
		payload.FinalMinor = order.Totals.FinalMinor
	}
	for _, d := range plan {
		payload.StockChanges = append(payload.StockChanges, StockChange{ProductID: d.ProductID, Qty: d.Qty, NewStock: d.NewStock})
	}
	return payload
}

// Package pricing считает итоги заказа по зафиксированным ценам позиций.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
)

var basisPoints = decimal.NewFromInt(10000)

// Rules задаёт пороги и ставки скидок. Ставки складываются.
type Rules struct {
	// BulkThresholdMinor - валовая сумма, строго выше которой действует BulkRate.
	BulkThresholdMinor int64
	BulkRate           decimal.Decimal
	// VarietyMinDistinct - число разных товаров, строго выше которого действует VarietyRate.
	VarietyMinDistinct int
	VarietyRate        decimal.Decimal
}

// DefaultRules: +10% при сумме больше 1000.00, +5% при более чем пяти разных товарах.
func DefaultRules() Rules {
	return Rules{
		BulkThresholdMinor: 100000,
		BulkRate:           decimal.RequireFromString("0.10"),
		VarietyMinDistinct: 5,
		VarietyRate:        decimal.RequireFromString("0.05"),
	}
}

// Line - позиция для расчёта.
type Line struct {
	ProductID      int64
	Qty            int32
	UnitPriceMinor int64
}

// Quote - результат расчёта.
type Quote struct {
	GrossMinor       int64
	DiscountRate     decimal.Decimal
	FinalMinor       int64
	DistinctProducts int
}

// DiscountBps возвращает ставку скидки в базисных пунктах.
func (q Quote) DiscountBps() int32 {
	return int32(q.DiscountRate.Mul(basisPoints).Round(0).IntPart())
}

// Totals переводит расчёт в итоги заказа.
func (q Quote) Totals() domain.OrderTotals {
	return domain.OrderTotals{
		GrossMinor:  q.GrossMinor,
		DiscountBps: q.DiscountBps(),
		FinalMinor:  q.FinalMinor,
	}
}

// Engine - чистая функция расчёта, не обращается к хранилищу.
type Engine struct {
	rules Rules
}

// NewEngine создаёт калькулятор с заданными правилами.
func NewEngine(rules Rules) *Engine {
	return &Engine{rules: rules}
}

// Price считает валовую сумму, ставку скидки и итог.
// Итог округляется до целой минимальной единицы, половина - от нуля.
func (e *Engine) Price(lines []Line) Quote {
	var gross int64
	distinct := make(map[int64]struct{}, len(lines))
	for _, line := range lines {
		gross += int64(line.Qty) * line.UnitPriceMinor
		distinct[line.ProductID] = struct{}{}
	}

	rate := decimal.Zero
	if gross > e.rules.BulkThresholdMinor {
		rate = rate.Add(e.rules.BulkRate)
	}
	if len(distinct) > e.rules.VarietyMinDistinct {
		rate = rate.Add(e.rules.VarietyRate)
	}

	final := decimal.NewFromInt(gross).Mul(decimal.NewFromInt(1).Sub(rate)).Round(0)

	return Quote{
		GrossMinor:       gross,
		DiscountRate:     rate,
		FinalMinor:       final.IntPart(),
		DistinctProducts: len(distinct),
	}
}

// LinesFromOrder строит позиции расчёта из позиций заказа.
func LinesFromOrder(lines []domain.OrderLine) []Line {
	out := make([]Line, len(lines))
	for i, line := range lines {
		out[i] = Line{ProductID: line.ProductID, Qty: line.Qty, UnitPriceMinor: line.UnitPriceMinor}
	}
	return out
}

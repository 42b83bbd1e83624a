package domain

import "sort"

// StockDecrement - суммарное списание по одному товару и версия, с которой оно делается.
type StockDecrement struct {
	ProductID       int64
	Qty             int32
	NewStock        int32
	ExpectedVersion int64
}

// MissingProductIDs возвращает идентификаторы, которых нет в found, по возрастанию без повторов.
func MissingProductIDs(ids []int64, found map[int64]Product) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	var missing []int64
	for _, id := range ids {
		if _, ok := found[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		missing = append(missing, id)
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// CheckLineStock сверяет каждую позицию с текущим остатком и возвращает первую неудачную.
// Позиции одного товара проверяются по отдельности, суммарную проверку делает PlanStockDecrements.
func CheckLineStock(lines []OrderLine, products map[int64]Product) error {
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			return &MissingProductsError{IDs: []int64{line.ProductID}}
		}
		if !product.HasStock(line.Qty) {
			return &InsufficientStockError{
				ProductID: line.ProductID,
				Available: product.Stock,
				Requested: int64(line.Qty),
			}
		}
	}
	return nil
}

// PlanStockDecrements суммирует количество по товарам и возвращает план списания
// по возрастанию ProductID. Если суммарное количество превышает остаток, план не строится.
// Сумма считается в int64: несколько позиций одного товара не должны переполнить int32.
func PlanStockDecrements(lines []OrderLine, products map[int64]Product) ([]StockDecrement, error) {
	totals := make(map[int64]int64, len(lines))
	for _, line := range lines {
		totals[line.ProductID] += int64(line.Qty)
	}

	ids := make([]int64, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	plan := make([]StockDecrement, 0, len(ids))
	for _, id := range ids {
		product, ok := products[id]
		if !ok {
			return nil, &MissingProductsError{IDs: []int64{id}}
		}
		qty := totals[id]
		if qty > int64(product.Stock) {
			return nil, &InsufficientStockError{
				ProductID:  id,
				Available:  product.Stock,
				Requested:  qty,
				Aggregated: true,
			}
		}
		// qty <= Stock, значит помещается в int32.
		plan = append(plan, StockDecrement{
			ProductID:       id,
			Qty:             int32(qty),
			NewStock:        product.Stock - int32(qty),
			ExpectedVersion: product.Version,
		})
	}
	return plan, nil
}

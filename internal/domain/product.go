package domain

import (
	"strings"
	"time"
)

// Product - текущее изменяемое состояние товара в каталоге.
// Stock меняется только через CAS по версии, Version растёт ровно на 1 за изменение.
type Product struct {
	ID         int64
	Name       string
	PriceMinor int64
	Stock      int32
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasStock проверяет, что остатка хватает на qty единиц.
func (p Product) HasStock(qty int32) bool {
	return p.Stock >= qty
}

// ValidateInvariants проверяет поля товара перед записью в каталог.
func (p Product) ValidateInvariants() []error {
	var errs []error
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, ErrProductNameRequired)
	}
	if p.PriceMinor < 0 {
		errs = append(errs, ErrPriceNegative)
	}
	if p.Stock < 0 {
		errs = append(errs, ErrStockNegative)
	}
	return errs
}

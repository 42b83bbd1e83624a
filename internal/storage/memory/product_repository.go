package memory

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
)

// productRepository - каталог и остатки поверх Store.
type productRepository struct {
	run runner
}

func productKey(id int64) string {
	return "product:" + strconv.FormatInt(id, 10)
}

// visibleProduct читает товар с учётом незафиксированных изменений своей транзакции. Под store.mu.
func (t *txn) visibleProduct(id int64) (domain.Product, bool) {
	if staged, ok := t.products[id]; ok {
		if staged == nil {
			return domain.Product{}, false
		}
		return *staged, true
	}
	p, ok := t.store.products[id]
	return p, ok
}

func (t *txn) stageProduct(p domain.Product) {
	t.products[p.ID] = &p
}

func (r *productRepository) FindByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	err := r.run(ctx, func(tx *txn) error {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		for _, id := range ids {
			if p, ok := tx.visibleProduct(id); ok {
				result[id] = p
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CompareAndSwapStock ждёт блокировку строки и только потом сверяет версию,
// поэтому проигравший в гонке получает 0 затронутых строк.
func (r *productRepository) CompareAndSwapStock(ctx context.Context, productID int64, newStock int32, expectedVersion int64) (int64, error) {
	var affected int64
	err := r.run(ctx, func(tx *txn) error {
		if err := tx.lockRow(ctx, productKey(productID)); err != nil {
			return err
		}

		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		current, ok := tx.visibleProduct(productID)
		if !ok || current.Version != expectedVersion {
			return nil
		}
		if newStock < 0 {
			return domain.ErrStockNegative
		}
		current.Stock = newStock
		current.Version++
		current.UpdatedAt = tx.store.now()
		tx.stageProduct(current)
		affected = 1
		return nil
	})
	return affected, err
}

func (r *productRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	if errs := product.ValidateInvariants(); len(errs) > 0 {
		return domain.Product{}, errors.Join(errs...)
	}

	err := r.run(ctx, func(tx *txn) error {
		tx.store.mu.Lock()
		tx.store.nextProductID++
		product.ID = tx.store.nextProductID
		now := tx.store.now()
		product.Version = 0
		product.CreatedAt = now
		product.UpdatedAt = now
		tx.store.mu.Unlock()

		if err := tx.lockRow(ctx, productKey(product.ID)); err != nil {
			return err
		}

		tx.store.mu.Lock()
		tx.stageProduct(product)
		tx.store.mu.Unlock()
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (r *productRepository) Get(ctx context.Context, id int64) (domain.Product, error) {
	var product domain.Product
	err := r.run(ctx, func(tx *txn) error {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		p, ok := tx.visibleProduct(id)
		if !ok {
			return domain.ErrProductNotFound
		}
		product = p
		return nil
	})
	return product, err
}

func (r *productRepository) List(ctx context.Context, limit int) ([]domain.Product, error) {
	var result []domain.Product
	err := r.run(ctx, func(tx *txn) error {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		ids := make(map[int64]struct{}, len(tx.store.products)+len(tx.products))
		for id := range tx.store.products {
			ids[id] = struct{}{}
		}
		for id := range tx.products {
			ids[id] = struct{}{}
		}

		result = make([]domain.Product, 0, len(ids))
		for id := range ids {
			if p, ok := tx.visibleProduct(id); ok {
				result = append(result, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Update перезаписывает название, цену и остаток, если версия совпадает.
func (r *productRepository) Update(ctx context.Context, product domain.Product) (domain.Product, error) {
	if errs := product.ValidateInvariants(); len(errs) > 0 {
		return domain.Product{}, errors.Join(errs...)
	}

	var updated domain.Product
	err := r.run(ctx, func(tx *txn) error {
		if err := tx.lockRow(ctx, productKey(product.ID)); err != nil {
			return err
		}

		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		current, ok := tx.visibleProduct(product.ID)
		if !ok {
			return domain.ErrProductNotFound
		}
		if current.Version != product.Version {
			return domain.ErrProductVersionConflict
		}
		current.Name = product.Name
		current.PriceMinor = product.PriceMinor
		current.Stock = product.Stock
		current.Version++
		current.UpdatedAt = tx.store.now()
		tx.stageProduct(current)
		updated = current
		return nil
	})
	return updated, err
}

func (r *productRepository) Delete(ctx context.Context, id int64) error {
	return r.run(ctx, func(tx *txn) error {
		if err := tx.lockRow(ctx, productKey(id)); err != nil {
			return err
		}

		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()

		if _, ok := tx.visibleProduct(id); !ok {
			return domain.ErrProductNotFound
		}
		tx.products[id] = nil
		return nil
	})
}

var _ domain.ProductRepository = (*productRepository)(nil)

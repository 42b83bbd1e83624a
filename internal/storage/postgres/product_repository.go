package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
)

const productColumns = `id, name, price_minor, stock, version, created_at, updated_at`

type productRepository struct {
	db executor
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.PriceMinor, &p.Stock, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

// FindByIDs читает товары одной выборкой без блокировок строк.
func (r *productRepository) FindByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, classify("find products", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, classify("scan product", err)
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate products", err)
	}
	return result, nil
}

// CompareAndSwapStock - условная запись остатка. UPDATE берёт блокировку строки,
// и при гонке второй writer после commit первого видит новую версию и 0 строк.
func (r *productRepository) CompareAndSwapStock(ctx context.Context, productID int64, newStock int32, expectedVersion int64) (int64, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE products
		SET stock = $2,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $1 AND version = $3
	`, productID, newStock, expectedVersion, time.Now().UTC())
	if err != nil {
		return 0, classify("cas product stock", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, classify("cas product stock rows affected", err)
	}
	return affected, nil
}

func (r *productRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	if errs := product.ValidateInvariants(); len(errs) > 0 {
		return domain.Product{}, errors.Join(errs...)
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	created, err := scanProduct(r.db.QueryRowContext(ctx, `
		INSERT INTO products (name, price_minor, stock, version, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $4)
		RETURNING `+productColumns,
		product.Name, product.PriceMinor, product.Stock, now,
	))
	if err != nil {
		return domain.Product{}, classify("create product", err)
	}
	return created, nil
}

func (r *productRepository) Get(ctx context.Context, id int64) (domain.Product, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	p, err := scanProduct(r.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, classify("get product", err)
	}
	return p, nil
}

func (r *productRepository) List(ctx context.Context, limit int) ([]domain.Product, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	query := `SELECT ` + productColumns + ` FROM products ORDER BY id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list products", err)
	}
	defer rows.Close()

	result := make([]domain.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, classify("scan product", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate products", err)
	}
	return result, nil
}

// Update перезаписывает поля товара при совпадении версии.
func (r *productRepository) Update(ctx context.Context, product domain.Product) (domain.Product, error) {
	if errs := product.ValidateInvariants(); len(errs) > 0 {
		return domain.Product{}, errors.Join(errs...)
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	updated, err := scanProduct(r.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2,
		    price_minor = $3,
		    stock = $4,
		    version = version + 1,
		    updated_at = $6
		WHERE id = $1 AND version = $5
		RETURNING `+productColumns,
		product.ID, product.Name, product.PriceMinor, product.Stock, product.Version, time.Now().UTC(),
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, classify("update product", err)
	}

	exists, existsErr := r.exists(ctx, product.ID)
	if existsErr != nil {
		return domain.Product{}, existsErr
	}
	if !exists {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return domain.Product{}, domain.ErrProductVersionConflict
}

func (r *productRepository) Delete(ctx context.Context, id int64) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return classify("delete product", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify("delete product rows affected", err)
	}
	if affected == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func (r *productRepository) exists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, classify(fmt.Sprintf("check product %d exists", id), err)
	}
	return exists, nil
}

var _ domain.ProductRepository = (*productRepository)(nil)

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
)

const orderColumns = `id, status, total_gross_minor, discount_bps, total_final_minor, version, created_at, updated_at, confirmed_at`

type orderRepository struct {
	db executor
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order       domain.Order
		status      string
		gross       sql.NullInt64
		discount    sql.NullInt32
		final       sql.NullInt64
		confirmedAt sql.NullTime
	)
	if err := row.Scan(&order.ID, &status, &gross, &discount, &final, &order.Version,
		&order.CreatedAt, &order.UpdatedAt, &confirmedAt); err != nil {
		return domain.Order{}, err
	}

	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	if confirmedAt.Valid {
		order.ConfirmedAt = confirmedAt.Time.UTC()
	}
	if gross.Valid && final.Valid {
		order.Totals = &domain.OrderTotals{
			GrossMinor:  gross.Int64,
			DiscountBps: discount.Int32,
			FinalMinor:  final.Int64,
		}
	}
	return order, nil
}

func totalsArgs(t *domain.OrderTotals) (gross, discount, final any) {
	if t == nil {
		return nil, nil, nil
	}
	return t.GrossMinor, t.DiscountBps, t.FinalMinor
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Create сохраняет заголовок заказа.
func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	gross, discount, final := totalsArgs(order.Totals)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		order.ID, string(order.Status), gross, discount, final, order.Version,
		order.CreatedAt, order.UpdatedAt, nullableTime(order.ConfirmedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderAlreadyExists
		}
		return classify("insert order", err)
	}
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, classify("get order", err)
	}
	return order, nil
}

// List возвращает последние заказы, новые первыми.
func (r *orderRepository) List(ctx context.Context, limit int) ([]domain.Order, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list orders", err)
	}
	defer rows.Close()

	result := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, classify("scan order", err)
		}
		result = append(result, order)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate orders", err)
	}
	return result, nil
}

// Save перезаписывает заказ при совпадении версии (optimistic locking).
func (r *orderRepository) Save(ctx context.Context, order domain.Order) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	gross, discount, final := totalsArgs(order.Totals)
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    total_gross_minor = $3,
		    discount_bps = $4,
		    total_final_minor = $5,
		    updated_at = $6,
		    confirmed_at = $7,
		    version = version + 1
		WHERE id = $1 AND version = $8
	`,
		order.ID, string(order.Status), gross, discount, final,
		order.UpdatedAt, nullableTime(order.ConfirmedAt), order.Version,
	)
	if err != nil {
		return classify("update order", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify("update order rows affected", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
		return classify("check order exists", err)
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.ErrOrderVersionConflict
}

// linesPerInsert ограничивает число строк в одном INSERT (6 параметров на строку, предел 65535).
const linesPerInsert = 1000

// AddLines сохраняет позиции заказа с зафиксированными ценами одним многострочным INSERT
// на каждые linesPerInsert позиций. Строки вставляются в порядке lines, seq сохраняет этот порядок.
func (r *orderRepository) AddLines(ctx context.Context, lines []domain.OrderLine) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	for start := 0; start < len(lines); start += linesPerInsert {
		end := min(start+linesPerInsert, len(lines))
		query, args := insertLinesQuery(lines[start:end])
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			if isForeignKeyViolation(err) {
				return domain.ErrOrderNotFound
			}
			return classify("insert order lines", err)
		}
	}
	return nil
}

func insertLinesQuery(lines []domain.OrderLine) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO order_lines (id, order_id, product_id, quantity, unit_price_minor, created_at) VALUES ")
	args := make([]any, 0, len(lines)*6)
	for i, line := range lines {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * 6
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, line.ID, line.OrderID, line.ProductID, line.Qty, line.UnitPriceMinor, line.CreatedAt)
	}
	return b.String(), args
}

// Lines возвращает позиции заказа в порядке добавления.
func (r *orderRepository) Lines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price_minor, created_at
		FROM order_lines
		WHERE order_id = $1
		ORDER BY seq
	`, orderID)
	if err != nil {
		return nil, classify("list order lines", err)
	}
	defer rows.Close()

	lines := make([]domain.OrderLine, 0)
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.Qty, &line.UnitPriceMinor, &line.CreatedAt); err != nil {
			return nil, classify("scan order line", err)
		}
		line.CreatedAt = line.CreatedAt.UTC()
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate order lines", err)
	}
	return lines, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)

package postgres

import (
	"context"
	"database/sql"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
)

// pgTx - репозитории поверх одной *sql.Tx.
type pgTx struct {
	tx           *sql.Tx
	rollbackOnly bool
}

func (t *pgTx) Orders() domain.OrderRepository { return &orderRepository{db: t.tx} }
func (t *pgTx) Products() domain.ProductRepository { return &productRepository{db: t.tx} }
func (t *pgTx) Outbox() domain.OutboxRepository { return &outboxRepository{db: t.tx} }
func (t *pgTx) Timeline() domain.TimelineRepository { return &timelineRepository{db: t.tx} }
func (t *pgTx) SetRollbackOnly() { t.rollbackOnly = true }

// Within открывает транзакцию READ COMMITTED. Откат выполняется при ошибке fn,
// панике, отмене ctx (database/sql откатывает такую транзакцию сам) и SetRollbackOnly.
func (s *Store) Within(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify("begin tx", err)
	}

	tx := &pgTx{tx: sqlTx}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if tx.rollbackOnly {
		if err := sqlTx.Rollback(); err != nil {
			return classify("rollback tx", err)
		}
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return classify("commit tx", ctxErr)
		}
		return classify("commit tx", err)
	}
	return nil
}

var (
	_ domain.UnitOfWork = (*Store)(nil)
	_ domain.Tx         = (*pgTx)(nil)
)

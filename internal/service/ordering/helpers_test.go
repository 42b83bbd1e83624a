package ordering

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
	"github.com/vladislavdragonenkov/stockorders/internal/storage/memory"
)

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return log.NewEntry(logger)
}

func seedProduct(t *testing.T, store *memory.Store, name string, priceMinor int64, stock int32) domain.Product {
	t.Helper()
	p, err := store.Products().Create(context.Background(), domain.Product{Name: name, PriceMinor: priceMinor, Stock: stock})
	if err != nil {
		t.Fatalf("seed product %s: %v", name, err)
	}
	return p
}

func getProduct(t *testing.T, store *memory.Store, id int64) domain.Product {
	t.Helper()
	p, err := store.Products().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get product %d: %v", id, err)
	}
	return p
}

// insertOrder сохраняет черновик напрямую, минуя Creator.
func insertOrder(t *testing.T, store *memory.Store, id string, lines ...domain.OrderLine) domain.Order {
	t.Helper()
	now := time.Now().UTC()
	order := domain.Order{ID: id, Status: domain.OrderStatusPending, CreatedAt: now, UpdatedAt: now}
	err := store.Within(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		if err := tx.Orders().Create(ctx, order); err != nil {
			return err
		}
		for i := range lines {
			lines[i].OrderID = id
			if lines[i].ID == "" {
				lines[i].ID = id + "-line-" + string(rune('a'+i))
			}
		}
		if len(lines) == 0 {
			return nil
		}
		return tx.Orders().AddLines(ctx, lines)
	})
	if err != nil {
		t.Fatalf("insert order %s: %v", id, err)
	}
	return order
}

func pendingEvents(t *testing.T, store *memory.Store) []domain.OutboxMessage {
	t.Helper()
	msgs, err := store.Outbox().PullPending(context.Background(), 100)
	if err != nil {
		t.Fatalf("pull outbox: %v", err)
	}
	return msgs
}

// hookUoW оборачивает хранилище и позволяет вмешаться в работу с остатками внутри транзакции.
type hookUoW struct {
	inner     domain.UnitOfWork
	afterFind func(ctx context.Context)
	beforeCAS func(ctx context.Context, productID int64)
	afterCAS  func(ctx context.Context, productID int64)
}

func (h *hookUoW) Within(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	return h.inner.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		return fn(ctx, &hookTx{Tx: tx, hooks: h})
	})
}

type hookTx struct {
	domain.Tx
	hooks *hookUoW
}

func (t *hookTx) Products() domain.ProductRepository {
	return &hookProducts{ProductRepository: t.Tx.Products(), hooks: t.hooks}
}

type hookProducts struct {
	domain.ProductRepository
	hooks *hookUoW
}

func (p *hookProducts) FindByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	found, err := p.ProductRepository.FindByIDs(ctx, ids)
	if err == nil && p.hooks.afterFind != nil {
		p.hooks.afterFind(ctx)
	}
	return found, err
}

func (p *hookProducts) CompareAndSwapStock(ctx context.Context, productID int64, newStock int32, expectedVersion int64) (int64, error) {
	if p.hooks.beforeCAS != nil {
		p.hooks.beforeCAS(ctx, productID)
	}
	affected, err := p.ProductRepository.CompareAndSwapStock(ctx, productID, newStock, expectedVersion)
	if err == nil && p.hooks.afterCAS != nil {
		p.hooks.afterCAS(ctx, productID)
	}
	return affected, err
}

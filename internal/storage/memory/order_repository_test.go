package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
	"github.com/vladislavdragonenkov/stockorders/internal/storage/memory"
)

func newOrder(id string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:        id,
		Status:    domain.OrderStatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestOrderRepository_CreateGetAndLines(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Orders()
	order := newOrder("order-1", time.Now().UTC())

	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(ctx, order); !errors.Is(err, domain.ErrOrderAlreadyExists) {
		t.Fatalf("expected duplicate to fail, got %v", err)
	}

	lines := []domain.OrderLine{
		{ID: "l-1", OrderID: order.ID, ProductID: 2, Qty: 1, UnitPriceMinor: 100},
		{ID: "l-2", OrderID: order.ID, ProductID: 1, Qty: 3, UnitPriceMinor: 50},
	}
	if err := repo.AddLines(ctx, lines); err != nil {
		t.Fatalf("add lines failed: %v", err)
	}

	got, err := repo.Lines(ctx, order.ID)
	if err != nil {
		t.Fatalf("lines failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "l-1" || got[1].ID != "l-2" {
		t.Fatalf("unexpected lines %+v", got)
	}

	if err := repo.AddLines(ctx, []domain.OrderLine{{ID: "x", OrderID: "missing"}}); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRepository_SaveOptimistic(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Orders()
	order := newOrder("order-1", time.Now().UTC())
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stored, err := repo.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if err := stored.Confirm(domain.OrderTotals{GrossMinor: 10, FinalMinor: 10}, time.Now().UTC()); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if err := repo.Save(ctx, stored); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	updated, err := repo.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if updated.Version != 1 || updated.Status != domain.OrderStatusConfirmed || updated.Totals.FinalMinor != 10 {
		t.Fatalf("unexpected saved order %+v", updated)
	}

	if err := repo.Save(ctx, stored); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if err := repo.Save(ctx, newOrder("missing", time.Now())); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderRepository_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Orders()
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		if err := repo.Create(ctx, newOrder(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	orders, err := repo.List(ctx, 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != "c" || orders[1].ID != "b" {
		t.Fatalf("unexpected order list %+v", orders)
	}
}

func TestTimelineRepository_AppendList(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now().UTC()

	err := store.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.Timeline().Append(ctx, domain.TimelineEvent{OrderID: "o", Type: "second", Occurred: now.Add(time.Second)}); err != nil {
			return err
		}
		return tx.Timeline().Append(ctx, domain.TimelineEvent{OrderID: "o", Type: "first", Occurred: now})
	})
	if err != nil {
		t.Fatalf("within: %v", err)
	}

	events, err := store.Timeline().List(ctx, "o")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].Type != "first" {
		t.Fatalf("unexpected events %+v", events)
	}
}

package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
	"github.com/vladislavdragonenkov/stockorders/internal/storage/memory"
)

func seedProduct(t *testing.T, store *memory.Store, stock int32) domain.Product {
	t.Helper()
	p, err := store.Products().Create(context.Background(), domain.Product{Name: "widget", PriceMinor: 1000, Stock: stock})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return p
}

func TestStore_CommitMakesWritesVisible(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	p := seedProduct(t, store, 10)

	err := store.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		affected, err := tx.Products().CompareAndSwapStock(ctx, p.ID, 7, p.Version)
		if err != nil {
			return err
		}
		if affected != 1 {
			t.Fatalf("expected 1 affected row, got %d", affected)
		}

		// Своя транзакция видит изменение, остальные - нет.
		own, err := tx.Products().Get(ctx, p.ID)
		if err != nil {
			return err
		}
		if own.Stock != 7 {
			t.Fatalf("expected own write to be visible, got %d", own.Stock)
		}
		outside, err := store.Products().Get(ctx, p.ID)
		if err != nil {
			return err
		}
		if outside.Stock != 10 {
			t.Fatalf("uncommitted write leaked: %d", outside.Stock)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("within: %v", err)
	}

	got, err := store.Products().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stock != 7 || got.Version != p.Version+1 {
		t.Fatalf("unexpected product after commit %+v", got)
	}
}

func TestStore_ErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	p := seedProduct(t, store, 10)
	boom := errors.New("boom")

	err := store.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.Products().CompareAndSwapStock(ctx, p.ID, 1, p.Version); err != nil {
			return err
		}
		if err := tx.Orders().Create(ctx, domain.Order{ID: "o-1", Status: domain.OrderStatusPending}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, _ := store.Products().Get(ctx, p.ID)
	if got.Stock != 10 || got.Version != p.Version {
		t.Fatalf("expected rollback, got %+v", got)
	}
	if _, err := store.Orders().Get(ctx, "o-1"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected order to be rolled back, got %v", err)
	}
}

func TestStore_RollbackOnly(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	p := seedProduct(t, store, 10)

	err := store.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		tx.SetRollbackOnly()
		_, err := tx.Products().CompareAndSwapStock(ctx, p.ID, 0, p.Version)
		return err
	})
	if err != nil {
		t.Fatalf("within: %v", err)
	}

	got, _ := store.Products().Get(ctx, p.ID)
	if got.Stock != 10 {
		t.Fatalf("rollback-only transaction was committed: %+v", got)
	}
}

func TestStore_PanicRollsBackAndReleasesLocks(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	p := seedProduct(t, store, 10)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = store.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
			if _, err := tx.Products().CompareAndSwapStock(ctx, p.ID, 0, p.Version); err != nil {
				return err
			}
			panic("boom")
		})
	}()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	affected, err := store.Products().CompareAndSwapStock(ctx, p.ID, 9, p.Version)
	if err != nil || affected != 1 {
		t.Fatalf("expected lock to be released, affected=%d err=%v", affected, err)
	}
}

func TestStore_CanceledContextRollsBack(t *testing.T) {
	store := memory.NewStore()
	p := seedProduct(t, store, 10)
	ctx, cancel := context.WithCancel(context.Background())

	err := store.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.Products().CompareAndSwapStock(ctx, p.ID, 2, p.Version); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	got, _ := store.Products().Get(context.Background(), p.ID)
	if got.Stock != 10 {
		t.Fatalf("expected rollback on cancellation, got %+v", got)
	}
}

func TestStore_ConcurrentCASLoserSeesZeroRows(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	p := seedProduct(t, store, 10)

	winnerLocked := make(chan struct{})
	releaseWinner := make(chan struct{})
	winnerDone := make(chan error, 1)

	go func() {
		winnerDone <- store.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
			if _, err := tx.Products().CompareAndSwapStock(ctx, p.ID, 8, p.Version); err != nil {
				return err
			}
			close(winnerLocked)
			<-releaseWinner
			return nil
		})
	}()
	<-winnerLocked

	loserResult := make(chan int64, 1)
	go func() {
		affected, err := store.Products().CompareAndSwapStock(ctx, p.ID, 5, p.Version)
		if err != nil {
			t.Errorf("loser cas: %v", err)
		}
		loserResult <- affected
	}()

	select {
	case <-loserResult:
		t.Fatal("loser must wait for the winner's row lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseWinner)
	if err := <-winnerDone; err != nil {
		t.Fatalf("winner: %v", err)
	}
	if affected := <-loserResult; affected != 0 {
		t.Fatalf("expected loser to affect 0 rows, got %d", affected)
	}

	got, _ := store.Products().Get(ctx, p.ID)
	if got.Stock != 8 || got.Version != p.Version+1 {
		t.Fatalf("unexpected final product %+v", got)
	}
}

func TestStore_LockWaitHonoursContext(t *testing.T) {
	store := memory.NewStore()
	p := seedProduct(t, store, 10)

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.Within(context.Background(), func(ctx context.Context, tx domain.Tx) error {
			if _, err := tx.Products().CompareAndSwapStock(ctx, p.ID, 1, p.Version); err != nil {
				return err
			}
			close(holding)
			<-release
			return errors.New("abort")
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := store.Products().CompareAndSwapStock(ctx, p.ID, 3, p.Version)
	if !errors.Is(err, domain.ErrStoreUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected store timeout, got %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Fatal("store timeout must be retryable")
	}

	close(release)
	<-done
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
)

// Store - транзакционное in-memory хранилище для локальной разработки и тестов.
//
// Изменения транзакции копятся в ней и становятся видны другим только после commit
// (read committed). Запись в строку берёт блокировку строки до конца транзакции;
// конкурирующая запись ждёт её освобождения и затем заново сверяет версию, как
// UPDATE ... WHERE version = $n в PostgreSQL.
type Store struct {
	mu sync.Mutex

	products      map[int64]domain.Product
	nextProductID int64
	orders        map[string]domain.Order
	lines         map[string][]domain.OrderLine
	outbox        map[string]*outboxRecord
	outboxSeq     int64
	timeline      map[string][]domain.TimelineEvent

	locks map[string]*rowLock
	now   func() time.Time
}

type rowLock struct {
	owner    *txn
	released chan struct{}
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		products: make(map[int64]domain.Product),
		orders:   make(map[string]domain.Order),
		lines:    make(map[string][]domain.OrderLine),
		outbox:   make(map[string]*outboxRecord),
		timeline: make(map[string][]domain.TimelineEvent),
		locks:    make(map[string]*rowLock),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Within выполняет fn в транзакции.
func (s *Store) Within(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w: %w", domain.ErrStoreUnavailable, err)
	}

	tx := s.begin()
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	if tx.rollbackOnly {
		tx.rollback()
		return nil
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return fmt.Errorf("commit tx: %w: %w", domain.ErrStoreUnavailable, err)
	}
	tx.commit()
	return nil
}

// Ping всегда успешен; нужен для health-check наравне с PostgreSQL.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Products возвращает каталог вне транзакции: каждый вызов фиксируется сразу.
func (s *Store) Products() domain.ProductRepository {
	return &productRepository{run: s.autocommit}
}

// Orders возвращает хранилище заказов вне транзакции.
func (s *Store) Orders() domain.OrderRepository {
	return &orderRepository{run: s.autocommit}
}

// Outbox возвращает outbox вне транзакции.
func (s *Store) Outbox() domain.OutboxRepository {
	return &outboxRepository{run: s.autocommit}
}

// Timeline возвращает журнал событий вне транзакции.
func (s *Store) Timeline() domain.TimelineRepository {
	return &timelineRepository{run: s.autocommit}
}

// runner выполняет fn над транзакцией: своей (autocommit) или уже открытой.
type runner func(ctx context.Context, fn func(tx *txn) error) error

func (s *Store) autocommit(ctx context.Context, fn func(tx *txn) error) error {
	return s.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		return fn(tx.(*txn))
	})
}

func (s *Store) begin() *txn {
	return &txn{
		store:    s,
		products: make(map[int64]*domain.Product),
		orders:   make(map[string]domain.Order),
		lines:    make(map[string][]domain.OrderLine),
	}
}

// txn - открытая транзакция. Все поля читаются и пишутся под store.mu.
type txn struct {
	store *Store

	// products: nil-значение означает удаление.
	products map[int64]*domain.Product
	orders   map[string]domain.Order
	lines    map[string][]domain.OrderLine
	outbox   []*outboxRecord
	timeline []domain.TimelineEvent

	locked       []string
	rollbackOnly bool
	done         bool
}

func (t *txn) Orders() domain.OrderRepository { return &orderRepository{run: t.run} }
func (t *txn) Products() domain.ProductRepository { return &productRepository{run: t.run} }
func (t *txn) Outbox() domain.OutboxRepository { return &outboxRepository{run: t.run} }
func (t *txn) Timeline() domain.TimelineRepository { return &timelineRepository{run: t.run} }
func (t *txn) SetRollbackOnly() { t.rollbackOnly = true }

func (t *txn) run(ctx context.Context, fn func(tx *txn) error) error {
	if t.done {
		return fmt.Errorf("%w: transaction already finished", domain.ErrStoreUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return fn(t)
}

// lockRow берёт блокировку строки до конца транзакции, ожидая чужую с учётом ctx.
func (t *txn) lockRow(ctx context.Context, key string) error {
	s := t.store
	for {
		s.mu.Lock()
		lock, ok := s.locks[key]
		if !ok {
			s.locks[key] = &rowLock{owner: t, released: make(chan struct{})}
			t.locked = append(t.locked, key)
			s.mu.Unlock()
			return nil
		}
		if lock.owner == t {
			s.mu.Unlock()
			return nil
		}
		wait := lock.released
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("wait for row lock %s: %w: %w", key, domain.ErrStoreUnavailable, ctx.Err())
		}
	}
}

func (t *txn) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range t.products {
		if p == nil {
			delete(s.products, id)
			continue
		}
		s.products[id] = *p
	}
	for id, order := range t.orders {
		s.orders[id] = order
	}
	for orderID, lines := range t.lines {
		s.lines[orderID] = append(s.lines[orderID], lines...)
	}
	for _, rec := range t.outbox {
		s.outboxSeq++
		rec.seq = s.outboxSeq
		s.outbox[rec.msg.ID] = rec
	}
	for _, event := range t.timeline {
		s.timeline[event.OrderID] = append(s.timeline[event.OrderID], event)
		events := s.timeline[event.OrderID]
		sort.SliceStable(events, func(i, j int) bool { return events[i].Occurred.Before(events[j].Occurred) })
	}
	t.releaseLocked()
}

func (t *txn) rollback() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	t.releaseLocked()
}

// releaseLocked вызывается под store.mu.
func (t *txn) releaseLocked() {
	for _, key := range t.locked {
		if lock, ok := t.store.locks[key]; ok && lock.owner == t {
			delete(t.store.locks, key)
			close(lock.released)
		}
	}
	t.locked = nil
	t.done = true
}

var (
	_ domain.UnitOfWork = (*Store)(nil)
	_ domain.Tx         = (*txn)(nil)
)

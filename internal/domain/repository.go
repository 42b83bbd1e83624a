package domain

import "context"

// StockLedger - остатки товаров с условной записью по версии.
type StockLedger interface {
	// FindByIDs возвращает только существующие товары; отсутствующие определяет вызывающий.
	FindByIDs(ctx context.Context, ids []int64) (map[int64]Product, error)
	// CompareAndSwapStock записывает newStock и увеличивает версию, если текущая версия
	// равна expectedVersion. Возвращает число затронутых строк, 0 при несовпадении версии.
	CompareAndSwapStock(ctx context.Context, productID int64, newStock int32, expectedVersion int64) (int64, error)
}

// ProductRepository - каталог товаров поверх StockLedger.
type ProductRepository interface {
	StockLedger
	// Create сохраняет товар и возвращает его с присвоенным ID и версией 0.
	Create(ctx context.Context, product Product) (Product, error)
	// Get возвращает товар или ErrProductNotFound.
	Get(ctx context.Context, id int64) (Product, error)
	// List возвращает товары по возрастанию ID.
	List(ctx context.Context, limit int) ([]Product, error)
	// Update перезаписывает название, цену и остаток при совпадении версии.
	Update(ctx context.Context, product Product) (Product, error)
	// Delete удаляет товар. Позиции существующих заказов на него не ссылаются внешним ключом.
	Delete(ctx context.Context, id int64) error
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ErrOrderAlreadyExists, если ID занят.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// List возвращает последние заказы, новые первыми.
	List(ctx context.Context, limit int) ([]Order, error)
	// Save применяет обновления к черновику с учётом optimistic locking.
	Save(ctx context.Context, order Order) error
	// AddLines сохраняет позиции заказа.
	AddLines(ctx context.Context, lines []OrderLine) error
	// Lines возвращает позиции заказа в порядке добавления.
	Lines(ctx context.Context, orderID string) ([]OrderLine, error)
}

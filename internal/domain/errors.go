package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Базовые классы ошибок. Сервисный и транспортный слои различают их только через errors.Is/As.
var (
	// ErrValidation - входные данные запроса некорректны.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound - запрошенная сущность отсутствует.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState - операция недопустима в текущем состоянии заказа.
	ErrInvalidState = errors.New("invalid order state")
	// ErrEmptyOrder - у заказа нет ни одной позиции.
	ErrEmptyOrder = errors.New("order has no line items")
	// ErrInsufficientStock - остатка на складе не хватает.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrConcurrencyConflict - параллельная транзакция изменила строку раньше нас. Можно повторить.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrStoreUnavailable - хранилище не ответило вовремя или недоступно. Можно повторить.
	ErrStoreUnavailable = errors.New("store unavailable")
)

var (
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = fmt.Errorf("order %w", ErrNotFound)
	// ErrProductNotFound возвращается, если товар не найден в каталоге.
	ErrProductNotFound = fmt.Errorf("product %w", ErrNotFound)
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении заказа.
	ErrOrderVersionConflict = fmt.Errorf("order version conflict: %w", ErrConcurrencyConflict)
	// ErrProductVersionConflict сигнализирует о конфликте версий при изменении товара.
	ErrProductVersionConflict = fmt.Errorf("product version conflict: %w", ErrConcurrencyConflict)
	// ErrOrderAlreadyExists - заказ с таким идентификатором уже сохранён.
	ErrOrderAlreadyExists = fmt.Errorf("order already exists: %w", ErrConcurrencyConflict)
)

var (
	// Ошибка отсутствия хотя бы одного товара в запросе.
	ErrItemsRequired = fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = fmt.Errorf("%w: item qty must be greater than zero", ErrValidation)
	// Ошибка некорректного идентификатора товара.
	ErrProductIDInvalid = fmt.Errorf("%w: product_id must be positive", ErrValidation)
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = fmt.Errorf("%w: order_id is required", ErrValidation)
	// Ошибка пустого названия товара.
	ErrProductNameRequired = fmt.Errorf("%w: product name is required", ErrValidation)
	// Ошибка отрицательной цены товара.
	ErrPriceNegative = fmt.Errorf("%w: price_minor must be non-negative", ErrValidation)
	// Ошибка отрицательного остатка.
	ErrStockNegative = fmt.Errorf("%w: stock must be non-negative", ErrValidation)
)

var (
	// ErrOutboxPublish - ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxMessageNotFound - сообщение outbox отсутствует.
	ErrOutboxMessageNotFound = fmt.Errorf("outbox message %w", ErrNotFound)
)

var (
	// ErrIdempotencyKeyRequired - пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired - пустой хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists - ключ уже зарегистрирован с тем же запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch - ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound - запись по ключу отсутствует.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// MissingProductsError перечисляет товары, которых нет в каталоге.
type MissingProductsError struct {
	IDs []int64
}

func (e *MissingProductsError) Error() string {
	ids := append([]int64(nil), e.IDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "one or more products not found, missing ids: " + strings.Join(parts, ", ")
}

func (e *MissingProductsError) Unwrap() error { return ErrProductNotFound }

// InsufficientStockError описывает первую позицию, для которой не хватило остатка.
// Aggregated выставляется, когда не хватает суммарного количества по товару,
// Preliminary - при проверке на этапе создания заказа.
type InsufficientStockError struct {
	ProductID   int64
	Available   int32
	Requested   int64
	Aggregated  bool
	Preliminary bool
}

func (e *InsufficientStockError) Error() string {
	scope := "line"
	if e.Aggregated {
		scope = "aggregated"
	}
	return fmt.Sprintf("insufficient stock for product %d (%s): available %d, requested %d",
		e.ProductID, scope, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// StockConflictError - CAS по остатку товара не затронул ни одной строки.
type StockConflictError struct {
	ProductID       int64
	ExpectedVersion int64
}

func (e *StockConflictError) Error() string {
	return fmt.Sprintf("stock of product %d changed concurrently (expected version %d)", e.ProductID, e.ExpectedVersion)
}

func (e *StockConflictError) Unwrap() error { return ErrConcurrencyConflict }

// ErrorKind - класс ошибки, по которому транспорт выбирает код ответа.
type ErrorKind string

const (
	ErrorKindUnknown             ErrorKind = "unknown"
	ErrorKindValidation          ErrorKind = "validation"
	ErrorKindNotFound            ErrorKind = "not_found"
	ErrorKindInvalidState        ErrorKind = "invalid_state"
	ErrorKindEmptyOrder          ErrorKind = "empty_order"
	ErrorKindInsufficientStock   ErrorKind = "insufficient_stock"
	ErrorKindConcurrencyConflict ErrorKind = "concurrency_conflict"
	ErrorKindUnavailable         ErrorKind = "unavailable"
	ErrorKindCanceled            ErrorKind = "canceled"
)

// KindOf классифицирует ошибку. Для nil возвращает пустую строку.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ErrorKindCanceled
	case errors.Is(err, ErrValidation):
		return ErrorKindValidation
	case errors.Is(err, ErrNotFound):
		return ErrorKindNotFound
	case errors.Is(err, ErrInvalidState):
		return ErrorKindInvalidState
	case errors.Is(err, ErrEmptyOrder):
		return ErrorKindEmptyOrder
	case errors.Is(err, ErrInsufficientStock):
		return ErrorKindInsufficientStock
	case errors.Is(err, ErrConcurrencyConflict):
		return ErrorKindConcurrencyConflict
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindUnavailable
	default:
		return ErrorKindUnknown
	}
}

// IsRetryable сообщает, имеет ли смысл повторить операцию с новой попыткой.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrorKindConcurrencyConflict, ErrorKindUnavailable:
		return true
	default:
		return false
	}
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsIdempotencyConflict проверяет, что ключ идемпотентности уже занят.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

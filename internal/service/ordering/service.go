// Package ordering содержит сценарии работы с заказами: создание, подтверждение
// со списанием остатков, пробный расчёт, а также каталог товаров и чтение заказов.
package ordering

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
	"github.com/vladislavdragonenkov/stockorders/internal/metrics"
	"github.com/vladislavdragonenkov/stockorders/internal/pricing"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// OrderDetails - заказ вместе с позициями и журналом событий.
type OrderDetails struct {
	Order    domain.Order
	Lines    []domain.OrderLine
	Timeline []domain.TimelineEvent
}

// Service - точка входа для транспортного слоя.
type Service struct {
	uow       domain.UnitOfWork
	creator   *Creator
	confirmer *Confirmer
	logger    *log.Entry
}

// NewService собирает сервис поверх хранилища. m и logger могут быть nil.
func NewService(uow domain.UnitOfWork, engine *pricing.Engine, m *metrics.OrderMetrics, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "ordering")
	}
	return &Service{
		uow:       uow,
		creator:   NewCreator(uow, m, logger.WithField("component", "order-creator")),
		confirmer: NewConfirmer(uow, engine, m, logger.WithField("component", "order-confirmer")),
		logger:    logger,
	}
}

// CreateOrder создаёт заказ в статусе pending.
func (s *Service) CreateOrder(ctx context.Context, items []domain.RequestedItem) (domain.Order, error) {
	return s.creator.Create(ctx, items)
}

// CreateOrderWithLines создаёт заказ и возвращает его вместе с позициями.
func (s *Service) CreateOrderWithLines(ctx context.Context, items []domain.RequestedItem) (OrderDetails, error) {
	return s.creator.CreateWithLines(ctx, items)
}

// ConfirmOrder подтверждает заказ и списывает остатки.
func (s *Service) ConfirmOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return s.confirmer.Confirm(ctx, orderID)
}

// QuoteOrder считает итоги подтверждения без фиксации изменений.
func (s *Service) QuoteOrder(ctx context.Context, orderID string) (Quote, error) {
	return s.confirmer.Quote(ctx, orderID)
}

// GetOrder возвращает заказ, его позиции и timeline.
func (s *Service) GetOrder(ctx context.Context, orderID string) (OrderDetails, error) {
	if orderID == "" {
		return OrderDetails{}, domain.ErrOrderIDRequired
	}

	var details OrderDetails
	err := s.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		order, err := tx.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		lines, err := tx.Orders().Lines(ctx, orderID)
		if err != nil {
			return err
		}
		timeline, err := tx.Timeline().List(ctx, orderID)
		if err != nil {
			return err
		}
		details = OrderDetails{Order: order, Lines: lines, Timeline: timeline}
		return nil
	})
	return details, err
}

// ListOrders возвращает последние заказы, новые первыми.
func (s *Service) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	limit = normalizeLimit(limit)

	var orders []domain.Order
	err := s.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		orders, err = tx.Orders().List(ctx, limit)
		return err
	})
	return orders, err
}

// CreateProduct добавляет товар в каталог.
func (s *Service) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if errs := product.ValidateInvariants(); len(errs) > 0 {
		return domain.Product{}, errors.Join(errs...)
	}

	var created domain.Product
	err := s.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		created, err = tx.Products().Create(ctx, product)
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}
	s.logger.WithField("product_id", created.ID).Info("product created")
	return created, nil
}

func (s *Service) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	if id <= 0 {
		return domain.Product{}, domain.ErrProductIDInvalid
	}

	var product domain.Product
	err := s.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		product, err = tx.Products().Get(ctx, id)
		return err
	})
	return product, err
}

func (s *Service) ListProducts(ctx context.Context, limit int) ([]domain.Product, error) {
	limit = normalizeLimit(limit)

	var products []domain.Product
	err := s.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		products, err = tx.Products().List(ctx, limit)
		return err
	})
	return products, err
}

// UpdateProduct перезаписывает товар; product.Version должна совпадать с текущей.
// Цена уже созданных заказов не меняется.
func (s *Service) UpdateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if product.ID <= 0 {
		return domain.Product{}, domain.ErrProductIDInvalid
	}
	if errs := product.ValidateInvariants(); len(errs) > 0 {
		return domain.Product{}, errors.Join(errs...)
	}

	var updated domain.Product
	err := s.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		updated, err = tx.Products().Update(ctx, product)
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}
	s.logger.WithFields(log.Fields{
		"product_id": updated.ID,
		"version":    updated.Version,
	}).Info("product updated")
	return updated, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	if id <= 0 {
		return domain.ErrProductIDInvalid
	}
	err := s.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Products().Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.WithField("product_id", id).Info("product deleted")
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

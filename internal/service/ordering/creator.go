package ordering

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
	"github.com/vladislavdragonenkov/stockorders/internal/metrics"
)

// Шаги создания заказа.
const (
	createStepLoadProducts  = "load_products"
	createStepCheckStock    = "check_stock"
	createStepInsertOrder   = "insert_order"
	createStepInsertLines   = "insert_lines"
	createStepEnqueueEvents = "enqueue_events"
)

// Creator создаёт черновики заказов с ценами, зафиксированными на момент создания.
type Creator struct {
	uow   domain.UnitOfWork
	obs   *observer
	now   func() time.Time
	newID func() string
}

// NewCreator создаёт оркестратор создания заказов. metrics может быть nil.
func NewCreator(uow domain.UnitOfWork, m *metrics.OrderMetrics, logger *log.Entry) *Creator {
	return &Creator{
		uow:   uow,
		obs:   newObserver(m, logger, "order-creator"),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Create проверяет товары и предварительно остатки, затем в одной транзакции
// сохраняет заказ в статусе pending, его позиции и событие OrderCreated.
// Остатки при создании не списываются.
func (c *Creator) Create(ctx context.Context, items []domain.RequestedItem) (domain.Order, error) {
	details, err := c.CreateWithLines(ctx, items)
	if err != nil {
		return domain.Order{}, err
	}
	return details.Order, nil
}

// CreateWithLines делает то же, что Create, и возвращает сохранённые позиции.
func (c *Creator) CreateWithLines(ctx context.Context, items []domain.RequestedItem) (OrderDetails, error) {
	if errs := domain.ValidateRequestedItems(items); len(errs) > 0 {
		err := errors.Join(errs...)
		c.obs.metrics.RecordOrderCreated(resultLabel(err, ""))
		return OrderDetails{}, err
	}

	ctx, op := c.obs.start(ctx, "create", log.Fields{"items": len(items)},
		attribute.Int("order.items", len(items)))

	var created OrderDetails
	err := c.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		order, lines, err := c.create(ctx, op, tx, items)
		if err != nil {
			return err
		}
		created = OrderDetails{Order: order, Lines: lines}
		return nil
	})
	if err == nil {
		op.logger = op.logger.WithField("order_id", created.Order.ID)
		op.span.SetAttributes(attribute.String("order.id", created.Order.ID))
		c.obs.metrics.RecordOutboxEvent()
		c.obs.metrics.RecordTimelineEvent()
	}
	op.end(err)
	c.obs.metrics.RecordOrderCreated(resultLabel(err, ""))
	if err != nil {
		return OrderDetails{}, err
	}
	return created, nil
}

func (c *Creator) create(ctx context.Context, op *operation, tx domain.Tx, items []domain.RequestedItem) (domain.Order, []domain.OrderLine, error) {
	ids := requestedProductIDs(items)

	var products map[int64]domain.Product
	err := op.step(ctx, createStepLoadProducts, func(ctx context.Context) error {
		found, err := tx.Products().FindByIDs(ctx, ids)
		if err != nil {
			return err
		}
		if missing := domain.MissingProductIDs(ids, found); len(missing) > 0 {
			return &domain.MissingProductsError{IDs: missing}
		}
		products = found
		return nil
	})
	if err != nil {
		return domain.Order{}, nil, err
	}

	// Предварительная проверка по каждой позиции; окончательная будет при подтверждении.
	err = op.step(ctx, createStepCheckStock, func(context.Context) error {
		for _, item := range items {
			product := products[item.ProductID]
			if !product.HasStock(item.Qty) {
				return &domain.InsufficientStockError{
					ProductID:   item.ProductID,
					Available:   product.Stock,
					Requested:   int64(item.Qty),
					Preliminary: true,
				}
			}
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, nil, err
	}

	now := c.now()
	order := domain.Order{
		ID:        c.newID(),
		Status:    domain.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = op.step(ctx, createStepInsertOrder, func(ctx context.Context) error {
		return tx.Orders().Create(ctx, order)
	})
	if err != nil {
		return domain.Order{}, nil, err
	}

	lines := make([]domain.OrderLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.OrderLine{
			ID:             c.newID(),
			OrderID:        order.ID,
			ProductID:      item.ProductID,
			Qty:            item.Qty,
			UnitPriceMinor: products[item.ProductID].PriceMinor,
			CreatedAt:      now,
		})
	}
	err = op.step(ctx, createStepInsertLines, func(ctx context.Context) error {
		return tx.Orders().AddLines(ctx, lines)
	})
	if err != nil {
		return domain.Order{}, nil, err
	}

	err = op.step(ctx, createStepEnqueueEvents, func(ctx context.Context) error {
		payload := domain.NewOrderCreatedPayload(order, lines)
		return recordEvent(ctx, tx, order.ID, domain.EventTypeOrderCreated, payload, now)
	})
	if err != nil {
		return domain.Order{}, nil, err
	}
	return order, lines, nil
}

// requestedProductIDs возвращает уникальные ID товаров в порядке первого появления.
func requestedProductIDs(items []domain.RequestedItem) []int64 {
	seen := make(map[int64]struct{}, len(items))
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

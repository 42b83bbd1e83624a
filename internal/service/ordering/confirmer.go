package ordering

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
	"github.com/vladislavdragonenkov/stockorders/internal/metrics"
	"github.com/vladislavdragonenkov/stockorders/internal/pricing"
)

// Quote - результат пробного подтверждения: итоги и план списания без фиксации.
type Quote struct {
	// Order - заказ в том виде, в каком он был бы после подтверждения.
	Order domain.Order
	Lines []domain.OrderLine
	Plan  []domain.StockDecrement
	// DistinctProducts - число разных товаров, учтённое правилами скидок.
	DistinctProducts int
}

// Confirmer подтверждает заказы: оценивает их и списывает остатки в одной транзакции.
type Confirmer struct {
	uow     domain.UnitOfWork
	pricing *pricing.Engine
	obs     *observer
	now     func() time.Time
}

// NewConfirmer создаёт оркестратор подтверждения. engine по умолчанию использует DefaultRules.
func NewConfirmer(uow domain.UnitOfWork, engine *pricing.Engine, m *metrics.OrderMetrics, logger *log.Entry) *Confirmer {
	if engine == nil {
		engine = pricing.NewEngine(pricing.DefaultRules())
	}
	return &Confirmer{
		uow:     uow,
		pricing: engine,
		obs:     newObserver(m, logger, "order-confirmer"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Confirm переводит заказ из pending в confirmed: проверяет остатки, считает итоги
// со скидками и списывает остатки через CAS по версии. При любой ошибке
// или отмене ctx транзакция откатывается целиком. Повторов нет: конфликт
// возвращается вызывающему как *domain.StockConflictError.
func (c *Confirmer) Confirm(ctx context.Context, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}

	ctx, op := c.obs.start(ctx, "confirm", log.Fields{"order_id": orderID},
		attribute.String("order.id", orderID))
	finish := c.obs.metrics.ConfirmationStarted()

	var result confirmation
	err := c.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		result, err = c.run(ctx, op, tx, orderID, true)
		return err
	})

	finish(resultLabel(err, "confirmed"), time.Since(op.started))
	op.end(err)
	if err != nil {
		return domain.Order{}, err
	}

	c.obs.metrics.RecordUnitsDecremented(result.units())
	c.obs.metrics.RecordOutboxEvent()
	c.obs.metrics.RecordTimelineEvent()
	return result.order, nil
}

// Quote выполняет все шаги подтверждения, включая CAS и сохранение заказа,
// в транзакции с пометкой rollback-only. Ни остатки, ни заказ не меняются,
// но конфликты и нехватка остатков обнаруживаются так же, как в Confirm.
func (c *Confirmer) Quote(ctx context.Context, orderID string) (Quote, error) {
	if orderID == "" {
		return Quote{}, domain.ErrOrderIDRequired
	}

	ctx, op := c.obs.start(ctx, "quote", log.Fields{"order_id": orderID},
		attribute.String("order.id", orderID))

	var result confirmation
	err := c.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		tx.SetRollbackOnly()
		var err error
		result, err = c.run(ctx, op, tx, orderID, false)
		return err
	})
	op.end(err)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Order:            result.order,
		Lines:            result.lines,
		Plan:             result.plan,
		DistinctProducts: result.quote.DistinctProducts,
	}, nil
}

type confirmation struct {
	order domain.Order
	lines []domain.OrderLine
	quote pricing.Quote
	plan  []domain.StockDecrement
}

func (c confirmation) units() int {
	var units int
	for _, d := range c.plan {
		units += int(d.Qty)
	}
	return units
}

// run - шаги подтверждения в порядке выполнения. Каждый шаг виден как отдельный спан.
func (c *Confirmer) run(ctx context.Context, op *operation, tx domain.Tx, orderID string, publish bool) (confirmation, error) {
	var res confirmation

	err := op.step(ctx, string(domain.ConfirmStepLoadOrder), func(ctx context.Context) error {
		order, err := tx.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		res.order = order
		return nil
	})
	if err != nil {
		return res, err
	}

	err = op.step(ctx, string(domain.ConfirmStepCheckState), func(context.Context) error {
		return res.order.CanConfirm()
	})
	if err != nil {
		return res, err
	}

	err = op.step(ctx, string(domain.ConfirmStepLoadLines), func(ctx context.Context) error {
		lines, err := tx.Orders().Lines(ctx, res.order.ID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return fmt.Errorf("%w: order %s", domain.ErrEmptyOrder, res.order.ID)
		}
		res.lines = lines
		return nil
	})
	if err != nil {
		return res, err
	}

	var products map[int64]domain.Product
	err = op.step(ctx, string(domain.ConfirmStepLoadProducts), func(ctx context.Context) error {
		ids := domain.LineProductIDs(res.lines)
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
		return res, err
	}

	err = op.step(ctx, string(domain.ConfirmStepCheckStock), func(context.Context) error {
		return domain.CheckLineStock(res.lines, products)
	})
	if err != nil {
		return res, err
	}

	// Цены берутся из позиций заказа, каталог здесь не читается.
	err = op.step(ctx, string(domain.ConfirmStepPrice), func(context.Context) error {
		res.quote = c.pricing.Price(pricing.LinesFromOrder(res.lines))
		return nil
	})
	if err != nil {
		return res, err
	}

	err = op.step(ctx, string(domain.ConfirmStepDecrement), func(ctx context.Context) error {
		plan, err := domain.PlanStockDecrements(res.lines, products)
		if err != nil {
			return err
		}
		for _, d := range plan {
			affected, err := tx.Products().CompareAndSwapStock(ctx, d.ProductID, d.NewStock, d.ExpectedVersion)
			if err != nil {
				return fmt.Errorf("decrement stock of product %d: %w", d.ProductID, err)
			}
			if affected == 0 {
				c.obs.metrics.RecordStockConflict()
				return &domain.StockConflictError{ProductID: d.ProductID, ExpectedVersion: d.ExpectedVersion}
			}
		}
		res.plan = plan
		return nil
	})
	if err != nil {
		return res, err
	}

	err = op.step(ctx, string(domain.ConfirmStepSaveOrder), func(ctx context.Context) error {
		if err := res.order.Confirm(res.quote.Totals(), c.now()); err != nil {
			return err
		}
		if err := tx.Orders().Save(ctx, res.order); err != nil {
			return err
		}
		res.order.Version++
		return nil
	})
	if err != nil {
		return res, err
	}

	if !publish {
		return res, nil
	}
	err = op.step(ctx, string(domain.ConfirmStepEnqueueEvents), func(ctx context.Context) error {
		payload := domain.NewOrderConfirmedPayload(res.order, res.plan)
		return recordEvent(ctx, tx, res.order.ID, domain.EventTypeOrderConfirmed, payload, res.order.ConfirmedAt)
	})
	return res, err
}

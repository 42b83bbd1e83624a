package grpcsvc

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	ordersv1 "github.com/vladislavdragonenkov/stockorders/api/orders/v1"
	"github.com/vladislavdragonenkov/stockorders/internal/domain"
	"github.com/vladislavdragonenkov/stockorders/internal/service/ordering"
)

// Ordering - сценарии, которые вызывает транспортный слой.
type Ordering interface {
	CreateOrderWithLines(ctx context.Context, items []domain.RequestedItem) (ordering.OrderDetails, error)
	ConfirmOrder(ctx context.Context, orderID string) (domain.Order, error)
	QuoteOrder(ctx context.Context, orderID string) (ordering.Quote, error)
	GetOrder(ctx context.Context, orderID string) (ordering.OrderDetails, error)
	ListOrders(ctx context.Context, limit int) ([]domain.Order, error)
	CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error)
	GetProduct(ctx context.Context, id int64) (domain.Product, error)
	ListProducts(ctx context.Context, limit int) ([]domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (domain.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
}

// OrderService реализует gRPC API поверх сценариев заказов.
type OrderService struct {
	ordersv1.UnimplementedOrderServiceServer

	ordering Ordering
	idemRepo domain.IdempotencyRepository
	idemTTL  time.Duration
	logger   *log.Entry
	now      func() time.Time
}

// NewOrderService конструирует сервис. Без idemRepo idempotency-key не требуется.
func NewOrderService(svc Ordering, idemRepo domain.IdempotencyRepository, idemTTL time.Duration, logger *log.Entry) *OrderService {
	if logger == nil {
		logger = log.New().WithField("component", "order-grpc")
	}
	if idemTTL <= 0 {
		idemTTL = DefaultIdempotencyTTL
	}
	return &OrderService{
		ordering: svc,
		idemRepo: idemRepo,
		idemTTL:  idemTTL,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder создаёт заказ в статусе pending. Требует idempotency-key.
func (s *OrderService) CreateOrder(ctx context.Context, req *ordersv1.CreateOrderRequest) (*ordersv1.CreateOrderResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	items := make([]domain.RequestedItem, 0, len(req.Items))
	for idx, item := range req.Items {
		if item == nil {
			return nil, status.Errorf(codes.InvalidArgument, "items[%d] is nil", idx)
		}
		items = append(items, domain.RequestedItem{ProductID: item.ProductID, Qty: item.Qty})
	}

	return withIdempotency(s, ctx, ordersv1.OrderService_CreateOrder_FullMethodName, req,
		func(ctx context.Context) (*ordersv1.CreateOrderResponse, error) {
			details, err := s.ordering.CreateOrderWithLines(ctx, items)
			if err != nil {
				return nil, s.fail(err, "CreateOrder", "")
			}
			return &ordersv1.CreateOrderResponse{Order: toAPIOrder(details.Order, details.Lines)}, nil
		},
	)
}

// ConfirmOrder подтверждает заказ и списывает остатки. Требует idempotency-key.
func (s *OrderService) ConfirmOrder(ctx context.Context, req *ordersv1.ConfirmOrderRequest) (*ordersv1.ConfirmOrderResponse, error) {
	if req == nil || req.OrderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}

	return withIdempotency(s, ctx, ordersv1.OrderService_ConfirmOrder_FullMethodName, req,
		func(ctx context.Context) (*ordersv1.ConfirmOrderResponse, error) {
			order, err := s.ordering.ConfirmOrder(ctx, req.OrderID)
			if err != nil {
				return nil, s.fail(err, "ConfirmOrder", req.OrderID)
			}
			return &ordersv1.ConfirmOrderResponse{Order: toAPIOrder(order, nil)}, nil
		},
	)
}

// QuoteOrder возвращает итоги подтверждения без фиксации.
func (s *OrderService) QuoteOrder(ctx context.Context, req *ordersv1.QuoteOrderRequest) (*ordersv1.QuoteOrderResponse, error) {
	if req == nil || req.OrderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}

	quote, err := s.ordering.QuoteOrder(ctx, req.OrderID)
	if err != nil {
		return nil, s.fail(err, "QuoteOrder", req.OrderID)
	}

	changes := make([]*ordersv1.StockChange, 0, len(quote.Plan))
	for _, d := range quote.Plan {
		changes = append(changes, &ordersv1.StockChange{ProductID: d.ProductID, Qty: d.Qty, NewStock: d.NewStock})
	}
	return &ordersv1.QuoteOrderResponse{
		Order:            toAPIOrder(quote.Order, quote.Lines),
		StockChanges:     changes,
		DistinctProducts: int32(quote.DistinctProducts), //nolint:gosec // bounded by the number of order lines.
	}, nil
}

// GetOrder возвращает заказ с позициями и timeline.
func (s *OrderService) GetOrder(ctx context.Context, req *ordersv1.GetOrderRequest) (*ordersv1.GetOrderResponse, error) {
	if req == nil || req.OrderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}

	details, err := s.ordering.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, s.fail(err, "GetOrder", req.OrderID)
	}

	timeline := make([]*ordersv1.TimelineEvent, 0, len(details.Timeline))
	for _, event := range details.Timeline {
		timeline = append(timeline, &ordersv1.TimelineEvent{
			Type:     event.Type,
			Reason:   event.Reason,
			UnixTime: event.Occurred.Unix(),
		})
	}
	return &ordersv1.GetOrderResponse{
		Order:    toAPIOrder(details.Order, details.Lines),
		Timeline: timeline,
	}, nil
}

func (s *OrderService) ListOrders(ctx context.Context, req *ordersv1.ListOrdersRequest) (*ordersv1.ListOrdersResponse, error) {
	var limit int
	if req != nil {
		limit = int(req.PageSize)
	}

	orders, err := s.ordering.ListOrders(ctx, limit)
	if err != nil {
		return nil, s.fail(err, "ListOrders", "")
	}

	result := make([]*ordersv1.Order, 0, len(orders))
	for _, order := range orders {
		result = append(result, toAPIOrder(order, nil))
	}
	return &ordersv1.ListOrdersResponse{Orders: result}, nil
}

func (s *OrderService) CreateProduct(ctx context.Context, req *ordersv1.CreateProductRequest) (*ordersv1.CreateProductResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	product, err := s.ordering.CreateProduct(ctx, domain.Product{
		Name:       req.Name,
		PriceMinor: req.PriceMinor,
		Stock:      req.Stock,
	})
	if err != nil {
		return nil, s.fail(err, "CreateProduct", "")
	}
	return &ordersv1.CreateProductResponse{Product: toAPIProduct(product)}, nil
}

func (s *OrderService) GetProduct(ctx context.Context, req *ordersv1.GetProductRequest) (*ordersv1.GetProductResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	product, err := s.ordering.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, s.fail(err, "GetProduct", "")
	}
	return &ordersv1.GetProductResponse{Product: toAPIProduct(product)}, nil
}

func (s *OrderService) ListProducts(ctx context.Context, req *ordersv1.ListProductsRequest) (*ordersv1.ListProductsResponse, error) {
	var limit int
	if req != nil {
		limit = int(req.PageSize)
	}

	products, err := s.ordering.ListProducts(ctx, limit)
	if err != nil {
		return nil, s.fail(err, "ListProducts", "")
	}

	result := make([]*ordersv1.Product, 0, len(products))
	for _, product := range products {
		result = append(result, toAPIProduct(product))
	}
	return &ordersv1.ListProductsResponse{Products: result}, nil
}

func (s *OrderService) UpdateProduct(ctx context.Context, req *ordersv1.UpdateProductRequest) (*ordersv1.UpdateProductResponse, error) {
	if req == nil || req.Product == nil {
		return nil, status.Error(codes.InvalidArgument, "product is required")
	}

	product, err := s.ordering.UpdateProduct(ctx, domain.Product{
		ID:         req.Product.ID,
		Name:       req.Product.Name,
		PriceMinor: req.Product.PriceMinor,
		Stock:      req.Product.Stock,
		Version:    req.Product.Version,
	})
	if err != nil {
		return nil, s.fail(err, "UpdateProduct", "")
	}
	return &ordersv1.UpdateProductResponse{Product: toAPIProduct(product)}, nil
}

func (s *OrderService) DeleteProduct(ctx context.Context, req *ordersv1.DeleteProductRequest) (*ordersv1.DeleteProductResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if err := s.ordering.DeleteProduct(ctx, req.ProductID); err != nil {
		return nil, s.fail(err, "DeleteProduct", "")
	}
	return &ordersv1.DeleteProductResponse{}, nil
}

// fail переводит ошибку в статус и логирует то, что не является отказом по бизнес-правилам.
func (s *OrderService) fail(err error, operation, orderID string) error {
	st := toStatus(err)
	code := status.Code(st)
	if code == codes.Internal || code == codes.Unavailable {
		entry := s.logger.WithError(err).WithField("operation", operation)
		if orderID != "" {
			entry = entry.WithField("order_id", orderID)
		}
		entry.Error("request failed")
	}
	return st
}

func toAPIOrder(order domain.Order, lines []domain.OrderLine) *ordersv1.Order {
	result := &ordersv1.Order{
		ID:            order.ID,
		Status:        toAPIStatus(order.Status),
		Version:       order.Version,
		CreatedAtUnix: order.CreatedAt.Unix(),
	}
	if order.Totals != nil {
		result.Totals = &ordersv1.Totals{
			GrossMinor:  order.Totals.GrossMinor,
			DiscountBps: order.Totals.DiscountBps,
			FinalMinor:  order.Totals.FinalMinor,
		}
	}
	if !order.ConfirmedAt.IsZero() {
		result.ConfirmedAtUnix = order.ConfirmedAt.Unix()
	}
	for _, line := range lines {
		result.Items = append(result.Items, &ordersv1.OrderItem{
			ProductID:      line.ProductID,
			Qty:            line.Qty,
			UnitPriceMinor: line.UnitPriceMinor,
		})
	}
	return result
}

func toAPIStatus(status domain.OrderStatus) ordersv1.OrderStatus {
	switch status {
	case domain.OrderStatusPending:
		return ordersv1.OrderStatusPending
	case domain.OrderStatusConfirmed:
		return ordersv1.OrderStatusConfirmed
	default:
		return ordersv1.OrderStatusUnspecified
	}
}

func toAPIProduct(p domain.Product) *ordersv1.Product {
	return &ordersv1.Product{
		ID:         p.ID,
		Name:       p.Name,
		PriceMinor: p.PriceMinor,
		Stock:      p.Stock,
		Version:    p.Version,
	}
}

var _ ordersv1.OrderServiceServer = (*OrderService)(nil)

package app

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/metadata"

	ordersv1 "github.com/vladislavdragonenkov/stockorders/api/orders/v1"
)

func TestCreateOrderService_ConfirmsOverMemoryStorage(t *testing.T) {
	logger := log.WithField("test", "order-service")
	deps, err := initRuntimeDependencies(context.Background(), DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("init dependencies: %v", err)
	}
	defer deps.close(logger)

	svc := createOrderService(deps, DefaultConfig(), logger)
	ctx := context.Background()

	created, err := svc.CreateProduct(ctx, &ordersv1.CreateProductRequest{Name: "pen", PriceMinor: 250, Stock: 10})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	productID := created.Product.ID

	createCtx := metadata.NewIncomingContext(ctx, metadata.Pairs("idempotency-key", "create-1"))
	order, err := svc.CreateOrder(createCtx, &ordersv1.CreateOrderRequest{
		Items: []*ordersv1.OrderItem{{ProductID: productID, Qty: 4}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	confirmCtx := metadata.NewIncomingContext(ctx, metadata.Pairs("idempotency-key", "confirm-1"))
	confirmed, err := svc.ConfirmOrder(confirmCtx, &ordersv1.ConfirmOrderRequest{OrderID: order.GetOrder().ID})
	if err != nil {
		t.Fatalf("confirm order: %v", err)
	}
	if confirmed.GetOrder().GetStatus() != ordersv1.OrderStatusConfirmed {
		t.Fatalf("expected confirmed order, got %s", confirmed.GetOrder().GetStatus())
	}
	if confirmed.GetOrder().GetTotals().FinalMinor != 1000 {
		t.Fatalf("expected final 1000, got %d", confirmed.GetOrder().GetTotals().FinalMinor)
	}

	product, err := svc.GetProduct(ctx, &ordersv1.GetProductRequest{ProductID: productID})
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Product.Stock != 6 {
		t.Fatalf("expected stock 6, got %d", product.Product.Stock)
	}

	stats, err := deps.store.Outbox().Stats(ctx)
	if err != nil {
		t.Fatalf("outbox stats: %v", err)
	}
	if stats.PendingCount != 2 {
		t.Fatalf("expected created and confirmed events pending, got %d", stats.PendingCount)
	}
}

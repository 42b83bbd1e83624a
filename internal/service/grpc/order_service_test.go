package grpcsvc_test

import (
	"context"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	ordersv1 "github.com/vladislavdragonenkov/stockorders/api/orders/v1"
	grpcsvc "github.com/vladislavdragonenkov/stockorders/internal/service/grpc"
	"github.com/vladislavdragonenkov/stockorders/internal/service/ordering"
	"github.com/vladislavdragonenkov/stockorders/internal/storage/memory"
)

const bufSize = 1024 * 1024

func idemCtx(key string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "idempotency-key", key)
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.WarnLevel)
	return logger.WithField("component", "test")
}

type OrderServiceSuite struct {
	suite.Suite

	server *grpc.Server
	conn   *grpc.ClientConn
	client ordersv1.OrderServiceClient
}

func TestOrderServiceSuite(t *testing.T) {
	suite.Run(t, new(OrderServiceSuite))
}

func (s *OrderServiceSuite) SetupTest() {
	listener := bufconn.Listen(bufSize)
	logger := loggerForTests()

	store := memory.NewStore()
	svc := ordering.NewService(store, nil, nil, logger)
	service := grpcsvc.NewOrderService(svc, memory.NewIdempotencyRepository(), 0, logger)

	s.server = grpc.NewServer()
	ordersv1.RegisterOrderServiceServer(s.server, service)
	go func() { _ = s.server.Serve(listener) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	s.Require().NoError(err)
	s.conn = conn
	s.client = ordersv1.NewOrderServiceClient(conn)
}

func (s *OrderServiceSuite) TearDownTest() {
	_ = s.conn.Close()
	s.server.Stop()
}

func (s *OrderServiceSuite) createProduct(name string, price int64, stock int32) *ordersv1.Product {
	resp, err := s.client.CreateProduct(context.Background(), &ordersv1.CreateProductRequest{Name: name, PriceMinor: price, Stock: stock})
	s.Require().NoError(err)
	return resp.Product
}

func (s *OrderServiceSuite) TestCreateAndConfirmOrder() {
	lamp := s.createProduct("lamp", 60000, 5)
	desk := s.createProduct("desk", 10000, 5)

	created, err := s.client.CreateOrder(idemCtx("create-1"), &ordersv1.CreateOrderRequest{
		Items: []*ordersv1.OrderItem{{ProductID: lamp.ID, Qty: 1}, {ProductID: desk.ID, Qty: 5}},
	})
	s.Require().NoError(err)
	order := created.GetOrder()
	s.Require().Equal(ordersv1.OrderStatusPending, order.Status)
	s.Require().Len(order.Items, 2)
	s.Require().Equal(int64(60000), order.Items[0].UnitPriceMinor)
	s.Require().Nil(order.Totals)

	confirmed, err := s.client.ConfirmOrder(idemCtx("confirm-1"), &ordersv1.ConfirmOrderRequest{OrderID: order.ID})
	s.Require().NoError(err)
	s.Require().Equal(ordersv1.OrderStatusConfirmed, confirmed.GetOrder().GetStatus())
	s.Require().Equal(&ordersv1.Totals{GrossMinor: 110000, DiscountBps: 1000, FinalMinor: 99000}, confirmed.GetOrder().GetTotals())

	details, err := s.client.GetOrder(context.Background(), &ordersv1.GetOrderRequest{OrderID: order.ID})
	s.Require().NoError(err)
	s.Require().Len(details.Timeline, 2)
	s.Require().Len(details.GetOrder().Items, 2)

	stock, err := s.client.GetProduct(context.Background(), &ordersv1.GetProductRequest{ProductID: desk.ID})
	s.Require().NoError(err)
	s.Require().Equal(int32(0), stock.Product.Stock)

	// Повторное подтверждение с новым ключом запрещено.
	_, err = s.client.ConfirmOrder(idemCtx("confirm-2"), &ordersv1.ConfirmOrderRequest{OrderID: order.ID})
	s.requireErrorInfo(err, codes.FailedPrecondition, "INVALID_STATE")
}

func (s *OrderServiceSuite) TestIdempotencyKeyIsRequired() {
	_, err := s.client.CreateOrder(context.Background(), &ordersv1.CreateOrderRequest{})
	s.Require().Equal(codes.InvalidArgument, status.Code(err))

	_, err = s.client.ConfirmOrder(context.Background(), &ordersv1.ConfirmOrderRequest{OrderID: "x"})
	s.Require().Equal(codes.InvalidArgument, status.Code(err))
}

func (s *OrderServiceSuite) TestCreateOrderReplaysCachedResponse() {
	p := s.createProduct("pen", 100, 10)
	req := &ordersv1.CreateOrderRequest{Items: []*ordersv1.OrderItem{{ProductID: p.ID, Qty: 1}}}

	first, err := s.client.CreateOrder(idemCtx("same"), req)
	s.Require().NoError(err)
	second, err := s.client.CreateOrder(idemCtx("same"), req)
	s.Require().NoError(err)
	s.Require().Equal(first.GetOrder().GetID(), second.GetOrder().GetID())

	list, err := s.client.ListOrders(context.Background(), &ordersv1.ListOrdersRequest{})
	s.Require().NoError(err)
	s.Require().Len(list.Orders, 1)

	_, err = s.client.CreateOrder(idemCtx("same"), &ordersv1.CreateOrderRequest{
		Items: []*ordersv1.OrderItem{{ProductID: p.ID, Qty: 2}},
	})
	s.Require().Equal(codes.AlreadyExists, status.Code(err))
}

func (s *OrderServiceSuite) TestMissingProductsAreReported() {
	_, err := s.client.CreateOrder(idemCtx("missing"), &ordersv1.CreateOrderRequest{
		Items: []*ordersv1.OrderItem{{ProductID: 7, Qty: 1}, {ProductID: 3, Qty: 1}},
	})
	info := s.requireErrorInfo(err, codes.NotFound, "NOT_FOUND")
	s.Require().Equal("3,7", info.Metadata["missing_product_ids"])
	s.Require().Equal("false", info.Metadata["retryable"])
}

func (s *OrderServiceSuite) TestInsufficientStockFailureIsCached() {
	p := s.createProduct("chair", 100, 5)
	created, err := s.client.CreateOrder(idemCtx("c"), &ordersv1.CreateOrderRequest{
		Items: []*ordersv1.OrderItem{{ProductID: p.ID, Qty: 3}, {ProductID: p.ID, Qty: 3}},
	})
	s.Require().NoError(err)

	req := &ordersv1.ConfirmOrderRequest{OrderID: created.GetOrder().GetID()}
	_, err = s.client.ConfirmOrder(idemCtx("confirm"), req)
	info := s.requireErrorInfo(err, codes.FailedPrecondition, "INSUFFICIENT_STOCK")
	s.Require().Equal("true", info.Metadata["aggregated"])
	s.Require().Equal("6", info.Metadata["requested"])

	_, err = s.client.ConfirmOrder(idemCtx("confirm"), req)
	replayed := s.requireErrorInfo(err, codes.FailedPrecondition, "INSUFFICIENT_STOCK")
	s.Require().Equal(info.Metadata, replayed.Metadata)
}

func (s *OrderServiceSuite) TestReplayedConfirmFailureKeepsErrorInfo() {
	p := s.createProduct("shelf", 100, 5)
	created, err := s.client.CreateOrder(idemCtx("shelf-order"), &ordersv1.CreateOrderRequest{
		Items: []*ordersv1.OrderItem{{ProductID: p.ID, Qty: 1}},
	})
	s.Require().NoError(err)
	req := &ordersv1.ConfirmOrderRequest{OrderID: created.GetOrder().GetID()}

	_, err = s.client.ConfirmOrder(idemCtx("shelf-confirm-1"), req)
	s.Require().NoError(err)

	_, err = s.client.ConfirmOrder(idemCtx("shelf-confirm-2"), req)
	first := s.requireErrorInfo(err, codes.FailedPrecondition, "INVALID_STATE")
	s.Require().Equal("false", first.Metadata["retryable"])

	_, err = s.client.ConfirmOrder(idemCtx("shelf-confirm-2"), req)
	replayed := s.requireErrorInfo(err, codes.FailedPrecondition, "INVALID_STATE")
	s.Require().Equal(first.Metadata, replayed.Metadata)
}

func (s *OrderServiceSuite) TestQuoteAndCatalog() {
	p := s.createProduct("mug", 250, 4)
	created, err := s.client.CreateOrder(idemCtx("q"), &ordersv1.CreateOrderRequest{
		Items: []*ordersv1.OrderItem{{ProductID: p.ID, Qty: 4}},
	})
	s.Require().NoError(err)

	quote, err := s.client.QuoteOrder(context.Background(), &ordersv1.QuoteOrderRequest{OrderID: created.GetOrder().GetID()})
	s.Require().NoError(err)
	s.Require().Equal(ordersv1.OrderStatusConfirmed, quote.Order.Status)
	s.Require().Equal(int64(1000), quote.Order.Totals.FinalMinor)
	s.Require().Equal(int32(1), quote.DistinctProducts)
	s.Require().Len(quote.StockChanges, 1)
	s.Require().Equal(int32(0), quote.StockChanges[0].NewStock)

	got, err := s.client.GetProduct(context.Background(), &ordersv1.GetProductRequest{ProductID: p.ID})
	s.Require().NoError(err)
	s.Require().Equal(int32(4), got.Product.Stock)

	update := *got.Product
	update.PriceMinor = 300
	updated, err := s.client.UpdateProduct(context.Background(), &ordersv1.UpdateProductRequest{Product: &update})
	s.Require().NoError(err)
	s.Require().Equal(got.Product.Version+1, updated.Product.Version)

	_, err = s.client.UpdateProduct(context.Background(), &ordersv1.UpdateProductRequest{Product: &update})
	s.requireErrorInfo(err, codes.Aborted, "CONCURRENCY_CONFLICT")

	_, err = s.client.DeleteProduct(context.Background(), &ordersv1.DeleteProductRequest{ProductID: p.ID})
	s.Require().NoError(err)
	list, err := s.client.ListProducts(context.Background(), &ordersv1.ListProductsRequest{})
	s.Require().NoError(err)
	s.Require().Empty(list.Products)
}

func (s *OrderServiceSuite) requireErrorInfo(err error, code codes.Code, reason string) *errdetails.ErrorInfo {
	s.T().Helper()
	s.Require().Error(err)
	s.Require().Equal(code, status.Code(err), "unexpected status: %v", err)
	info, ok := grpcsvc.ErrorInfoFromStatus(err)
	s.Require().True(ok, "error info detail is missing")
	s.Require().Equal(reason, info.GetReason())
	s.Require().Equal(grpcsvc.ErrorDomain, info.GetDomain())
	return info
}

func TestOrderService_WithoutIdempotencyRepository(t *testing.T) {
	store := memory.NewStore()
	service := grpcsvc.NewOrderService(ordering.NewService(store, nil, nil, loggerForTests()), nil, 0, loggerForTests())

	_, err := service.ConfirmOrder(context.Background(), &ordersv1.ConfirmOrderRequest{OrderID: "missing"})
	require.Equal(t, codes.NotFound, status.Code(err))
}

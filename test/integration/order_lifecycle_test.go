package integration

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	ordersv1 "github.com/vladislavdragonenkov/stockorders/api/orders/v1"
	"github.com/vladislavdragonenkov/stockorders/internal/client"
	"github.com/vladislavdragonenkov/stockorders/internal/domain"
	"github.com/vladislavdragonenkov/stockorders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/stockorders/internal/metrics"
	"github.com/vladislavdragonenkov/stockorders/internal/pricing"
	grpcsvc "github.com/vladislavdragonenkov/stockorders/internal/service/grpc"
	"github.com/vladislavdragonenkov/stockorders/internal/service/ordering"
	"github.com/vladislavdragonenkov/stockorders/internal/service/outbox"
	"github.com/vladislavdragonenkov/stockorders/internal/storage/memory"
)

// OrderLifecycleTestSuite прогоняет заказ через gRPC, хранилище, outbox и Kafka в одном процессе.
type OrderLifecycleTestSuite struct {
	suite.Suite

	spans    *tracetest.SpanRecorder
	provider *sdktrace.TracerProvider
	previous trace.TracerProvider

	store    *memory.Store
	registry *prometheus.Registry
	server   *grpc.Server
	conn     *grpc.ClientConn
	api      ordersv1.OrderServiceClient
	logger   *log.Entry
}

func TestOrderLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}

func (s *OrderLifecycleTestSuite) SetupSuite() {
	s.spans = tracetest.NewSpanRecorder()
	s.provider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(s.spans))
	s.previous = otel.GetTracerProvider()
	otel.SetTracerProvider(s.provider)
}

func (s *OrderLifecycleTestSuite) TearDownSuite() {
	otel.SetTracerProvider(s.previous)
	_ = s.provider.Shutdown(context.Background())
}

func (s *OrderLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	s.logger = baseLogger.WithField("component", "integration-test")

	s.store = memory.NewStore()
	s.registry = prometheus.NewRegistry()

	svc := ordering.NewService(
		s.store,
		pricing.NewEngine(pricing.DefaultRules()),
		metrics.NewOrderMetricsWithRegisterer(s.registry),
		s.logger,
	)
	service := grpcsvc.NewOrderService(svc, memory.NewIdempotencyRepository(), time.Hour, s.logger)

	listener := bufconn.Listen(1 << 20)
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
	s.api = ordersv1.NewOrderServiceClient(conn)
}

func (s *OrderLifecycleTestSuite) TearDownTest() {
	_ = s.conn.Close()
	s.server.Stop()
}

func (s *OrderLifecycleTestSuite) createProduct(name string, price int64, stock int32) *ordersv1.Product {
	resp, err := s.api.CreateProduct(context.Background(), &ordersv1.CreateProductRequest{Name: name, PriceMinor: price, Stock: stock})
	s.Require().NoError(err)
	return resp.Product
}

func withKey(key string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "idempotency-key", key)
}

func (s *OrderLifecycleTestSuite) TestConfirmedOrderIsPublishedToKafka() {
	laptop := s.createProduct("laptop", 90000, 3)
	mouse := s.createProduct("mouse", 2500, 10)

	created, err := s.api.CreateOrder(withKey("create-laptop"), &ordersv1.CreateOrderRequest{
		Items: []*ordersv1.OrderItem{{ProductID: laptop.ID, Qty: 1}, {ProductID: mouse.ID, Qty: 2}},
	})
	s.Require().NoError(err)
	orderID := created.GetOrder().GetID()
	s.Equal(ordersv1.OrderStatusPending, created.GetOrder().GetStatus())

	confirmed, err := s.api.ConfirmOrder(withKey("confirm-laptop"), &ordersv1.ConfirmOrderRequest{OrderID: orderID})
	s.Require().NoError(err)
	totals := confirmed.GetOrder().GetTotals()
	s.Equal(int64(95000), totals.GrossMinor)
	s.Equal(int32(0), totals.DiscountBps)
	s.Equal(int64(95000), totals.FinalMinor)

	details, err := s.api.GetOrder(context.Background(), &ordersv1.GetOrderRequest{OrderID: orderID})
	s.Require().NoError(err)
	s.Require().Len(details.Timeline, 2)
	s.Equal(domain.EventTypeOrderCreated, details.Timeline[0].Type)
	s.Equal(domain.EventTypeOrderConfirmed, details.Timeline[1].Type)

	syncProducer := mocks.NewSyncProducer(s.T(), nil)
	var (
		mu       sync.Mutex
		messages []*sarama.ProducerMessage
	)
	capture := func(msg *sarama.ProducerMessage) error {
		mu.Lock()
		defer mu.Unlock()
		messages = append(messages, msg)
		return nil
	}
	syncProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(capture)
	syncProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(capture)

	producer := kafka.NewProducerFromSync(syncProducer, s.logger)
	worker := outbox.NewWorker(
		s.store.Outbox(),
		kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents),
		outbox.WithLogger(s.logger),
		outbox.WithMetrics(metrics.NewOutboxMetrics(s.registry)),
	)
	s.Equal(2, worker.ProcessOnce(context.Background()))
	s.Require().NoError(producer.Close())

	s.Require().Len(messages, 2)
	for _, msg := range messages {
		s.Equal(kafka.TopicOrderEvents, msg.Topic)
		key, err := msg.Key.Encode()
		s.Require().NoError(err)
		s.Equal(orderID, string(key))
	}

	headers := map[string]string{}
	for _, h := range messages[1].Headers {
		headers[string(h.Key)] = string(h.Value)
	}
	s.Equal(domain.EventTypeOrderConfirmed, headers[kafka.HeaderEventType])
	s.NotEmpty(headers["traceparent"], "confirmation trace must travel with the event")

	value, err := messages[1].Value.Encode()
	s.Require().NoError(err)
	envelope, err := kafka.ParseEnvelope(value)
	s.Require().NoError(err)
	var payload domain.OrderConfirmedPayload
	s.Require().NoError(json.Unmarshal(envelope.Payload, &payload))
	s.Equal(orderID, payload.OrderID)
	s.Equal(int64(95000), payload.FinalMinor)
	s.ElementsMatch([]domain.StockChange{
		{ProductID: laptop.ID, Qty: 1, NewStock: 2},
		{ProductID: mouse.ID, Qty: 2, NewStock: 8},
	}, payload.StockChanges)

	stats, err := s.store.Outbox().Stats(context.Background())
	s.Require().NoError(err)
	s.Zero(stats.PendingCount)
	s.NoError(testutil.GatherAndCompare(s.registry, strings.NewReader(`
# HELP oms_outbox_publish_attempts_total Total number of outbox publish attempts grouped by result.
# TYPE oms_outbox_publish_attempts_total counter
oms_outbox_publish_attempts_total{result="sent"} 2
`), "oms_outbox_publish_attempts_total"))
}

func (s *OrderLifecycleTestSuite) TestDiscountsApplyOnLargeOrders() {
	var items []*ordersv1.OrderItem
	for i := 0; i < 6; i++ {
		p := s.createProduct("item", 20000, 5)
		items = append(items, &ordersv1.OrderItem{ProductID: p.ID, Qty: 1})
	}

	created, err := s.api.CreateOrder(withKey("create-bulk"), &ordersv1.CreateOrderRequest{Items: items})
	s.Require().NoError(err)

	quote, err := s.api.QuoteOrder(context.Background(), &ordersv1.QuoteOrderRequest{OrderID: created.GetOrder().GetID()})
	s.Require().NoError(err)
	s.Equal(int32(6), quote.DistinctProducts)
	s.Equal(int32(1500), quote.Order.GetTotals().DiscountBps)
	s.Equal(int64(102000), quote.Order.GetTotals().FinalMinor)
	s.Equal(ordersv1.OrderStatusPending, quote.Order.GetStatus())

	confirmed, err := s.api.ConfirmOrder(withKey("confirm-bulk"), &ordersv1.ConfirmOrderRequest{OrderID: created.GetOrder().GetID()})
	s.Require().NoError(err)
	s.Equal(quote.Order.GetTotals().FinalMinor, confirmed.GetOrder().GetTotals().FinalMinor)
}

func (s *OrderLifecycleTestSuite) TestInsufficientStockLeavesEverythingUntouched() {
	scarce := s.createProduct("scarce", 1000, 1)
	plenty := s.createProduct("plenty", 1000, 100)

	first, err := s.api.CreateOrder(withKey("create-a"), &ordersv1.CreateOrderRequest{
		Items: []*ordersv1.OrderItem{{ProductID: scarce.ID, Qty: 1}},
	})
	s.Require().NoError(err)
	second, err := s.api.CreateOrder(withKey("create-b"), &ordersv1.CreateOrderRequest{
		Items: []*ordersv1.OrderItem{{ProductID: plenty.ID, Qty: 10}, {ProductID: scarce.ID, Qty: 1}},
	})
	s.Require().NoError(err)

	_, err = s.api.ConfirmOrder(withKey("confirm-a"), &ordersv1.ConfirmOrderRequest{OrderID: first.GetOrder().GetID()})
	s.Require().NoError(err)

	_, err = s.api.ConfirmOrder(withKey("confirm-b"), &ordersv1.ConfirmOrderRequest{OrderID: second.GetOrder().GetID()})
	s.Require().Error(err)
	s.Equal(codes.FailedPrecondition, status.Code(err))
	info, ok := grpcsvc.ErrorInfoFromStatus(err)
	s.Require().True(ok)
	s.Equal("INSUFFICIENT_STOCK", info.GetReason())

	got, err := s.api.GetProduct(context.Background(), &ordersv1.GetProductRequest{ProductID: plenty.ID})
	s.Require().NoError(err)
	s.Equal(int32(100), got.Product.Stock, "partial decrement must be rolled back")

	details, err := s.api.GetOrder(context.Background(), &ordersv1.GetOrderRequest{OrderID: second.GetOrder().GetID()})
	s.Require().NoError(err)
	s.Equal(ordersv1.OrderStatusPending, details.GetOrder().GetStatus())
	s.Len(details.Timeline, 1)
}

func (s *OrderLifecycleTestSuite) TestConcurrentConfirmationsThroughRetryingClient() {
	shared := s.createProduct("shared", 100, 10)
	c := client.New(s.conn,
		client.WithLogger(s.logger),
		client.WithRetryConfig(client.RetryConfig{MaxAttempts: 100, InitialDelay: time.Millisecond, MaxDelay: 50 * time.Millisecond, BackoffFactor: 2}),
	)

	const orders = 16
	ids := make([]string, 0, orders)
	for i := 0; i < orders; i++ {
		order, err := c.CreateOrder(context.Background(), []*ordersv1.OrderItem{{ProductID: shared.ID, Qty: 1}})
		s.Require().NoError(err)
		ids = append(ids, order.GetID())
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		confirmed int
		rejected  int
		other     []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(orderID string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := c.ConfirmOrder(ctx, orderID)

			mu.Lock()
			defer mu.Unlock()
			switch info, _ := grpcsvc.ErrorInfoFromStatus(err); {
			case err == nil:
				confirmed++
			case info.GetReason() == "INSUFFICIENT_STOCK":
				rejected++
			default:
				other = append(other, err)
			}
		}(id)
	}
	wg.Wait()

	s.Empty(other)
	s.Equal(10, confirmed)
	s.Equal(6, rejected)

	got, err := s.api.GetProduct(context.Background(), &ordersv1.GetProductRequest{ProductID: shared.ID})
	s.Require().NoError(err)
	s.Equal(int32(0), got.Product.Stock)
}

func (s *OrderLifecycleTestSuite) TestConfirmationSpansAreRecorded() {
	p := s.createProduct("traced", 500, 2)
	created, err := s.api.CreateOrder(withKey("create-traced"), &ordersv1.CreateOrderRequest{
		Items: []*ordersv1.OrderItem{{ProductID: p.ID, Qty: 1}},
	})
	s.Require().NoError(err)
	_, err = s.api.ConfirmOrder(withKey("confirm-traced"), &ordersv1.ConfirmOrderRequest{OrderID: created.GetOrder().GetID()})
	s.Require().NoError(err)

	names := map[string]bool{}
	for _, span := range s.spans.Ended() {
		names[span.Name()] = true
	}
	s.True(names["ordering.create"], "spans: %v", names)
	s.True(names["ordering.confirm"], "spans: %v", names)
}

// Package client - обёртка над gRPC-клиентом сервиса заказов с повторами
// по повторяемым ошибкам и одним idempotency-key на логический вызов.
package client

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	ordersv1 "github.com/vladislavdragonenkov/stockorders/api/orders/v1"
)

const idempotencyKeyHeader = "idempotency-key"

// Client вызывает OrderService. Ядро сервиса само не повторяет операции,
// поэтому повтор конфликтов остаётся решением вызывающего.
type Client struct {
	api      ordersv1.OrderServiceClient
	retryCfg RetryConfig
	breaker  *CircuitBreaker
	logger   *log.Entry
	sleep    func(context.Context, time.Duration) error
	newKey   func() string
}

// Option настраивает Client.
type Option func(*Client)

// WithRetryConfig задаёт политику повторов.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *Client) { c.retryCfg = cfg.normalized() }
}

// WithCircuitBreaker включает circuit breaker.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New создаёт клиента поверх соединения.
func New(conn grpc.ClientConnInterface, opts ...Option) *Client {
	return NewFromAPI(ordersv1.NewOrderServiceClient(conn), opts...)
}

// NewFromAPI создаёт клиента поверх готового OrderServiceClient.
func NewFromAPI(api ordersv1.OrderServiceClient, opts ...Option) *Client {
	c := &Client{
		api:      api,
		retryCfg: DefaultRetryConfig(),
		logger:   log.New().WithField("component", "orders-client"),
		sleep:    sleepContext,
		newKey:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// API возвращает исходный клиент для вызовов без повторов.
func (c *Client) API() ordersv1.OrderServiceClient {
	return c.api
}

// CreateOrder создаёт заказ. Все попытки идут с одним idempotency-key,
// поэтому повтор после потерянного ответа не создаст второй заказ.
func (c *Client) CreateOrder(ctx context.Context, items []*ordersv1.OrderItem) (*ordersv1.Order, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, idempotencyKeyHeader, c.newKey())
	req := &ordersv1.CreateOrderRequest{Items: items}

	var order *ordersv1.Order
	err := c.retry(ctx, "CreateOrder", "", func(ctx context.Context) error {
		resp, err := c.api.CreateOrder(ctx, req)
		if err != nil {
			return err
		}
		order = resp.GetOrder()
		return nil
	})
	return order, err
}

// ConfirmOrder подтверждает заказ, повторяя конфликты CAS и недоступность хранилища.
func (c *Client) ConfirmOrder(ctx context.Context, orderID string) (*ordersv1.Order, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, idempotencyKeyHeader, c.newKey())
	req := &ordersv1.ConfirmOrderRequest{OrderID: orderID}

	var order *ordersv1.Order
	err := c.retry(ctx, "ConfirmOrder", orderID, func(ctx context.Context) error {
		resp, err := c.api.ConfirmOrder(ctx, req)
		if err != nil {
			return err
		}
		order = resp.GetOrder()
		return nil
	})
	return order, err
}

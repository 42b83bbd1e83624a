package client

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	ordersv1 "github.com/vladislavdragonenkov/stockorders/api/orders/v1"
)

type scriptedAPI struct {
	ordersv1.OrderServiceClient

	errs []error
	keys []string
}

func (a *scriptedAPI) next(ctx context.Context) error {
	md, _ := metadata.FromOutgoingContext(ctx)
	a.keys = append(a.keys, md.Get(idempotencyKeyHeader)...)
	if len(a.errs) == 0 {
		return nil
	}
	err := a.errs[0]
	a.errs = a.errs[1:]
	return err
}

func (a *scriptedAPI) ConfirmOrder(ctx context.Context, in *ordersv1.ConfirmOrderRequest, _ ...grpc.CallOption) (*ordersv1.ConfirmOrderResponse, error) {
	if err := a.next(ctx); err != nil {
		return nil, err
	}
	return &ordersv1.ConfirmOrderResponse{Order: &ordersv1.Order{ID: in.OrderID, Status: ordersv1.OrderStatusConfirmed}}, nil
}

func (a *scriptedAPI) CreateOrder(ctx context.Context, _ *ordersv1.CreateOrderRequest, _ ...grpc.CallOption) (*ordersv1.CreateOrderResponse, error) {
	if err := a.next(ctx); err != nil {
		return nil, err
	}
	return &ordersv1.CreateOrderResponse{Order: &ordersv1.Order{ID: "created", Status: ordersv1.OrderStatusPending}}, nil
}

func quietEntry() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("component", "test")
}

func newTestClient(api ordersv1.OrderServiceClient, opts ...Option) (*Client, *[]time.Duration) {
	var delays []time.Duration
	c := NewFromAPI(api, append([]Option{WithLogger(quietEntry())}, opts...)...)
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	keys := 0
	c.newKey = func() string {
		keys++
		return "key-" + string(rune('0'+keys))
	}
	return c, &delays
}

func withRetryable(code codes.Code, retryable string) error {
	st, err := status.New(code, "failed").WithDetails(&errdetails.ErrorInfo{
		Reason:   "TEST",
		Domain:   "orders.v1",
		Metadata: map[string]string{"retryable": retryable},
	})
	if err != nil {
		panic(err)
	}
	return st.Err()
}

func TestConfirmOrderRetriesConflictsWithSameKey(t *testing.T) {
	api := &scriptedAPI{errs: []error{
		status.Error(codes.Aborted, "conflict"),
		status.Error(codes.Unavailable, "store"),
	}}
	c, delays := newTestClient(api, WithRetryConfig(RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      15 * time.Millisecond,
		BackoffFactor: 2,
	}))

	order, err := c.ConfirmOrder(context.Background(), "o-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if order.GetStatus() != ordersv1.OrderStatusConfirmed {
		t.Fatalf("unexpected status %s", order.GetStatus())
	}
	if len(api.keys) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(api.keys))
	}
	for _, key := range api.keys {
		if key != "key-1" {
			t.Fatalf("expected the same idempotency key on every attempt, got %v", api.keys)
		}
	}
	want := []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}
	if len(*delays) != len(want) || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Fatalf("unexpected delays %v", *delays)
	}
}

func TestConfirmOrderStopsOnBusinessError(t *testing.T) {
	api := &scriptedAPI{errs: []error{withRetryable(codes.FailedPrecondition, "false")}}
	c, delays := newTestClient(api)

	_, err := c.ConfirmOrder(context.Background(), "o-1")
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
	if len(api.keys) != 1 || len(*delays) != 0 {
		t.Fatalf("business errors must not be retried: attempts=%d delays=%v", len(api.keys), *delays)
	}
}

func TestConfirmOrderGivesUpAfterMaxAttempts(t *testing.T) {
	conflict := withRetryable(codes.Aborted, "true")
	api := &scriptedAPI{errs: []error{conflict, conflict, conflict, conflict}}
	c, _ := newTestClient(api, WithRetryConfig(RetryConfig{MaxAttempts: 3}))

	_, err := c.ConfirmOrder(context.Background(), "o-1")
	if status.Code(err) != codes.Aborted {
		t.Fatalf("expected Aborted, got %v", err)
	}
	if len(api.keys) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(api.keys))
	}
}

func TestCreateOrderUsesNewKeyPerCall(t *testing.T) {
	api := &scriptedAPI{}
	c, _ := newTestClient(api)

	for i := 0; i < 2; i++ {
		if _, err := c.CreateOrder(context.Background(), []*ordersv1.OrderItem{{ProductID: 1, Qty: 1}}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if len(api.keys) != 2 || api.keys[0] == api.keys[1] {
		t.Fatalf("expected distinct keys per call, got %v", api.keys)
	}
}

func TestRetryStopsWhenContextIsDone(t *testing.T) {
	api := &scriptedAPI{errs: []error{status.Error(codes.Aborted, "conflict")}}
	c, _ := newTestClient(api)
	c.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ConfirmOrder(ctx, "o-1")
	if status.Code(err) != codes.Aborted {
		t.Fatalf("expected last error to be returned, got %v", err)
	}
	if len(api.keys) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(api.keys))
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{err: nil, want: false},
		{err: errors.New("plain"), want: false},
		{err: status.Error(codes.Aborted, "x"), want: true},
		{err: status.Error(codes.Unavailable, "x"), want: true},
		{err: status.Error(codes.NotFound, "x"), want: false},
		{err: withRetryable(codes.Internal, "true"), want: true},
		{err: withRetryable(codes.Aborted, "false"), want: false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(2, time.Minute, quietEntry())
	cb.now = func() time.Time { return now }

	unavailable := status.Error(codes.Unavailable, "down")
	fail := func() error { return unavailable }

	_ = cb.Execute("op", fail)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after one failure")
	}
	_ = cb.Execute("op", fail)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after max failures")
	}
	if err := cb.Execute("op", func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Execute("op", func() error { return nil }); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after successful probe")
	}

	// Отказ по бизнес-правилам не размыкает цепь.
	for i := 0; i < 3; i++ {
		_ = cb.Execute("op", func() error { return status.Error(codes.FailedPrecondition, "rejected") })
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("business errors must not open the breaker")
	}
}

func TestClientWithOpenBreakerDoesNotRetry(t *testing.T) {
	api := &scriptedAPI{errs: []error{status.Error(codes.Unavailable, "down"), status.Error(codes.Unavailable, "down")}}
	cb := NewCircuitBreaker(1, time.Hour, quietEntry())
	c, _ := newTestClient(api, WithCircuitBreaker(cb))

	_, err := c.ConfirmOrder(context.Background(), "o-1")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if len(api.keys) != 1 {
		t.Fatalf("expected a single call before the breaker opened, got %d", len(api.keys))
	}
}

package grpcsvc

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	ordersv1 "github.com/vladislavdragonenkov/stockorders/api/orders/v1"
	"github.com/vladislavdragonenkov/stockorders/internal/domain"
	"github.com/vladislavdragonenkov/stockorders/internal/storage/memory"
)

// scriptedOrdering отдаёт заранее заданные ошибки ConfirmOrder по порядку, затем успех.
type scriptedOrdering struct {
	Ordering

	confirmErrs []error
	calls       int
}

func (o *scriptedOrdering) ConfirmOrder(_ context.Context, orderID string) (domain.Order, error) {
	o.calls++
	if len(o.confirmErrs) > 0 {
		err := o.confirmErrs[0]
		o.confirmErrs = o.confirmErrs[1:]
		return domain.Order{}, err
	}
	return domain.Order{ID: orderID, Status: domain.OrderStatusConfirmed, Version: 2}, nil
}

func newTestService(svc Ordering) (*OrderService, domain.IdempotencyRepository) {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	repo := memory.NewIdempotencyRepository()
	return NewOrderService(svc, repo, 0, logger.WithField("component", "test")), repo
}

func incoming(key string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(idempotencyKeyHeader, key))
}

func TestConflictReleasesIdempotencyKey(t *testing.T) {
	stub := &scriptedOrdering{confirmErrs: []error{&domain.StockConflictError{ProductID: 1, ExpectedVersion: 4}}}
	service, repo := newTestService(stub)
	req := &ordersv1.ConfirmOrderRequest{OrderID: "order-1"}

	_, err := service.ConfirmOrder(incoming("k1"), req)
	require.Equal(t, codes.Aborted, status.Code(err))

	_, err = repo.Get(context.Background(), "k1")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	resp, err := service.ConfirmOrder(incoming("k1"), req)
	require.NoError(t, err)
	require.Equal(t, ordersv1.OrderStatusConfirmed, resp.GetOrder().GetStatus())
	require.Equal(t, 2, stub.calls)

	record, err := repo.Get(context.Background(), "k1")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusDone, record.Status)

	replayed, err := service.ConfirmOrder(incoming("k1"), req)
	require.NoError(t, err)
	require.Equal(t, resp.GetOrder().GetID(), replayed.GetOrder().GetID())
	require.Equal(t, 2, stub.calls)
}

func TestCanceledCallReleasesIdempotencyKey(t *testing.T) {
	stub := &scriptedOrdering{confirmErrs: []error{context.Canceled}}
	service, repo := newTestService(stub)

	ctx, cancel := context.WithCancel(incoming("k2"))
	cancel()
	_, err := service.ConfirmOrder(ctx, &ordersv1.ConfirmOrderRequest{OrderID: "order-2"})
	require.Equal(t, codes.Canceled, status.Code(err))

	_, err = repo.Get(context.Background(), "k2")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestFinalFailureIsReplayed(t *testing.T) {
	stub := &scriptedOrdering{confirmErrs: []error{domain.ErrInvalidState}}
	service, repo := newTestService(stub)
	req := &ordersv1.ConfirmOrderRequest{OrderID: "order-3"}

	_, err := service.ConfirmOrder(incoming("k3"), req)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	record, err := repo.Get(context.Background(), "k3")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusFailed, record.Status)
	require.Equal(t, int(codes.FailedPrecondition), record.StatusCode)

	_, err = service.ConfirmOrder(incoming("k3"), req)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
	require.Equal(t, domain.ErrInvalidState.Error(), status.Convert(err).Message())
	require.Equal(t, 1, stub.calls)
}

func TestProcessingKeyIsAborted(t *testing.T) {
	service, repo := newTestService(&scriptedOrdering{})
	req := &ordersv1.ConfirmOrderRequest{OrderID: "order-4"}

	hash, err := buildIdempotencyRequestHash(ordersv1.OrderService_ConfirmOrder_FullMethodName, req)
	require.NoError(t, err)
	_, err = repo.CreateProcessing(context.Background(), "k4", hash, service.now().Add(DefaultIdempotencyTTL))
	require.NoError(t, err)

	_, err = service.ConfirmOrder(incoming("k4"), req)
	require.Equal(t, codes.Aborted, status.Code(err))
}

func TestDecodeIdempotencyFailure(t *testing.T) {
	err := decodeIdempotencyFailure(domain.IdempotencyRecord{StatusCode: int(codes.NotFound)})
	require.Equal(t, codes.NotFound, status.Code(err))

	err = decodeIdempotencyFailure(domain.IdempotencyRecord{ResponseBody: []byte("{broken")})
	require.Equal(t, codes.Internal, status.Code(err))

	_, ok := grpcCode(99)
	require.False(t, ok)
}

func TestFinalFailureReplayKeepsErrorInfo(t *testing.T) {
	stub := &scriptedOrdering{confirmErrs: []error{&domain.InsufficientStockError{ProductID: 9, Available: 1, Requested: 4}}}
	service, _ := newTestService(stub)
	req := &ordersv1.ConfirmOrderRequest{OrderID: "order-5"}

	_, first := service.ConfirmOrder(incoming("k5"), req)
	_, replayed := service.ConfirmOrder(incoming("k5"), req)
	require.Equal(t, 1, stub.calls)

	firstInfo, ok := ErrorInfoFromStatus(first)
	require.True(t, ok)
	replayedInfo, ok := ErrorInfoFromStatus(replayed)
	require.True(t, ok)
	require.Equal(t, "INSUFFICIENT_STOCK", replayedInfo.GetReason())
	require.Equal(t, ErrorDomain, replayedInfo.GetDomain())
	require.Equal(t, firstInfo.GetMetadata(), replayedInfo.GetMetadata())
	require.Equal(t, "4", replayedInfo.GetMetadata()["requested"])
	require.Equal(t, status.Convert(first).Message(), status.Convert(replayed).Message())
}

func TestDecodeIdempotencyFailureWithoutReason(t *testing.T) {
	err := decodeIdempotencyFailure(domain.IdempotencyRecord{ResponseBody: []byte(`{"code":9,"message":"order is not pending"}`)})
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, ok := ErrorInfoFromStatus(err)
	require.False(t, ok)
}

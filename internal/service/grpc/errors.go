package grpcsvc

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
)

// ErrorDomain - значение ErrorInfo.Domain для всех ошибок сервиса.
const ErrorDomain = "orders.v1"

// codeForKind сопоставляет класс доменной ошибки с кодом gRPC.
func codeForKind(kind domain.ErrorKind) codes.Code {
	switch kind {
	case domain.ErrorKindValidation:
		return codes.InvalidArgument
	case domain.ErrorKindNotFound:
		return codes.NotFound
	case domain.ErrorKindInvalidState, domain.ErrorKindEmptyOrder, domain.ErrorKindInsufficientStock:
		return codes.FailedPrecondition
	case domain.ErrorKindConcurrencyConflict:
		return codes.Aborted
	case domain.ErrorKindUnavailable:
		return codes.Unavailable
	case domain.ErrorKindCanceled:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// toStatus превращает доменную ошибку в gRPC-статус с ErrorInfo.
// Текст внутренних ошибок наружу не передаётся.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	kind := domain.KindOf(err)
	code := codeForKind(kind)
	message := err.Error()
	if code == codes.Internal {
		message = "internal error"
	}

	st := status.New(code, message)
	info := &errdetails.ErrorInfo{
		Reason:   strings.ToUpper(string(kind)),
		Domain:   ErrorDomain,
		Metadata: errorMetadata(err),
	}
	if detailed, detailErr := st.WithDetails(info); detailErr == nil {
		st = detailed
	}
	return st.Err()
}

func errorMetadata(err error) map[string]string {
	md := map[string]string{
		"retryable": strconv.FormatBool(domain.IsRetryable(err)),
	}

	var missing *domain.MissingProductsError
	if errors.As(err, &missing) {
		sorted := append([]int64(nil), missing.IDs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		ids := make([]string, len(sorted))
		for i, id := range sorted {
			ids[i] = strconv.FormatInt(id, 10)
		}
		md["missing_product_ids"] = strings.Join(ids, ",")
	}

	var insufficient *domain.InsufficientStockError
	if errors.As(err, &insufficient) {
		md["product_id"] = strconv.FormatInt(insufficient.ProductID, 10)
		md["available"] = strconv.FormatInt(int64(insufficient.Available), 10)
		md["requested"] = strconv.FormatInt(insufficient.Requested, 10)
		md["aggregated"] = strconv.FormatBool(insufficient.Aggregated)
	}

	var conflict *domain.StockConflictError
	if errors.As(err, &conflict) {
		md["product_id"] = strconv.FormatInt(conflict.ProductID, 10)
		md["expected_version"] = strconv.FormatInt(conflict.ExpectedVersion, 10)
	}
	return md
}

// ErrorInfoFromStatus достаёт ErrorInfo из ошибки gRPC; используется клиентами.
func ErrorInfoFromStatus(err error) (*errdetails.ErrorInfo, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return nil, false
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok {
			return info, true
		}
	}
	return nil, false
}

// retryableCode сообщает, можно ли повторить вызов с тем же idempotency-key.
func retryableCode(code codes.Code) bool {
	switch code {
	case codes.Aborted, codes.Unavailable, codes.Canceled, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

package grpcsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
)

const (
	idempotencyKeyHeader = "idempotency-key"
	// DefaultIdempotencyTTL - срок хранения ответа по ключу.
	DefaultIdempotencyTTL = 24 * time.Hour
	releaseTimeout        = 2 * time.Second
)

// idempotencyErrorPayload хранит окончательную ошибку вместе с ErrorInfo,
// чтобы повтор по ключу отличался от первого ответа только временем.
type idempotencyErrorPayload struct {
	Code     int32             `json:"code"`
	Message  string            `json:"message"`
	Reason   string            `json:"reason,omitempty"`
	Domain   string            `json:"domain,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// withIdempotency выполняет handler не более одного раза на ключ и метод.
// Успех и окончательные ошибки сохраняются для повтора; после повторяемых ошибок
// (конфликт, недоступность, отмена) ключ освобождается.
func withIdempotency[Req any, Resp any](
	s *OrderService,
	ctx context.Context,
	method string,
	req *Req,
	handler func(context.Context) (*Resp, error),
) (*Resp, error) {
	if s.idemRepo == nil {
		return handler(ctx)
	}

	idemKey, err := readIdempotencyKey(ctx)
	if err != nil {
		return nil, err
	}
	logger := s.logger.WithFields(log.Fields{"method": method, "idempotency_key": idemKey})

	reqHash, err := buildIdempotencyRequestHash(method, req)
	if err != nil {
		logger.WithError(err).Warn("failed to build idempotency request hash")
		return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
	}

	record, err := s.idemRepo.CreateProcessing(ctx, idemKey, reqHash, s.now().Add(s.idemTTL))
	if err != nil {
		return replayIdempotency[Resp](logger, err, record)
	}

	resp, runErr := handler(ctx)
	if runErr != nil {
		code := status.Code(runErr)
		if retryableCode(code) {
			s.releaseIdempotencyKey(ctx, logger, idemKey)
		} else {
			s.cacheIdempotencyFailure(ctx, logger, idemKey, runErr)
		}
		return nil, runErr
	}

	data, err := json.Marshal(resp)
	if err == nil {
		err = s.idemRepo.MarkDone(ctx, idemKey, data, int(codes.OK))
	}
	if err != nil {
		logger.WithError(err).Warn("failed to store idempotent success response")
	}
	return resp, nil
}

func replayIdempotency[Resp any](logger *log.Entry, createErr error, record domain.IdempotencyRecord) (*Resp, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return nil, status.Error(codes.AlreadyExists, "idempotency key is already used with different request payload")
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone:
			if len(record.ResponseBody) == 0 {
				return nil, status.Error(codes.Internal, "idempotency cache is empty")
			}
			resp := new(Resp)
			if err := json.Unmarshal(record.ResponseBody, resp); err != nil {
				logger.WithError(err).Warn("failed to decode cached idempotency response")
				return nil, status.Error(codes.Internal, "failed to decode cached idempotency response")
			}
			return resp, nil
		case domain.IdempotencyStatusProcessing:
			return nil, status.Error(codes.Aborted, "request with the same idempotency key is already processing")
		case domain.IdempotencyStatusFailed:
			return nil, decodeIdempotencyFailure(record)
		default:
			return nil, status.Error(codes.Internal, "unknown idempotency record status")
		}
	default:
		logger.WithError(createErr).Warn("failed to create idempotency record")
		if domain.KindOf(createErr) == domain.ErrorKindUnavailable {
			return nil, status.Error(codes.Unavailable, "idempotency store unavailable")
		}
		return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
	}
}

// releaseIdempotencyKey работает и после отмены ctx вызова.
func (s *OrderService) releaseIdempotencyKey(ctx context.Context, logger *log.Entry, key string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := s.idemRepo.Release(releaseCtx, key); err != nil {
		logger.WithError(err).Warn("failed to release idempotency key")
	}
}

func (s *OrderService) cacheIdempotencyFailure(ctx context.Context, logger *log.Entry, key string, runErr error) {
	st := status.Convert(runErr)
	code := st.Code()
	if code == codes.OK {
		code = codes.Internal
	}

	failure := idempotencyErrorPayload{
		Code:    int32(code), //nolint:gosec // codes.Code is a bounded enum value.
		Message: st.Message(),
	}
	if info, ok := ErrorInfoFromStatus(runErr); ok {
		failure.Reason = info.GetReason()
		failure.Domain = info.GetDomain()
		failure.Metadata = info.GetMetadata()
	}

	payload, err := json.Marshal(failure)
	if err != nil {
		logger.WithError(err).Warn("failed to encode idempotency failure payload")
		payload = nil
	}

	if err := s.idemRepo.MarkFailed(ctx, key, payload, int(code)); err != nil {
		logger.WithError(err).Warn("failed to store idempotency failure response")
	}
}

func decodeIdempotencyFailure(record domain.IdempotencyRecord) error {
	if len(record.ResponseBody) > 0 {
		var payload idempotencyErrorPayload
		if err := json.Unmarshal(record.ResponseBody, &payload); err == nil {
			if code, ok := grpcCode(int64(payload.Code)); ok {
				if code == codes.OK {
					code = codes.Internal
				}
				if payload.Message == "" {
					payload.Message = "previous request with the same idempotency key failed"
				}
				return payload.statusError(code)
			}
		}
	}

	if record.StatusCode > 0 {
		if code, ok := grpcCode(int64(record.StatusCode)); ok && code != codes.OK {
			return status.Error(code, "previous request with the same idempotency key failed")
		}
	}
	return status.Error(codes.Internal, "previous request with the same idempotency key failed")
}

// statusError восстанавливает статус; ErrorInfo добавляется, если он был у исходной ошибки.
func (p idempotencyErrorPayload) statusError(code codes.Code) error {
	st := status.New(code, p.Message)
	if p.Reason == "" {
		return st.Err()
	}
	info := &errdetails.ErrorInfo{Reason: p.Reason, Domain: p.Domain, Metadata: p.Metadata}
	if detailed, err := st.WithDetails(info); err == nil {
		st = detailed
	}
	return st.Err()
}

func grpcCode(value int64) (codes.Code, bool) {
	if value < int64(codes.OK) || value > int64(codes.Unauthenticated) {
		return codes.Internal, false
	}
	return codes.Code(uint32(value)), true
}

func readIdempotencyKey(ctx context.Context) (string, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		values := md.Get(idempotencyKeyHeader)
		if len(values) > 0 && strings.TrimSpace(values[0]) != "" {
			return strings.TrimSpace(values[0]), nil
		}
	}
	return "", status.Error(codes.InvalidArgument, "idempotency-key metadata is required")
}

func buildIdempotencyRequestHash(method string, req any) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	payload := make([]byte, 0, len(method)+1+len(data))
	payload = append(payload, method...)
	payload = append(payload, ':')
	payload = append(payload, data...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

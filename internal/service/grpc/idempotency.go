package grpcsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	idempotencyKeyHeader = "idempotency-key"
	idempotencyTTL       = 24 * time.Hour
)

const errFailedBefore = "previous request with the same idempotency key failed"

type unaryCall func(context.Context) (*structpb.Struct, error)

// withIdempotency выполняет call не более одного раза на ключ idempotency-key.
// Повтор с тем же телом получает сохранённый ответ или сохранённый статус ошибки.
func (s *OrderService) withIdempotency(ctx context.Context, method string, req *structpb.Struct, call unaryCall) (*structpb.Struct, error) {
	if s.idemRepo == nil {
		return call(ctx)
	}

	key := idempotencyKey(ctx)
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "idempotency-key metadata is required")
	}
	hash, err := requestFingerprint(method, req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "fingerprint request: %v", err)
	}

	record, err := s.idemRepo.CreateProcessing(key, hash, s.now().Add(idempotencyTTL))
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return nil, status.Error(codes.AlreadyExists, "idempotency key is already used with different request payload")
	case domain.IsIdempotencyConflict(err):
		return s.replay(record)
	default:
		s.logger.WithError(err).WithField("method", method).Warn("idempotency key claim failed")
		return nil, status.Error(codes.Unavailable, "idempotency store is unavailable")
	}

	resp, callErr := call(ctx)
	s.remember(key, resp, callErr)
	return resp, callErr
}

// replay отдаёт результат уже выполненного запроса.
func (s *OrderService) replay(record domain.IdempotencyRecord) (*structpb.Struct, error) {
	switch record.Status {
	case domain.IdempotencyStatusProcessing:
		return nil, status.Error(codes.Aborted, "request with the same idempotency key is already processing")
	case domain.IdempotencyStatusFailed:
		return nil, decodeFailure(record)
	case domain.IdempotencyStatusDone:
		resp := &structpb.Struct{}
		if err := protojson.Unmarshal(record.ResponseBody, resp); err != nil {
			s.logger.WithError(err).WithField("idempotency_key", record.Key).Error("cached response is corrupt")
			return nil, status.Error(codes.Internal, "cached idempotent response is corrupt")
		}
		return resp, nil
	}
	return nil, status.Errorf(codes.Internal, "unknown idempotency status %q", record.Status)
}

// remember сохраняет ответ или статус ошибки; сбой записи только логируется,
// ключ тогда останется processing до истечения TTL.
func (s *OrderService) remember(key string, resp *structpb.Struct, callErr error) {
	var err error
	if callErr != nil {
		body, code := encodeFailure(callErr)
		err = s.idemRepo.MarkFailed(key, body, int(code))
	} else {
		var body []byte
		if body, err = protojson.Marshal(resp); err == nil {
			err = s.idemRepo.MarkDone(key, body, int(codes.OK))
		}
	}
	if err != nil {
		s.logger.WithError(err).WithField("idempotency_key", key).Warn("idempotent result not stored")
	}
}

// encodeFailure сериализует google.rpc.Status целиком, вместе с деталями.
func encodeFailure(callErr error) ([]byte, codes.Code) {
	st := status.Convert(callErr)
	if st.Code() == codes.OK {
		st = status.New(codes.Internal, errFailedBefore)
	}
	body, err := protojson.Marshal(st.Proto())
	if err != nil {
		return nil, st.Code()
	}
	return body, st.Code()
}

// decodeFailure восстанавливает статус; без тела или при битом теле остаётся только код.
func decodeFailure(record domain.IdempotencyRecord) error {
	var saved spb.Status
	if len(record.ResponseBody) > 0 && protojson.Unmarshal(record.ResponseBody, &saved) == nil && saved.GetCode() != int32(codes.OK) {
		return status.FromProto(&saved).Err()
	}
	code := codes.Code(record.ResultCode) //nolint:gosec // код записан этим же сервисом
	if record.ResultCode <= 0 || code > codes.Unauthenticated {
		code = codes.Internal
	}
	return status.Error(code, errFailedBefore)
}

func idempotencyKey(ctx context.Context) string {
	for _, v := range metadata.ValueFromIncomingContext(ctx, idempotencyKeyHeader) {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// requestFingerprint — sha256 от метода и детерминированного protobuf-представления запроса.
func requestFingerprint(method string, req proto.Message) (string, error) {
	if req == nil {
		return "", errors.New("request is nil")
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(req)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

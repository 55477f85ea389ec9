package connectors

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

// ThrottleError: реестр попросил притормозить. Конвейер берет RetryAfter
// вместо своего бэкоффа.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// fromStatus переводит ошибку gRPC в таксономию domain.
// trailer может быть nil; из него читается retry-after (секунды).
func fromStatus(op string, err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return domain.NetworkUnknown(op, err)
	}

	st, ok := status.FromError(err)
	if !ok {
		return domain.NetworkUnknown(op, err)
	}

	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.AlreadyExists,
		codes.PermissionDenied, codes.OutOfRange:
		return domain.Rejected(op, "%s", st.Message())
	case codes.NotFound:
		return domain.NotFound(op, "%s", st.Message())
	case codes.Unavailable:
		// Соединение не установлено: до реестра запрос не дошел
		return domain.Wrap(domain.KindNetwork, op, err)
	case codes.ResourceExhausted:
		return domain.Wrap(domain.KindNetwork, op, &ThrottleError{RetryAfter: retryAfter(trailer), Cause: err})
	default:
		// DeadlineExceeded, Aborted, Internal, Unknown: эффект мог состояться
		return domain.NetworkUnknown(op, err)
	}
}

// toStatus: обратное преобразование для серверной стороны (симулятор реестра).
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := asThrottle(err); ok {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindRejected:
		return status.Error(codes.FailedPrecondition, err.Error())
	case domain.KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case domain.KindTimeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case domain.KindConflict:
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

func retryAfter(md metadata.MD) time.Duration {
	const fallback = time.Second
	vals := md.Get("retry-after")
	if len(vals) == 0 {
		return fallback
	}
	sec, err := strconv.Atoi(vals[0])
	if err != nil || sec <= 0 {
		return fallback
	}
	return time.Duration(sec) * time.Second
}

func asThrottle(err error) (*ThrottleError, bool) {
	var te *ThrottleError
	ok := errors.As(err, &te)
	return te, ok
}

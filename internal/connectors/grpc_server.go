package connectors

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// RegisterLedgerServer выставляет любой LedgerAdapter (обычно MemoryLedger) как
// gRPC-сервис ledger.v1.LedgerService. Используется симулятором реестра и тестами.
func RegisterLedgerServer(s grpc.ServiceRegistrar, impl LedgerAdapter) {
	s.RegisterService(&ledgerServiceDesc, impl)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ledgerServiceName,
	HandlerType: (*LedgerAdapter)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "QueryBalance", Handler: queryBalanceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger/v1/ledger.proto",
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		key, cmd, err := decodeCommand(req.(*structpb.Struct))
		if err != nil {
			return nil, toStatus(err)
		}
		res, err := srv.(LedgerAdapter).Submit(ctx, key, cmd)
		if err != nil {
			return nil, throttled(ctx, err)
		}
		return encodeResult(res)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: submitMethod}, handler)
}

func queryBalanceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		accountID := str(req.(*structpb.Struct).AsMap()["account_id"])
		b, err := srv.(LedgerAdapter).QueryBalance(ctx, accountID)
		if err != nil {
			return nil, throttled(ctx, err)
		}
		return encodeBalance(b)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: queryBalanceMethod}, handler)
}

// throttled дописывает retry-after в трейлер для ResourceExhausted.
func throttled(ctx context.Context, err error) error {
	st := toStatus(err)
	if te, ok := asThrottle(err); ok {
		secs := int(te.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		_ = grpc.SetTrailer(ctx, metadata.Pairs("retry-after", strconv.Itoa(secs)))
	}
	return st
}

// UnaryLoggingInterceptor пишет в лог каждый вызов реестра с кодом ответа.
func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
			zap.String("code", status.Code(err).String()),
		}
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if keys := md.Get("idempotency-key"); len(keys) > 0 {
				fields = append(fields, zap.String("idempotency_key", keys[0]))
			}
		}
		if err != nil {
			logger.Warn("ledger call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("ledger call", fields...)
		}
		return resp, err
	}
}

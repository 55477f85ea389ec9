package connectors

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServerOptions: опции gRPC-сервера реестра. Входящий traceparent продолжает трассу клиента.
func ServerOptions(logger *zap.Logger, opts ...otelgrpc.Option) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler(opts...)),
		grpc.UnaryInterceptor(UnaryLoggingInterceptor(logger)),
	}
}

// DialOptions: опции клиента реестра. Контекст трассы уходит в metadata каждого вызова.
func DialOptions(opts ...otelgrpc.Option) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler(opts...)),
	}
}

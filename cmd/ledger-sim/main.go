// ledger-sim: реестр в памяти за gRPC для локальных стендов и нагрузочных прогонов bridge.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/ledger-bridge/internal/connectors"
	"github.com/xela07ax/ledger-bridge/internal/infra"
)

func main() {
	var (
		addr     string
		lag      int
		latency  time.Duration
		logLevel string
		otlp     string
	)
	cmd := &cobra.Command{
		Use:          "ledger-sim",
		Short:        "In-memory ledger served over gRPC",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := infra.NewLogger(infra.LoggerConfig{Level: logLevel, Format: "json"})
			if err != nil {
				return err
			}
			defer logger.Sync()

			shutdownTracing, err := infra.InitTracing(cmd.Context(), infra.TracingConfig{
				Endpoint: otlp, Insecure: true, ServiceName: "ledger-sim", SampleRatio: 1,
			})
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(ctx)
			}()

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}

			ledger := connectors.NewMemoryLedger(lag).WithLatency(latency)
			srv := grpc.NewServer(connectors.ServerOptions(logger)...)
			connectors.RegisterLedgerServer(srv, ledger)

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-stop
				logger.Info("ledger-sim stopping...")
				srv.GracefulStop()
			}()

			logger.Info("ledger-sim started", zap.String("addr", lis.Addr().String()),
				zap.Int("visibility_lag", lag), zap.Duration("latency", latency))
			return srv.Serve(lis)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":50051", "listen address")
	cmd.Flags().IntVar(&lag, "lag", 2, "balance reads served stale after each write")
	cmd.Flags().DurationVar(&latency, "latency", 0, "artificial delay per call")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, error")
	cmd.Flags().StringVar(&otlp, "otlp-endpoint", "", "OTLP/HTTP collector host:port, empty disables export")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

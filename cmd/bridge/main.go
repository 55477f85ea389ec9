package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/ledger-bridge/internal/audit"
	"github.com/xela07ax/ledger-bridge/internal/connectors"
	"github.com/xela07ax/ledger-bridge/internal/consistency"
	"github.com/xela07ax/ledger-bridge/internal/correlation"
	"github.com/xela07ax/ledger-bridge/internal/engine"
	"github.com/xela07ax/ledger-bridge/internal/infra"
	"github.com/xela07ax/ledger-bridge/internal/policy"
	"github.com/xela07ax/ledger-bridge/internal/repository"
	"github.com/xela07ax/ledger-bridge/internal/risk"
)

func main() {
	// 1. Конфиг и логгер
	cfg, err := infra.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := infra.InitTracing(appCtx, cfg.Tracing)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	// 2. Хранилища
	stores, err := repository.Open(appCtx, cfg.Database, true)
	if err != nil {
		logger.Fatal("database unreachable", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer stores.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 3. Политики: кэш + сигналы инвалидации от других инстансов
	resolver := policy.NewResolver(stores.Policies, cfg.Policy.CacheTTL, policy.NewResolverMetrics(reg), logger)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		go resolver.Listen(appCtx, rdb)
	}
	if len(cfg.Policy.WarmupTenants) > 0 {
		wctx, wcancel := context.WithTimeout(appCtx, 10*time.Second)
		resolver.Warmup(wctx, cfg.Policy.WarmupTenants)
		wcancel()
	}

	// 4. Реестр: транспорт + лимитер/предохранитель
	var ledger connectors.LedgerAdapter
	switch cfg.Ledger.Mode {
	case "grpc":
		conn, err := grpc.NewClient(cfg.Ledger.Addr, connectors.DialOptions()...)
		if err != nil {
			logger.Fatal("failed to connect to ledger", zap.String("addr", cfg.Ledger.Addr), zap.Error(err))
		}
		defer conn.Close()
		ledger = connectors.NewGRPCLedger(conn, cfg.Ledger.CallTimeout)
	case "memory":
		logger.Warn("ledger runs in memory, effects are lost on restart")
		ledger = connectors.NewMemoryLedger(cfg.Ledger.MemoryVisibilityLag)
	}
	ledger = connectors.NewReliabilityWrapper(ledger, connectors.ReliabilitySettings{
		Name:                "ledger",
		CallTimeout:         cfg.Ledger.CallTimeout,
		RateLimit:           cfg.Ledger.RateLimit,
		RateBurst:           cfg.Ledger.RateBurst,
		MaxRequests:         cfg.Ledger.CBMaxRequests,
		Interval:            cfg.Ledger.CBInterval,
		Timeout:             cfg.Ledger.CBTimeout,
		ConsecutiveFailures: cfg.Ledger.CBFailures,
	}, metrics.CircuitBreakerState.WithLabelValues("ledger"))

	// 5. Журнал прогонов: данные полетят в базу пачками
	journal := audit.NewJournal(stores.Audit, logger, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
	})
	journal.Start()

	// 6. Ядро
	recorder := correlation.NewRecorder(stores.Correlations, logger)
	pipeline := engine.NewPipeline(resolver, risk.NewGuard(logger), ledger, recorder, journal, metrics,
		engine.PipelineConfig{
			SubmitAttempts:   cfg.Engine.SubmitAttempts,
			SubmitBackoff:    cfg.Engine.SubmitBackoff,
			SubmitMaxBackoff: cfg.Engine.SubmitMaxBackoff,
			RequirePolicy:    cfg.Engine.RequirePolicy,
		}, logger)
	poller := consistency.NewPoller(cfg.Poller.MaxAttempts, cfg.Poller.InitialDelay, cfg.Poller.MaxDelay, logger)
	h := engine.NewHandler(pipeline, resolver, stores.Policies, engine.NewBalanceWatcher(ledger, poller), recorder, reg, logger)

	// 7. HTTP Server
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("bridge started", zap.String("addr", srv.Addr), zap.String("ledger", cfg.Ledger.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 8. Graceful Shutdown
	<-appCtx.Done()
	logger.Info("bridge stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	// Сначала HTTP, потом журнал: иначе хвост прогонов не попадет в базу
	journal.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	logger.Info("bridge exited properly")
}

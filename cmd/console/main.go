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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/console/handler"
	"github.com/xela07ax/ledger-bridge/internal/console/server"
	"github.com/xela07ax/ledger-bridge/internal/console/service"
	"github.com/xela07ax/ledger-bridge/internal/infra"
	"github.com/xela07ax/ledger-bridge/internal/policy"
	"github.com/xela07ax/ledger-bridge/internal/repository"
)

func main() {
	cfg, err := infra.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Инициализация ресурсов
	stores, err := repository.Open(ctx, cfg.Database, true)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer stores.Close()

	schemas, err := policy.LoadSchemas(cfg.Policy.SchemaDir)
	if err != nil {
		logger.Fatal("policy schemas", zap.String("dir", cfg.Policy.SchemaDir), zap.Error(err))
	}
	logger.Info("policy schemas loaded", zap.Strings("prefixes", schemas.Prefixes()))

	// Консоль сама политики не кэширует, инвалидирует чужие кэши через Redis
	var notifier service.Notifier
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		notifier = service.NewRedisNotifier(rdb)
	}

	// 2. Инициализация слоев (Dependency Injection)
	policyService := service.NewPolicyService(stores.Policies, schemas, nil, notifier, logger)
	auditService := service.NewAuditService(stores.Audit)

	// 3. Запуск сервера
	srv := &http.Server{
		Addr: cfg.Console.Addr(),
		Handler: server.NewConsoleServer(logger,
			handler.NewPolicyHandler(policyService, logger),
			handler.NewAuditHandler(auditService, logger),
		),
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}
	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
}

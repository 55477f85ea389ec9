// Package repository выбирает хранилище по database.driver и отдает его
// через интерфейсы потребителей.
package repository

import (
	"context"
	"fmt"

	"github.com/xela07ax/ledger-bridge/internal/audit"
	"github.com/xela07ax/ledger-bridge/internal/correlation"
	"github.com/xela07ax/ledger-bridge/internal/infra"
	"github.com/xela07ax/ledger-bridge/internal/policy"
	"github.com/xela07ax/ledger-bridge/internal/repository/postgres"
	"github.com/xela07ax/ledger-bridge/internal/repository/sqlite"
)

// AuditStore: запись журнала пачками и чтение по ключу идемпотентности.
type AuditStore interface {
	audit.Storage
	FetchByKey(ctx context.Context, idempotencyKey string) ([]audit.PipelineEvent, error)
}

type Stores struct {
	Policies     policy.Store
	Correlations correlation.Store
	Audit        AuditStore
	close        func()
}

func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// Open подключается к базе. Для postgres схема применяется, только если migrate=true;
// sqlite применяет схему всегда.
func Open(ctx context.Context, cfg infra.DatabaseConfig, migrate bool) (*Stores, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &Stores{
			Policies:     postgres.NewPolicyRepo(pool),
			Correlations: postgres.NewCorrelationRepo(pool),
			Audit:        postgres.NewAuditRepo(pool),
			close:        pool.Close,
		}, nil
	case "sqlite":
		path := cfg.URL
		if path == "" {
			path = "ledger-bridge.db"
		}
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Policies:     store.Policies(),
			Correlations: store.Correlations(),
			Audit:        store.Audit(),
			close:        func() { _ = store.Close() },
		}, nil
	}
	return nil, fmt.Errorf("repository: unknown driver %q", cfg.Driver)
}

package policy

import (
	"context"
	"time"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

// Store: SCD2-хранилище версий политик. Реализации: repository/postgres и repository/sqlite.
//
// Save закрывает текущую версию ключа и вставляет следующую атомарно.
// Find* возвращают NotFound, если подходящей версии нет.
// History отдает версии по возрастанию номера.
type Store interface {
	Save(ctx context.Context, c domain.PolicyCandidate, now time.Time) (domain.PolicyVersion, error)
	FindCurrent(ctx context.Context, businessKey, tenantID string) (domain.PolicyVersion, error)
	FindAsOf(ctx context.Context, businessKey, tenantID string, at time.Time) (domain.PolicyVersion, error)
	History(ctx context.Context, businessKey, tenantID string) ([]domain.PolicyVersion, error)
}

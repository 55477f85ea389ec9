package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/ledger-bridge/internal/audit"
)

// AuditLogProvider описывает контракт для чтения журнала конвейера.
type AuditLogProvider interface {
	FetchByKey(ctx context.Context, idempotencyKey string) ([]audit.PipelineEvent, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{
		repo: repo,
	}
}

// Trail отдает все прогоны конвейера для одного ключа идемпотентности, включая ретраи и повторы.
func (s *AuditService) Trail(ctx context.Context, idempotencyKey string) ([]audit.PipelineEvent, error) {
	logs, err := s.repo.FetchByKey(ctx, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch trail: %w", err)
	}
	return logs, nil
}

package policy

import (
	"context"

	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

// Warmup прогревает кэш политик ledger.* для известных тенантов при старте,
// чтобы первые команды не ждали стор. Ошибки не фатальны: кэш догрузится по запросу.
func (r *Resolver) Warmup(ctx context.Context, tenants []string) int {
	ops := []domain.OperationType{
		domain.OpPayment, domain.OpInvoice, domain.OpPayrollPosting, domain.OpInventoryTransfer,
	}

	loaded := 0
	for _, tenant := range tenants {
		for _, op := range ops {
			_, err := r.Resolve(ctx, op.PolicyKey(), tenant)
			switch {
			case err == nil:
				loaded++
			case domain.KindOf(err) == domain.KindNotFound:
			default:
				r.logger.Warn("policy warm-up failed",
					zap.String("tenant", tenant), zap.String("key", op.PolicyKey()), zap.Error(err))
			}
		}
	}
	r.logger.Info("policy cache warmed up", zap.Int("tenants", len(tenants)), zap.Int("entries", loaded))
	return loaded
}

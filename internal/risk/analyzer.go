package risk

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

// Guard проверяет команду по параметрам политики ledger.<operation>:
//
//	enabled            bool     : false запрещает операцию для тенанта
//	max_amount         number   : верхний предел суммы/количества включительно
//	allowed_currencies [string] : белый список валют
//
// Отсутствующий параметр ничего не ограничивает. Нарушение: ValidationError.
type Guard struct {
	logger *zap.Logger
}

func NewGuard(logger *zap.Logger) *Guard {
	return &Guard{logger: logger.Named("guard")}
}

func (g *Guard) Check(view domain.ParametersView, p domain.Payload) error {
	const op = "risk.guard"
	params := view.Parameters

	if enabled, ok := params.Bool("enabled"); ok && !enabled {
		return domain.Validation(op, "%s is disabled for tenant %s by policy v%d",
			p.OperationType(), view.TenantID, view.Version)
	}

	if limit, ok := params.Number("max_amount"); ok {
		max := decimal.NewFromFloat(limit)
		if p.Amount().GreaterThan(max) {
			g.logger.Warn("policy limit exceeded",
				zap.String("tenant", view.TenantID),
				zap.String("operation", string(p.OperationType())),
				zap.String("amount", p.Amount().String()),
				zap.String("max_amount", max.String()),
				zap.Int("policy_version", view.Version),
			)
			return domain.Validation(op, "amount %s exceeds max_amount %s", p.Amount(), max)
		}
	}

	if allowed, ok := params.Strings("allowed_currencies"); ok && p.Currency() != "" {
		for _, c := range allowed {
			if c == p.Currency() {
				return nil
			}
		}
		return domain.Validation(op, "currency %s is not allowed", p.Currency())
	}
	return nil
}

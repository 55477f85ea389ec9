package engine

import (
	"context"

	"github.com/xela07ax/ledger-bridge/internal/connectors"
	"github.com/xela07ax/ledger-bridge/internal/consistency"
	"github.com/xela07ax/ledger-bridge/internal/domain"
)

// BalanceWatcher: чтение своей записи: ждет, пока проекция баланса догонит позицию журнала.
type BalanceWatcher struct {
	ledger connectors.LedgerAdapter
	poller *consistency.Poller
}

func NewBalanceWatcher(ledger connectors.LedgerAdapter, poller *consistency.Poller) *BalanceWatcher {
	return &BalanceWatcher{ledger: ledger, poller: poller}
}

// AwaitBalanceVisible: awaitBalanceVisible(accountId, expectedMinVersion).
// minVersion: EventLogPosition из SubmitResult; 0, взять первое прочитанное значение.
// opts задают бюджет ожидания этого вызова поверх настроек poller.
func (w *BalanceWatcher) AwaitBalanceVisible(ctx context.Context, accountID string, minVersion int64, opts ...consistency.Option) (domain.Balance, error) {
	if accountID == "" {
		return domain.Balance{}, domain.Validation("balance.await", "account id is required")
	}
	return consistency.AwaitVisible(ctx, w.poller, func(ctx context.Context) (domain.Balance, bool, error) {
		b, err := w.ledger.QueryBalance(ctx, accountID)
		if err != nil {
			return domain.Balance{}, false, err
		}
		return b, b.Version >= minVersion, nil
	}, opts...)
}

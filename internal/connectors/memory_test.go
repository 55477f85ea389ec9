package connectors

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

func payment(amount string) domain.IdempotentCommand {
	return domain.IdempotentCommand{
		TenantID:            "T",
		OperationType:       domain.OpPayment,
		BusinessIdentifiers: []string{"INV-1"},
		Discriminator:       "2025-01-01",
		Payload: domain.Payment{
			PayerAccount: "acc-payer",
			PayeeAccount: "acc-payee",
			Value:        decimal.RequireFromString(amount),
			Curr:         "EUR",
			PaymentDate:  "2025-01-01",
		},
	}
}

func TestMemoryLedger_IdempotentSubmit(t *testing.T) {
	l := NewMemoryLedger(0)
	ctx := context.Background()

	first, err := l.Submit(ctx, "k1", payment("100"))
	require.NoError(t, err)
	assert.Len(t, first.TransferIDs, 2)
	assert.Equal(t, int64(1), first.EventLogPosition)
	assert.Equal(t, "acc-payer", first.AccountID)

	again, err := l.Submit(ctx, "k1", payment("100.00"))
	require.NoError(t, err)
	assert.Equal(t, first, again, "same key returns the original result")
	assert.Equal(t, 1, l.Effects())
	assert.Equal(t, 2, l.Calls())

	second, err := l.Submit(ctx, "k2", payment("5"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.EventLogPosition)
	assert.NotEqual(t, first.TransferIDs, second.TransferIDs)
}

func TestMemoryLedger_KeyReuseWithDifferentCommand(t *testing.T) {
	l := NewMemoryLedger(0)
	_, err := l.Submit(context.Background(), "k1", payment("100"))
	require.NoError(t, err)

	_, err = l.Submit(context.Background(), "k1", payment("999"))
	assert.ErrorIs(t, err, domain.ErrRejected)
	assert.Equal(t, 1, l.Effects())
}

func TestMemoryLedger_BalanceVisibilityLag(t *testing.T) {
	l := NewMemoryLedger(2)
	ctx := context.Background()

	res, err := l.Submit(ctx, "k1", payment("40"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		b, err := l.QueryBalance(ctx, "acc-payee")
		require.NoError(t, err)
		assert.Equal(t, int64(0), b.Version, "projection still behind on read %d", i+1)
	}

	b, err := l.QueryBalance(ctx, "acc-payee")
	require.NoError(t, err)
	assert.Equal(t, res.EventLogPosition, b.Version)
	assert.True(t, b.Amount.Equal(decimal.NewFromInt(40)))

	var payer domain.Balance
	for i := 0; i < 3; i++ {
		payer, err = l.QueryBalance(ctx, "acc-payer")
		require.NoError(t, err)
	}
	assert.True(t, payer.Amount.Equal(decimal.NewFromInt(-40)), "each account lags on its own")

	_, err = l.QueryBalance(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryLedger_Faults(t *testing.T) {
	l := NewMemoryLedger(0)
	ctx := context.Background()
	netErr := domain.Wrap(domain.KindNetwork, "test", errors.New("connection reset"))

	l.FailNext(2, netErr)
	_, err := l.Submit(ctx, "k1", payment("10"))
	assert.ErrorIs(t, err, domain.ErrNetwork)
	_, err = l.Submit(ctx, "k1", payment("10"))
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, 0, l.Effects(), "failures before commit leave no effect")

	l.FailAfterCommit(domain.NetworkUnknown("test", context.DeadlineExceeded))
	_, err = l.Submit(ctx, "k1", payment("10"))
	assert.True(t, domain.IsOutcomeUnknown(err))
	assert.Equal(t, 1, l.Effects(), "effect applied although the answer was lost")

	res, err := l.Submit(ctx, "k1", payment("10"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.EventLogPosition)
	assert.Equal(t, 1, l.Effects())
}

func TestMemoryLedger_FrozenAccountRejected(t *testing.T) {
	l := NewMemoryLedger(0)
	l.Freeze("acc-payee")

	_, err := l.Submit(context.Background(), "k1", payment("10"))
	assert.ErrorIs(t, err, domain.ErrRejected)
	assert.Equal(t, 0, l.Effects())
}

func TestMemoryLedger_InventoryPostings(t *testing.T) {
	l := NewMemoryLedger(0)
	cmd := domain.IdempotentCommand{
		TenantID:      "T",
		OperationType: domain.OpInventoryTransfer,
		Payload: domain.InventoryTransfer{
			FromLocation: "WH-1", ToLocation: "WH-2", SKU: "SKU-9", Quantity: decimal.NewFromInt(3),
		},
	}
	res, err := l.Submit(context.Background(), "k-inv", cmd)
	require.NoError(t, err)
	assert.Equal(t, "WH-1/SKU-9", res.AccountID)

	b, err := l.QueryBalance(context.Background(), "WH-2/SKU-9")
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(decimal.NewFromInt(3)))
}

func TestMemoryLedger_CanceledContext(t *testing.T) {
	l := NewMemoryLedger(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Submit(ctx, "k1", payment("10"))
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, 0, l.Effects())
}

package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

func view(params domain.Parameters) domain.ParametersView {
	return domain.ParametersView{TenantID: "T", BusinessKey: "ledger.payment", Version: 4, Parameters: params}
}

func pay(amount, currency string) domain.Payment {
	return domain.Payment{
		PayerAccount: "a", PayeeAccount: "b",
		Value: decimal.RequireFromString(amount), Curr: currency, PaymentDate: "2025-01-01",
	}
}

func TestGuard(t *testing.T) {
	g := NewGuard(zap.NewNop())

	cases := []struct {
		name   string
		params domain.Parameters
		p      domain.Payload
		ok     bool
	}{
		{"no parameters", domain.Parameters{}, pay("1000000", "USD"), true},
		{"disabled", domain.Parameters{"enabled": false}, pay("1", "EUR"), false},
		{"enabled", domain.Parameters{"enabled": true}, pay("1", "EUR"), true},
		{"at limit", domain.Parameters{"max_amount": 100.0}, pay("100.00", "EUR"), true},
		{"over limit", domain.Parameters{"max_amount": 100.0}, pay("100.01", "EUR"), false},
		{"currency allowed", domain.Parameters{"allowed_currencies": []any{"EUR", "USD"}}, pay("1", "USD"), true},
		{"currency denied", domain.Parameters{"allowed_currencies": []any{"EUR"}}, pay("1", "GBP"), false},
		{"inventory ignores currency", domain.Parameters{"allowed_currencies": []any{"EUR"}},
			domain.InventoryTransfer{FromLocation: "A", ToLocation: "B", SKU: "S", Quantity: decimal.NewFromInt(2)}, true},
		{"inventory quantity limit", domain.Parameters{"max_amount": 1.0},
			domain.InventoryTransfer{FromLocation: "A", ToLocation: "B", SKU: "S", Quantity: decimal.NewFromInt(2)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.Check(view(tc.params), tc.p)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrValidation)
			}
		})
	}
}

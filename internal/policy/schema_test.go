package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

func TestSchemaRegistry_LedgerLimits(t *testing.T) {
	r, err := NewSchemaRegistry()
	require.NoError(t, err)

	ok := domain.Parameters{"enabled": true, "max_amount": 5000.0, "allowed_currencies": []any{"EUR", "USD"}}
	assert.NoError(t, r.Validate("ledger.payment", ok))
	assert.NoError(t, r.Validate("ledger.payment", domain.Parameters{}))

	cases := map[string]domain.Parameters{
		"negative amount":  {"max_amount": -1.0},
		"wrong type":       {"enabled": "yes"},
		"bad currency":     {"allowed_currencies": []any{"euro"}},
		"unknown field":    {"max_amout": 10.0},
		"string as number": {"max_amount": "100"},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			err := r.Validate("ledger.invoice", params)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestSchemaRegistry_OpenSchemasAndFallback(t *testing.T) {
	r, err := NewSchemaRegistry()
	require.NoError(t, err)

	assert.NoError(t, r.Validate("scoring.threshold", domain.Parameters{"threshold": 0.7, "note": "q3"}))
	assert.ErrorIs(t, r.Validate("scoring.threshold", domain.Parameters{"threshold": 1.5}), domain.ErrValidation)
	assert.NoError(t, r.Validate("retention.documents", domain.Parameters{"days": 30.0}))
	assert.ErrorIs(t, r.Validate("retention.documents", domain.Parameters{"days": 0.0}), domain.ErrValidation)

	// Ключи без схемы принимаются как есть
	assert.NoError(t, r.Validate("ui.theme", domain.Parameters{"anything": []any{1.0, "x"}}))
}

func TestSchemaRegistry_Register(t *testing.T) {
	r, err := NewSchemaRegistry()
	require.NoError(t, err)

	require.NoError(t, r.Register("ledger.payment.", `#Schema: { max_amount: number & <=100 }`))
	assert.Contains(t, r.Prefixes(), "ledger.payment.")

	// Самый длинный префикс побеждает
	assert.ErrorIs(t, r.Validate("ledger.payment.eu", domain.Parameters{"max_amount": 500.0}), domain.ErrValidation)
	assert.ErrorIs(t, r.Validate("ledger.payment.eu", domain.Parameters{}), domain.ErrValidation, "required field")
	assert.NoError(t, r.Validate("ledger.payment.eu", domain.Parameters{"max_amount": 50.0}))

	assert.Error(t, r.Register("broken.", `#Schema: {`))
	assert.Error(t, r.Register("nodef.", `x: 1`))
}

func TestLoadSchemas_Dir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ledger.payroll.cue"),
		[]byte(`#Schema: { max_amount?: number & <=10000, cost_center: =~"^CC-[0-9]+$" }`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a schema"), 0o600))

	r, err := LoadSchemas(dir)
	require.NoError(t, err)
	assert.Contains(t, r.Prefixes(), "ledger.payroll")
	assert.Contains(t, r.Prefixes(), "ledger.")
	assert.NotContains(t, r.Prefixes(), "README.md")

	assert.NoError(t, r.Validate("ledger.payroll_posting", domain.Parameters{"cost_center": "CC-7"}))
	assert.ErrorIs(t, r.Validate("ledger.payroll_posting", domain.Parameters{"cost_center": "x"}), domain.ErrValidation)
	// Остальные ledger.* по-прежнему под встроенной схемой
	assert.NoError(t, r.Validate("ledger.payment", domain.Parameters{"max_amount": 50000.0}))

	_, err = LoadSchemas(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	builtin, err := LoadSchemas("")
	require.NoError(t, err)
	assert.Equal(t, []string{"approval.", "ledger.", "retention.", "scoring."}, builtin.Prefixes())
}

package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/ledger-bridge/internal/domain"
	"github.com/xela07ax/ledger-bridge/internal/infra"
	"github.com/xela07ax/ledger-bridge/internal/repository"
)

func TestOpen_SQLite(t *testing.T) {
	ctx := context.Background()
	stores, err := repository.Open(ctx, infra.DatabaseConfig{Driver: "sqlite", URL: ":memory:"}, true)
	require.NoError(t, err)
	defer stores.Close()

	v, err := stores.Policies.Save(ctx, domain.PolicyCandidate{
		TenantID:    "T",
		BusinessKey: "ledger.payment",
		Parameters:  domain.Parameters{"enabled": true},
		CreatedBy:   "test",
	}, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)

	_, err = stores.Correlations.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	events, err := stores.Audit.FetchByKey(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := repository.Open(context.Background(), infra.DatabaseConfig{Driver: "mysql"}, false)
	assert.Error(t, err)
}

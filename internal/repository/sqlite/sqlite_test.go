package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/ledger-bridge/internal/audit"
	"github.com/xela07ax/ledger-bridge/internal/domain"
	"github.com/xela07ax/ledger-bridge/internal/repository/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func candidate(tenant string, threshold float64) domain.PolicyCandidate {
	return domain.PolicyCandidate{
		TenantID:    tenant,
		BusinessKey: "scoring.threshold",
		Parameters:  domain.Parameters{"threshold": threshold},
		CreatedBy:   "ops@example.com",
		Reason:      "tuning",
	}
}

// =============================================================================
// SCD2
// =============================================================================

func TestPolicyRepo_SaveSupersedesCurrent(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t).Policies()
	t1 := t0.Add(time.Hour)

	v1, err := repo.Save(ctx, candidate("T", 10), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.IsCurrent)

	v2, err := repo.Save(ctx, candidate("T", 20), t1)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	asOf, err := repo.FindAsOf(ctx, "scoring.threshold", "T", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, asOf.Version)
	th, _ := asOf.Parameters.Number("threshold")
	assert.Equal(t, 10.0, th)

	cur, err := repo.FindCurrent(ctx, "scoring.threshold", "T")
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Version)
	th, _ = cur.Parameters.Number("threshold")
	assert.Equal(t, 20.0, th)

	hist, err := repo.History(ctx, "scoring.threshold", "T")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 1, hist[0].Version)
	assert.Equal(t, 2, hist[1].Version)
}

func TestPolicyRepo_HistoryPartitionsTime(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t).Policies()

	for i := 0; i < 5; i++ {
		_, err := repo.Save(ctx, candidate("T", float64(i)), t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	hist, err := repo.History(ctx, "scoring.threshold", "T")
	require.NoError(t, err)
	require.Len(t, hist, 5)

	current := 0
	for i, v := range hist {
		if v.IsCurrent {
			current++
			assert.Nil(t, v.ValidTo, "current version has an open interval")
			continue
		}
		require.NotNil(t, v.ValidTo)
		assert.True(t, v.ValidTo.Equal(hist[i+1].ValidFrom), "no gap and no overlap between v%d and v%d", v.Version, hist[i+1].Version)
	}
	assert.Equal(t, 1, current)

	// Любой исторический момент попадает ровно в одну версию
	for i := 0; i < 5; i++ {
		at := t0.Add(time.Duration(i)*time.Minute + 30*time.Second)
		v, err := repo.FindAsOf(ctx, "scoring.threshold", "T", at)
		require.NoError(t, err)
		assert.Equal(t, i+1, v.Version)
	}
}

func TestPolicyRepo_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t).Policies()

	_, err := repo.Save(ctx, candidate("A", 1), t0)
	require.NoError(t, err)

	_, err = repo.FindCurrent(ctx, "scoring.threshold", "B")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	v, err := repo.Save(ctx, candidate("B", 2), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version, "versions are numbered per tenant")
}

func TestPolicyRepo_BeforeFirstVersion_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t).Policies()

	_, err := repo.Save(ctx, candidate("T", 1), t0)
	require.NoError(t, err)

	_, err = repo.FindAsOf(ctx, "scoring.threshold", "T", t0.Add(-time.Second))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPolicyRepo_ClockBackwards_Conflict(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t).Policies()

	_, err := repo.Save(ctx, candidate("T", 1), t0)
	require.NoError(t, err)

	_, err = repo.Save(ctx, candidate("T", 2), t0.Add(-time.Minute))
	assert.ErrorIs(t, err, domain.ErrConflict)

	cur, err := repo.FindCurrent(ctx, "scoring.threshold", "T")
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Version, "failed save leaves the current version untouched")
}

// =============================================================================
// CORRELATION
// =============================================================================

func record(id string) domain.CorrelationRecord {
	return domain.CorrelationRecord{
		LocalRecordID:     id,
		IdempotencyKey:    "key-" + id,
		TenantID:          "T",
		OperationType:     domain.OpPayment,
		ExternalTransfers: []string{"tr-debit", "tr-credit"},
		EventLogPosition:  42,
		ExternalAccountID: "acc-1",
		PayloadHash:       "hash",
		CreatedAt:         t0,
	}
}

func TestCorrelationRepo_InsertIsUpsert(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t).Correlations()

	inserted, err := repo.Insert(ctx, record("r1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Insert(ctx, record("r1"))
	require.NoError(t, err)
	assert.False(t, inserted, "second insert of the same local record is a no-op")

	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tr-debit", "tr-credit"}, got.ExternalTransfers, "transfer order is preserved")
	assert.Equal(t, int64(42), got.EventLogPosition)
	assert.True(t, got.CreatedAt.Equal(t0))

	n, err := repo.Count(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCorrelationRepo_GetMissing(t *testing.T) {
	_, err := newTestStore(t).Correlations().Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditRepo_WriteBatch(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t).Audit()

	err := repo.WriteBatch(ctx, []audit.PipelineEvent{
		{ID: "e1", IdempotencyKey: "k", State: domain.StateFailed, ErrorKind: domain.KindNetwork,
			FailedAt: domain.StateSubmitted, OutcomeUnknown: true, Timestamp: t0},
		{ID: "e2", IdempotencyKey: "k", State: domain.StateDone, Timestamp: t0.Add(time.Second)},
	})
	require.NoError(t, err)

	events, err := repo.FetchByKey(ctx, "k")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.StateFailed, events[0].State)
	assert.Equal(t, domain.KindNetwork, events[0].ErrorKind)
	assert.Equal(t, domain.StateSubmitted, events[0].FailedAt)
	assert.True(t, events[0].OutcomeUnknown)
	assert.Empty(t, events[1].FailedAt)
	assert.False(t, events[1].OutcomeUnknown)
	assert.Equal(t, domain.StateDone, events[1].State)
	assert.True(t, events[1].Timestamp.Equal(t0.Add(time.Second)))
}

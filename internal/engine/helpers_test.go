package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/audit"
	"github.com/xela07ax/ledger-bridge/internal/connectors"
	"github.com/xela07ax/ledger-bridge/internal/consistency"
	"github.com/xela07ax/ledger-bridge/internal/correlation"
	"github.com/xela07ax/ledger-bridge/internal/domain"
	"github.com/xela07ax/ledger-bridge/internal/policy"
	"github.com/xela07ax/ledger-bridge/internal/repository/sqlite"
	"github.com/xela07ax/ledger-bridge/internal/risk"
)

type memAuditor struct {
	mu     sync.Mutex
	events []audit.PipelineEvent
}

func (a *memAuditor) Log(e audit.PipelineEvent) {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
}

func (a *memAuditor) last() audit.PipelineEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events[len(a.events)-1]
}

// flakyCorrelations отказывает в первых failInserts вставках.
type flakyCorrelations struct {
	correlation.Store
	mu          sync.Mutex
	failInserts int
}

func (f *flakyCorrelations) Insert(ctx context.Context, rec domain.CorrelationRecord) (bool, error) {
	f.mu.Lock()
	if f.failInserts > 0 {
		f.failInserts--
		f.mu.Unlock()
		return false, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Store.Insert(ctx, rec)
}

type fixture struct {
	store    *sqlite.Store
	ledger   *connectors.MemoryLedger
	flaky    *flakyCorrelations
	resolver *policy.Resolver
	auditor  *memAuditor
	pipeline *Pipeline
	balances *BalanceWatcher
	recorder *correlation.Recorder
	now      time.Time
}

func newFixture(t *testing.T, requirePolicy bool) *fixture {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := zap.NewNop()
	f := &fixture{
		store:   store,
		ledger:  connectors.NewMemoryLedger(1),
		flaky:   &flakyCorrelations{Store: store.Correlations()},
		auditor: &memAuditor{},
		now:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.resolver = policy.NewResolver(store.Policies(), time.Minute, nil, log)
	f.recorder = correlation.NewRecorder(f.flaky, log)
	f.pipeline = NewPipeline(f.resolver, risk.NewGuard(log), f.ledger, f.recorder, f.auditor, nil, PipelineConfig{
		SubmitAttempts:   4,
		SubmitBackoff:    time.Millisecond,
		SubmitMaxBackoff: 5 * time.Millisecond,
		RequirePolicy:    requirePolicy,
	}, log)
	f.balances = NewBalanceWatcher(f.ledger, consistency.NewPoller(10, time.Millisecond, 5*time.Millisecond, log))
	return f
}

func (f *fixture) savePolicy(t *testing.T, tenant string, op domain.OperationType, params domain.Parameters) {
	t.Helper()
	f.now = f.now.Add(time.Minute)
	_, err := f.store.Policies().Save(context.Background(), domain.PolicyCandidate{
		TenantID:    tenant,
		BusinessKey: op.PolicyKey(),
		Parameters:  params,
		CreatedBy:   "test",
	}, f.now)
	require.NoError(t, err)
	f.resolver.Invalidate(domain.PolicyKey{TenantID: tenant, BusinessKey: op.PolicyKey()})
}

func paymentRequest(tenant, invoice, amount string) domain.SubmitRequest {
	return domain.SubmitRequest{
		TenantID:            tenant,
		OperationType:       domain.OpPayment,
		BusinessIdentifiers: []string{invoice},
		Discriminator:       "2025-01-15",
		Payload: domain.Payment{
			PayerAccount: "acc-" + tenant + "-payer",
			PayeeAccount: "acc-" + tenant + "-payee",
			Value:        decimal.RequireFromString(amount),
			Curr:         "EUR",
			PaymentDate:  "2025-01-15",
		},
	}
}

// cancelOnSubmit отменяет контекст вызывающего в момент отправки в реестр.
type cancelOnSubmit struct {
	connectors.LedgerAdapter
	cancel context.CancelFunc
}

func (c cancelOnSubmit) Submit(ctx context.Context, key string, cmd domain.IdempotentCommand) (domain.LedgerResult, error) {
	c.cancel()
	return c.LedgerAdapter.Submit(ctx, key, cmd)
}

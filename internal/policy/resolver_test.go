package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

type fakeStore struct {
	mu      sync.Mutex
	current map[string]domain.PolicyVersion
	err     error
	calls   atomic.Int32
	gate    chan struct{} // если не nil, FindCurrent ждет его закрытия
}

func newFakeStore() *fakeStore {
	return &fakeStore{current: make(map[string]domain.PolicyVersion)}
}

func (f *fakeStore) put(tenant, key string, version int, params domain.Parameters) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[tenant+"|"+key] = domain.PolicyVersion{
		TenantID: tenant, BusinessKey: key, Version: version, IsCurrent: true, Parameters: params,
	}
}

func (f *fakeStore) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeStore) Save(context.Context, domain.PolicyCandidate, time.Time) (domain.PolicyVersion, error) {
	return domain.PolicyVersion{}, errors.New("not used")
}

func (f *fakeStore) FindCurrent(_ context.Context, businessKey, tenantID string) (domain.PolicyVersion, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.PolicyVersion{}, f.err
	}
	v, ok := f.current[tenantID+"|"+businessKey]
	if !ok {
		return domain.PolicyVersion{}, domain.NotFound("fake", "no policy")
	}
	return v, nil
}

func (f *fakeStore) FindAsOf(context.Context, string, string, time.Time) (domain.PolicyVersion, error) {
	return domain.PolicyVersion{}, errors.New("not used")
}

func (f *fakeStore) History(context.Context, string, string) ([]domain.PolicyVersion, error) {
	return nil, errors.New("not used")
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newResolver(store Store) (*Resolver, *clock) {
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := NewResolver(store, 3*time.Second, nil, zap.NewNop()).WithClock(c.Now)
	return r, c
}

func TestResolver_CachesWithinTTL(t *testing.T) {
	store := newFakeStore()
	store.put("T", "scoring.threshold", 1, domain.Parameters{"threshold": 0.7})
	r, clk := newResolver(store)
	ctx := context.Background()

	v, err := r.Resolve(ctx, "scoring.threshold", "T")
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.False(t, v.Stale)

	clk.Advance(2 * time.Second)
	_, err = r.Resolve(ctx, "scoring.threshold", "T")
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.calls.Load())

	clk.Advance(2 * time.Second)
	store.put("T", "scoring.threshold", 2, domain.Parameters{"threshold": 0.8})
	v, err = r.Resolve(ctx, "scoring.threshold", "T")
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version, "expired entry is refetched")
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestResolver_InvalidateForcesFetch(t *testing.T) {
	store := newFakeStore()
	store.put("T", "k", 1, domain.Parameters{})
	r, _ := newResolver(store)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "k", "T")
	require.NoError(t, err)

	store.put("T", "k", 2, domain.Parameters{})
	r.Invalidate(domain.PolicyKey{TenantID: "T", BusinessKey: "k"})

	v, err := r.Resolve(ctx, "k", "T")
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version)
}

func TestResolver_TenantsAreIsolated(t *testing.T) {
	store := newFakeStore()
	store.put("A", "k", 1, domain.Parameters{"x": 1.0})
	store.put("B", "k", 5, domain.Parameters{"x": 2.0})
	r, _ := newResolver(store)

	a, err := r.Resolve(context.Background(), "k", "A")
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), "k", "B")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Version)
	assert.Equal(t, 5, b.Version)

	r.Invalidate(domain.PolicyKey{TenantID: "A", BusinessKey: "k"})
	_, err = r.Resolve(context.Background(), "k", "B")
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.calls.Load(), "invalidating A keeps B cached")
}

func TestResolver_SingleFlightOnColdCache(t *testing.T) {
	store := newFakeStore()
	store.put("T", "k", 1, domain.Parameters{"limit": 10.0})
	store.gate = make(chan struct{})
	r, _ := newResolver(store)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]domain.ParametersView, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), "k", "T")
		}(i)
	}

	require.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	assert.Equal(t, int32(1), store.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 1, results[i].Version)
	}
}

func TestResolver_ServesStaleWhenStoreDown(t *testing.T) {
	store := newFakeStore()
	store.put("T", "k", 3, domain.Parameters{"max_amount": 100.0})
	r, clk := newResolver(store)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "k", "T")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	store.fail(domain.Wrap(domain.KindNetwork, "fake", errors.New("connection refused")))

	v, err := r.Resolve(ctx, "k", "T")
	require.NoError(t, err)
	assert.True(t, v.Stale)
	assert.Equal(t, 3, v.Version)
	n, _ := v.Parameters.Number("max_amount")
	assert.Equal(t, 100.0, n)

	store.fail(nil)
	v, err = r.Resolve(ctx, "k", "T")
	require.NoError(t, err)
	assert.False(t, v.Stale, "recovered store clears the stale flag")
}

func TestResolver_StoreDownWithoutCacheFails(t *testing.T) {
	store := newFakeStore()
	store.fail(domain.Wrap(domain.KindNetwork, "fake", errors.New("connection refused")))
	r, _ := newResolver(store)

	_, err := r.Resolve(context.Background(), "k", "T")
	assert.ErrorIs(t, err, domain.ErrNetwork)
}

func TestResolver_NotFound(t *testing.T) {
	r, _ := newResolver(newFakeStore())
	_, err := r.Resolve(context.Background(), "missing", "T")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolver_ReturnedParametersAreCopies(t *testing.T) {
	store := newFakeStore()
	store.put("T", "k", 1, domain.Parameters{"enabled": true})
	r, _ := newResolver(store)

	v, err := r.Resolve(context.Background(), "k", "T")
	require.NoError(t, err)
	v.Parameters["enabled"] = false

	v, err = r.Resolve(context.Background(), "k", "T")
	require.NoError(t, err)
	assert.Equal(t, true, v.Parameters["enabled"])
}

func TestResolver_InvalidateDuringFetchDropsResult(t *testing.T) {
	store := newFakeStore()
	store.put("T", "k", 1, domain.Parameters{})
	store.gate = make(chan struct{})
	r, _ := newResolver(store)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Resolve(context.Background(), "k", "T")
	}()
	require.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, time.Millisecond)

	r.Invalidate(domain.PolicyKey{TenantID: "T", BusinessKey: "k"})
	close(store.gate)
	<-done

	store.gate = nil
	store.put("T", "k", 2, domain.Parameters{})
	v, err := r.Resolve(context.Background(), "k", "T")
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version, "result fetched before invalidation is not cached")
}

func TestResolver_CallerCancellation(t *testing.T) {
	store := newFakeStore()
	store.put("T", "k", 1, domain.Parameters{})
	store.gate = make(chan struct{})
	defer close(store.gate)
	r, _ := newResolver(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, "k", "T")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolver_Warmup(t *testing.T) {
	store := newFakeStore()
	store.put("A", "ledger.payment", 1, domain.Parameters{})
	store.put("A", "ledger.invoice", 1, domain.Parameters{})
	store.put("B", "ledger.payment", 1, domain.Parameters{})
	r, _ := newResolver(store)

	assert.Equal(t, 3, r.Warmup(context.Background(), []string{"A", "B"}))

	before := store.calls.Load()
	_, err := r.Resolve(context.Background(), "ledger.payment", "A")
	require.NoError(t, err)
	assert.Equal(t, before, store.calls.Load(), "warmed entry is served from cache")
}

package policy

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/ledger-bridge/internal/domain"
	"github.com/xela07ax/ledger-bridge/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type ResolverMetrics struct {
	Hits    prometheus.Counter
	Misses  prometheus.Counter
	Stale   prometheus.Counter
	Fetches *prometheus.CounterVec
}

func NewResolverMetrics(reg prometheus.Registerer) *ResolverMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &ResolverMetrics{
		Hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bridge_policy_cache_hits_total",
			Help: "Policy resolutions served from a fresh cache entry.",
		}),
		Misses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bridge_policy_cache_misses_total",
			Help: "Policy resolutions that required a store fetch.",
		}),
		Stale: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bridge_policy_stale_served_total",
			Help: "Expired cache entries served because the store was unavailable.",
		}),
		Fetches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_policy_store_fetches_total",
			Help: "Upstream policy fetches by result.",
		}, []string{"result"}), // ok, not_found, error
	}
}

type cacheEntry struct {
	view      domain.ParametersView
	fetchedAt time.Time
}

// Resolver: кэш текущих политик перед Store.FindCurrent.
// Запись живет не дольше TTL, сбрасывается Invalidate. На промахе по одному ключу
// в процесс уходит ровно один запрос в стор (singleflight). Если стор недоступен,
// отдается просроченная запись с пометкой Stale.
type Resolver struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	metrics *ResolverMetrics
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
	// gen растет на каждую инвалидацию ключа: ответ запроса, начатого
	// до инвалидации, в кэш не попадает
	gen   map[string]uint64
	epoch uint64 // растет на Flush

	group singleflight.Group
}

func NewResolver(store Store, ttl time.Duration, metrics *ResolverMetrics, logger *zap.Logger) *Resolver {
	if metrics == nil {
		metrics = NewResolverMetrics(nil)
	}
	return &Resolver{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		metrics: metrics,
		logger:  logger.Named("policy-resolver"),
		cache:   make(map[string]cacheEntry),
		gen:     make(map[string]uint64),
	}
}

// WithClock подменяет часы для проверки TTL.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve возвращает текущие параметры политики для тенанта.
// Parameters в ответе: копия, ее можно менять.
func (r *Resolver) Resolve(ctx context.Context, businessKey, tenantID string) (domain.ParametersView, error) {
	key := domain.PolicyKey{TenantID: tenantID, BusinessKey: businessKey}.String()

	r.mu.RLock()
	e, cached := r.cache[key]
	r.mu.RUnlock()

	if cached && r.now().Sub(e.fetchedAt) < r.ttl {
		r.metrics.Hits.Inc()
		return copyView(e.view), nil
	}
	r.metrics.Misses.Inc()

	// Запрос в стор не зависит от отмены конкретного вызывающего: его ждут и другие
	ch := r.group.DoChan(key, func() (any, error) {
		return r.fetch(context.WithoutCancel(ctx), key, businessKey, tenantID)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return domain.ParametersView{}, domain.Wrap(domain.KindNetwork, "policy.resolve", ctx.Err())
	case res = <-ch:
	}

	if res.Err == nil {
		return copyView(res.Val.(domain.ParametersView)), nil
	}
	if domain.KindOf(res.Err) == domain.KindNotFound {
		return domain.ParametersView{}, res.Err
	}

	// Стор недоступен: доступность важнее свежести
	r.mu.RLock()
	e, cached = r.cache[key]
	r.mu.RUnlock()
	if !cached {
		return domain.ParametersView{}, res.Err
	}
	r.metrics.Stale.Inc()
	r.logger.Warn("serving stale policy",
		zap.String("key", key),
		zap.Int("version", e.view.Version),
		zap.Duration("age", r.now().Sub(e.fetchedAt)),
		zap.Error(res.Err),
	)
	v := copyView(e.view)
	v.Stale = true
	return v, nil
}

func (r *Resolver) fetch(ctx context.Context, key, businessKey, tenantID string) (domain.ParametersView, error) {
	r.mu.RLock()
	gen, epoch := r.gen[key], r.epoch
	r.mu.RUnlock()
	fresh := func() bool { return r.gen[key] == gen && r.epoch == epoch }

	pv, err := r.store.FindCurrent(ctx, businessKey, tenantID)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			r.metrics.Fetches.WithLabelValues("not_found").Inc()
			r.mu.Lock()
			if fresh() {
				delete(r.cache, key)
			}
			r.mu.Unlock()
		} else {
			r.metrics.Fetches.WithLabelValues("error").Inc()
		}
		return domain.ParametersView{}, err
	}
	r.metrics.Fetches.WithLabelValues("ok").Inc()

	view := domain.ParametersView{
		TenantID:    pv.TenantID,
		BusinessKey: pv.BusinessKey,
		Version:     pv.Version,
		Parameters:  pv.Parameters.Clone(),
	}

	r.mu.Lock()
	if fresh() {
		r.cache[key] = cacheEntry{view: view, fetchedAt: r.now()}
	}
	r.mu.Unlock()
	return view, nil
}

// Invalidate сбрасывает запись ключа; следующий Resolve пойдет в стор.
func (r *Resolver) Invalidate(key domain.PolicyKey) {
	k := key.String()
	r.mu.Lock()
	delete(r.cache, k)
	r.gen[k]++
	r.mu.Unlock()
	r.group.Forget(k)
}

// Flush сбрасывает весь кэш. Вызывается после переподключения к Redis:
// сигналы за время разрыва потеряны.
func (r *Resolver) Flush() {
	r.mu.Lock()
	r.epoch++
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

// Listen слушает сигналы об изменении политик от других инстансов. Блокирует до отмены ctx.
func (r *Resolver) Listen(ctx context.Context, rdb infra.Subscriber) {
	infra.ListenResilient(ctx, rdb, r.logger, infra.RedisChanPolicyUpdate,
		r.Flush,
		func(payload string) {
			key, err := domain.ParsePolicyKey(payload)
			if err != nil {
				r.logger.Error("invalid policy signal", zap.String("payload", payload), zap.Error(err))
				return
			}
			r.Invalidate(key)
			r.logger.Debug("policy invalidated by signal", zap.String("key", payload))
		},
	)
}

func copyView(v domain.ParametersView) domain.ParametersView {
	v.Parameters = v.Parameters.Clone()
	return v
}

package service

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/ledger-bridge/internal/domain"
	"github.com/xela07ax/ledger-bridge/internal/infra"
	"github.com/xela07ax/ledger-bridge/internal/policy"
	"go.uber.org/zap"
)

// Invalidator: локальный кэш политик (policy.Resolver), если он живет в том же процессе.
type Invalidator interface {
	Invalidate(key domain.PolicyKey)
}

// Notifier рассылает сигнал об изменении политики остальным инстансам.
type Notifier interface {
	PolicyChanged(ctx context.Context, key domain.PolicyKey) error
}

// RedisNotifier публикует "tenant|business_key" в канал обновления политик.
type RedisNotifier struct {
	rdb *redis.Client
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) PolicyChanged(ctx context.Context, key domain.PolicyKey) error {
	return n.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, key.String()).Err()
}

// PolicyService: единственный владелец пути записи политик.
// Запись по одному (tenant, business_key) сериализуется локальным мьютексом,
// между процессами: блокировкой в БД (см. repository/postgres).
type PolicyService struct {
	store    policy.Store
	schemas  *policy.SchemaRegistry
	cache    Invalidator
	notifier Notifier
	locks    *keyedMutex
	now      func() time.Time
	logger   *zap.Logger
}

func NewPolicyService(store policy.Store, schemas *policy.SchemaRegistry, cache Invalidator, notifier Notifier, logger *zap.Logger) *PolicyService {
	return &PolicyService{
		store:    store,
		schemas:  schemas,
		cache:    cache,
		notifier: notifier,
		locks:    newKeyedMutex(),
		now:      time.Now,
		logger:   logger.Named("policy-service"),
	}
}

// WithClock подменяет источник времени (тесты, воспроизведение).
func (s *PolicyService) WithClock(now func() time.Time) *PolicyService {
	s.now = now
	return s
}

// Save создает новую версию политики. Первая запись ключа дает версию 1.
func (s *PolicyService) Save(ctx context.Context, c domain.PolicyCandidate) (domain.PolicyVersion, error) {
	if err := c.Validate(); err != nil {
		return domain.PolicyVersion{}, err
	}
	if s.schemas != nil {
		if err := s.schemas.Validate(c.BusinessKey, c.Parameters); err != nil {
			return domain.PolicyVersion{}, err
		}
	}

	key := domain.PolicyKey{TenantID: c.TenantID, BusinessKey: c.BusinessKey}
	unlock := s.locks.Lock(key.String())
	// Микросекунды: точность timestamptz, иначе интервал в памяти и в БД разойдется
	v, err := s.store.Save(ctx, c, s.now().UTC().Truncate(time.Microsecond))
	unlock()

	if err != nil {
		if domain.KindOf(err) == domain.KindConflict {
			s.logger.Error("policy save conflict", zap.String("key", key.String()), zap.Error(err))
		}
		return domain.PolicyVersion{}, err
	}

	if s.cache != nil {
		s.cache.Invalidate(key)
	}
	if s.notifier != nil {
		// Best-effort: остальные инстансы догонят по TTL
		if err := s.notifier.PolicyChanged(ctx, key); err != nil {
			s.logger.Warn("policy change broadcast failed", zap.String("key", key.String()), zap.Error(err))
		}
	}

	s.logger.Info("policy version saved",
		zap.String("key", key.String()),
		zap.Int("version", v.Version),
		zap.String("created_by", v.CreatedBy),
	)
	return v, nil
}

func (s *PolicyService) Current(ctx context.Context, tenantID, businessKey string) (domain.PolicyVersion, error) {
	return s.store.FindCurrent(ctx, businessKey, tenantID)
}

func (s *PolicyService) AsOf(ctx context.Context, tenantID, businessKey string, at time.Time) (domain.PolicyVersion, error) {
	return s.store.FindAsOf(ctx, businessKey, tenantID, at)
}

// History: все версии ключа по возрастанию; пустой результат не ошибка.
func (s *PolicyService) History(ctx context.Context, tenantID, businessKey string) ([]domain.PolicyVersion, error) {
	return s.store.History(ctx, businessKey, tenantID)
}

// keyedMutex: мьютекс на ключ; записи разных ключей друг друга не ждут.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

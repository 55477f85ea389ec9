// Package consistency связывает синхронный путь записи и асинхронную проекцию чтения.
package consistency

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

// Poller хранит бюджет ожидания по умолчанию; отдельный вызов может его переопределить.
type Poller struct {
	defaults budget
	logger   *zap.Logger
}

type budget struct {
	maxAttempts  uint
	initialDelay time.Duration
	maxDelay     time.Duration
}

// Option меняет бюджет одного вызова AwaitVisible.
type Option func(*budget)

// WithMaxAttempts: 0 игнорируется, хотя бы одно чтение будет всегда.
func WithMaxAttempts(n uint) Option {
	return func(b *budget) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

func WithInitialDelay(d time.Duration) Option {
	return func(b *budget) { b.initialDelay = d }
}

func WithMaxDelay(d time.Duration) Option {
	return func(b *budget) { b.maxDelay = d }
}

func NewPoller(maxAttempts uint, initialDelay, maxDelay time.Duration, logger *zap.Logger) *Poller {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	return &Poller{
		defaults: budget{maxAttempts: maxAttempts, initialDelay: initialDelay, maxDelay: maxDelay},
		logger:   logger.Named("poller"),
	}
}

var errNotYet = errors.New("not yet visible")

// AwaitVisible повторяет query с экспоненциальной задержкой, пока тот не ответит ok=true.
// NotFound и сетевые ошибки считаются "еще не видно"; остальные прерывают ожидание.
// Исчерпание попыток: TimeoutError. Ожидание уступает горутину, отмена ctx прерывает его.
func AwaitVisible[T any](ctx context.Context, p *Poller, query func(ctx context.Context) (T, bool, error), opts ...Option) (T, error) {
	const op = "consistency.await_visible"
	var (
		result   T
		attempts uint
	)
	b := p.defaults
	for _, opt := range opts {
		opt(&b)
	}

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(b.maxAttempts),
		retry.Delay(b.initialDelay),
		retry.MaxDelay(b.maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if errors.Is(err, errNotYet) {
				return true
			}
			switch domain.KindOf(err) {
			case domain.KindNotFound, domain.KindNetwork:
				return true
			}
			return false
		}),
	).Do(func() error {
		attempts++
		v, ok, err := query(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errNotYet
		}
		result = v
		return nil
	})

	if err == nil {
		p.logger.Debug("visible", zap.Uint("attempts", attempts))
		return result, nil
	}

	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, domain.Wrap(domain.KindTimeout, op, ctxErr)
	}
	if errors.Is(err, errNotYet) || domain.KindOf(err) == domain.KindNotFound || domain.KindOf(err) == domain.KindNetwork {
		p.logger.Warn("read model did not catch up", zap.Uint("attempts", attempts), zap.Error(err))
		return zero, domain.Timeout(op, "not visible after %d attempts: %v", attempts, err)
	}
	return zero, err
}

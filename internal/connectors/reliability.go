package connectors

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

// ReliabilitySettings: параметры защиты вызовов реестра (секция ledger конфига).
type ReliabilitySettings struct {
	Name                string
	CallTimeout         time.Duration
	RateLimit           float64
	RateBurst           int
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// ReliabilityWrapper: лимитер, предохранитель и таймаут одного вызова.
// Повторов здесь нет: их делает конвейер, и только для сетевых ошибок.
type ReliabilityWrapper struct {
	next        LedgerAdapter
	cb          *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	callTimeout time.Duration
}

// NewReliabilityWrapper. cbState может быть nil; иначе в него пишется состояние
// предохранителя: 0 закрыт, 1 открыт, 0.5 полуоткрыт.
func NewReliabilityWrapper(next LedgerAdapter, s ReliabilitySettings, cbState prometheus.Gauge) *ReliabilityWrapper {
	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		// Отказ реестра по бизнес-правилу: это ответ, а не сбой
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch domain.KindOf(err) {
			case domain.KindRejected, domain.KindValidation, domain.KindNotFound:
				return true
			}
			return false
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			if cbState == nil {
				return
			}
			switch to {
			case gobreaker.StateOpen:
				cbState.Set(1)
			case gobreaker.StateHalfOpen:
				cbState.Set(0.5)
			default:
				cbState.Set(0)
			}
		},
	})

	limit := rate.Inf
	if s.RateLimit > 0 {
		limit = rate.Limit(s.RateLimit)
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = 10 * time.Second
	}

	return &ReliabilityWrapper{
		next:        next,
		cb:          cb,
		limiter:     rate.NewLimiter(limit, s.RateBurst),
		callTimeout: s.CallTimeout,
	}
}

func (w *ReliabilityWrapper) Submit(ctx context.Context, key string, cmd domain.IdempotentCommand) (domain.LedgerResult, error) {
	var res domain.LedgerResult
	err := w.call(ctx, "ledger.submit", func(ctx context.Context) error {
		var err error
		res, err = w.next.Submit(ctx, key, cmd)
		return err
	})
	return res, err
}

func (w *ReliabilityWrapper) QueryBalance(ctx context.Context, accountID string) (domain.Balance, error) {
	var b domain.Balance
	err := w.call(ctx, "ledger.query_balance", func(ctx context.Context) error {
		var err error
		b, err = w.next.QueryBalance(ctx, accountID)
		return err
	})
	return b, err
}

func (w *ReliabilityWrapper) call(ctx context.Context, op string, fn func(context.Context) error) error {
	// 1. Rate Limiter: до реестра запрос не ушел, эффекта точно нет
	if err := w.limiter.Wait(ctx); err != nil {
		var after time.Duration
		if l := w.limiter.Limit(); l != rate.Inf && l > 0 {
			after = time.Duration(float64(time.Second) / float64(l))
		}
		return domain.Wrap(domain.KindNetwork, op, &ThrottleError{RetryAfter: after, Cause: err})
	}

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (any, error) {
		tCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
		defer cancel()

		err := fn(tCtx)
		if err != nil && errors.Is(tCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			// Сработал наш таймаут: исход неизвестен
			return nil, domain.NetworkUnknown(op, err)
		}
		return nil, err
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Wrap(domain.KindNetwork, op, err)
	}
	return err
}

package audit

/*
Файл journal.go — асинхронный журнал прогонов конвейера.

- Non-blocking: Log не ждет БД, событие уходит в буферизированный канал.
- Batching: воркер копит события и пишет пачкой по таймеру или по лимиту.
- Drain: Stop закрывает канал и ждет, пока воркер вычитает остаток и сделает финальный flush.
- Load shedding: при переполнении буфера событие уходит в zap, а не блокирует hot path.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются события.
type Storage interface {
	WriteBatch(ctx context.Context, events []PipelineEvent) error
}

type Auditor interface {
	Log(event PipelineEvent)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 10000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	return o
}

type Journal struct {
	ch     chan PipelineEvent
	repo   Storage
	logger *zap.Logger
	opts   Options
	wg     sync.WaitGroup

	closed   atomic.Bool
	sendMu   sync.RWMutex // Log держит RLock на время отправки, Stop берет Lock перед close
	stopOnce sync.Once
}

func NewJournal(repo Storage, logger *zap.Logger, opts Options) *Journal {
	opts = opts.withDefaults()
	return &Journal{
		ch:     make(chan PipelineEvent, opts.BufferSize),
		repo:   repo,
		logger: logger.With(zap.String("mod", "audit")),
		opts:   opts,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход и ждет, пока воркер все допишет.
func (j *Journal) Stop() {
	j.stopOnce.Do(func() {
		j.logger.Info("stopping journal: closing channel and flushing buffer...")
		j.sendMu.Lock()
		j.closed.Store(true)
		close(j.ch)
		j.sendMu.Unlock()
		j.wg.Wait()
		j.logger.Info("journal stopped gracefully")
	})
}

func (j *Journal) Log(event PipelineEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	j.sendMu.RLock()
	defer j.sendMu.RUnlock()

	if j.closed.Load() {
		j.logger.Warn("audit event dropped: journal is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case j.ch <- event:
	default:
		// Backpressure: не теряем факт, пишем хотя бы в лог
		j.logger.Error("audit_buffer_overflow",
			zap.String("idempotency_key", event.IdempotencyKey),
			zap.String("state", string(event.State)),
			zap.String("error", event.Error),
		)
	}
}

// Pending: сколько событий ждет записи (для метрики backpressure).
func (j *Journal) Pending() int {
	return len(j.ch)
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]PipelineEvent, 0, j.opts.BatchSize)
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст запроса к этому моменту может быть уже закрыт
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				flush() // Финальный сброс
				j.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= j.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

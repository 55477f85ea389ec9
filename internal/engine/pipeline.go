package engine

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/audit"
	"github.com/xela07ax/ledger-bridge/internal/connectors"
	"github.com/xela07ax/ledger-bridge/internal/correlation"
	"github.com/xela07ax/ledger-bridge/internal/domain"
	"github.com/xela07ax/ledger-bridge/internal/idempotency"
)

// PolicySource: policy.Resolver.
type PolicySource interface {
	Resolve(ctx context.Context, businessKey, tenantID string) (domain.ParametersView, error)
}

// Guard: risk.Guard.
type Guard interface {
	Check(view domain.ParametersView, p domain.Payload) error
}

// Recorder: correlation.Recorder.
type Recorder interface {
	Record(ctx context.Context, localRecordID, idempotencyKey string, res domain.LedgerResult, origin correlation.Origin) (domain.CorrelationRecord, error)
	Lookup(ctx context.Context, localRecordID string) (domain.CorrelationRecord, error)
}

type PipelineConfig struct {
	SubmitAttempts   uint
	SubmitBackoff    time.Duration
	SubmitMaxBackoff time.Duration
	// RequirePolicy=false: без политики операция идет с пустыми параметрами
	RequirePolicy bool
}

// Pipeline проводит одну бизнес-операцию через все шаги:
// политика → ключ → реестр → запись корреляции.
// Общего изменяемого состояния между прогонами нет, кроме кэша резолвера и хранилищ.
type Pipeline struct {
	policies PolicySource
	guard    Guard
	ledger   connectors.LedgerAdapter
	recorder Recorder
	auditor  audit.Auditor
	metrics  *Metrics
	cfg      PipelineConfig
	tracer   trace.Tracer
	logger   *zap.Logger
}

func NewPipeline(
	policies PolicySource,
	guard Guard,
	ledger connectors.LedgerAdapter,
	recorder Recorder,
	auditor audit.Auditor,
	metrics *Metrics,
	cfg PipelineConfig,
	logger *zap.Logger,
) *Pipeline {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.SubmitAttempts == 0 {
		cfg.SubmitAttempts = 1
	}
	return &Pipeline{
		policies: policies,
		guard:    guard,
		ledger:   ledger,
		recorder: recorder,
		auditor:  auditor,
		metrics:  metrics,
		cfg:      cfg,
		tracer:   otel.Tracer("github.com/xela07ax/ledger-bridge/internal/engine"),
		logger:   logger.Named("pipeline"),
	}
}

// run: состояние одного прогона.
type run struct {
	state    domain.PipelineState
	trail    []domain.PipelineState
	event    audit.PipelineEvent
	start    time.Time
	attempts int
	logger   *zap.Logger
}

func (r *run) advance(to domain.PipelineState) {
	if !r.state.CanTransitionTo(to) {
		// Ошибка программиста, а не данных
		panic("pipeline: illegal transition " + string(r.state) + " -> " + string(to))
	}
	r.logger.Debug("state", zap.String("from", string(r.state)), zap.String("to", string(to)))
	r.state = to
	r.trail = append(r.trail, to)
}

// Submit: submitCommand. Отмена ctx учитывается до KeyDerived включительно;
// начиная с Submitted прогон доводится до конца без оглядки на ctx вызывающего.
func (p *Pipeline) Submit(ctx context.Context, req domain.SubmitRequest) (res domain.SubmitResult, err error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.submit", trace.WithAttributes(
		attribute.String("tenant", req.TenantID),
		attribute.String("operation", string(req.OperationType)),
	))
	defer span.End()

	r := &run{
		state: domain.StateStarted,
		trail: []domain.PipelineState{domain.StateStarted},
		start: start,
		event: audit.PipelineEvent{
			ID:            uuid.New().String(),
			TraceID:       traceIDFrom(ctx),
			TenantID:      req.TenantID,
			OperationType: req.OperationType,
		},
		logger: p.logger.With(zap.String("tenant", req.TenantID), zap.String("operation", string(req.OperationType))),
	}
	p.metrics.TotalRequests.WithLabelValues(req.TenantID, string(req.OperationType)).Inc()

	defer func() {
		if err != nil {
			r.event.FailedAt = r.state
			r.event.OutcomeUnknown = outcomeUnknown(r.state, err)
			r.advance(domain.StateFailed)
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, string(domain.KindOf(err)))
			p.metrics.ErrorTotal.WithLabelValues(string(domain.KindOf(err))).Inc()
		}
		p.finish(r, err)
	}()

	if err := req.Validate(); err != nil {
		return domain.SubmitResult{}, err
	}

	// 1. Политика
	view, err := p.resolvePolicy(ctx, req)
	if err != nil {
		return domain.SubmitResult{}, err
	}
	if err := p.guard.Check(view, req.Payload); err != nil {
		return domain.SubmitResult{}, err
	}
	if err := cancelled(ctx, r); err != nil {
		return domain.SubmitResult{}, err
	}
	r.advance(domain.StatePolicyResolved)

	// 2. Ключ идемпотентности и производные от него
	key, err := idempotency.Derive(req.OperationType, req.TenantID, req.BusinessIdentifiers, req.Discriminator)
	if err != nil {
		return domain.SubmitResult{}, domain.Validation("pipeline.derive", "%v", err)
	}
	fingerprint, err := idempotency.Fingerprint(req.Payload)
	if err != nil {
		return domain.SubmitResult{}, domain.Validation("pipeline.derive", "%v", err)
	}
	localID := idempotency.LocalRecordID(key)
	r.event.IdempotencyKey = key
	r.event.LocalRecordID = localID
	r.logger = r.logger.With(zap.String("idempotency_key", key))
	span.SetAttributes(attribute.String("idempotency_key", key))
	if err := cancelled(ctx, r); err != nil {
		return domain.SubmitResult{}, err
	}
	r.advance(domain.StateKeyDerived)
	if err := cancelled(ctx, r); err != nil {
		return domain.SubmitResult{}, err
	}

	// Уже записанная операция закрывается без похода в реестр
	if rec, ok, err := p.replay(ctx, localID, fingerprint); err != nil {
		return domain.SubmitResult{}, err
	} else if ok {
		r.event.Replayed = true
		r.advance(domain.StateDone)
		p.metrics.Replays.WithLabelValues(string(req.OperationType)).Inc()
		return resultFrom(rec, true), nil
	}

	// 3. Реестр. Дальше отмена только рекомендательная: эффект мог уже случиться
	r.advance(domain.StateSubmitted)
	sctx := context.WithoutCancel(ctx)
	cmd := domain.IdempotentCommand{
		IdempotencyKey:      key,
		TenantID:            req.TenantID,
		OperationType:       req.OperationType,
		BusinessIdentifiers: req.BusinessIdentifiers,
		Discriminator:       req.Discriminator,
		Payload:             req.Payload,
	}
	ledgerRes, err := p.submit(sctx, r, cmd)
	if err != nil {
		return domain.SubmitResult{}, err
	}

	// 4. Корреляция
	rctx, rspan := p.tracer.Start(sctx, "correlation.record")
	rec, err := p.recorder.Record(rctx, localID, key, ledgerRes, correlation.Origin{
		TenantID:      req.TenantID,
		OperationType: req.OperationType,
		PayloadHash:   fingerprint,
	})
	rspan.End()
	if err != nil {
		if domain.KindOf(err) == domain.KindPersistence {
			// Перевод в реестре есть, локальной записи нет: повтор прогона безопасен
			r.logger.Error("submitted but unconfirmed: ledger accepted, record failed, caller must retry",
				zap.Strings("transfer_ids", ledgerRes.TransferIDs), zap.Error(err))
		}
		return domain.SubmitResult{}, err
	}
	r.advance(domain.StateRecorded)
	r.advance(domain.StateDone)
	return resultFrom(rec, false), nil
}

func (p *Pipeline) resolvePolicy(ctx context.Context, req domain.SubmitRequest) (domain.ParametersView, error) {
	ctx, span := p.tracer.Start(ctx, "policy.resolve")
	defer span.End()

	businessKey := req.OperationType.PolicyKey()
	view, err := p.policies.Resolve(ctx, businessKey, req.TenantID)
	switch {
	case err == nil:
		if view.Stale {
			p.logger.Warn("pipeline runs on stale policy",
				zap.String("tenant", req.TenantID), zap.String("key", businessKey), zap.Int("version", view.Version))
		}
		span.SetAttributes(attribute.Int("policy_version", view.Version), attribute.Bool("stale", view.Stale))
		return view, nil
	case domain.KindOf(err) == domain.KindNotFound && !p.cfg.RequirePolicy:
		return domain.ParametersView{TenantID: req.TenantID, BusinessKey: businessKey, Parameters: domain.Parameters{}}, nil
	default:
		return domain.ParametersView{}, err
	}
}

// replay ищет запись, сделанную прошлым прогоном с тем же ключом.
// Сбой чтения не фатален: повторный submit идемпотентен.
func (p *Pipeline) replay(ctx context.Context, localID, fingerprint string) (domain.CorrelationRecord, bool, error) {
	rec, err := p.recorder.Lookup(ctx, localID)
	switch {
	case err == nil:
	case domain.KindOf(err) == domain.KindNotFound:
		return domain.CorrelationRecord{}, false, nil
	default:
		p.logger.Warn("replay lookup failed, falling through to submit", zap.String("local_record_id", localID), zap.Error(err))
		return domain.CorrelationRecord{}, false, nil
	}

	if rec.PayloadHash != fingerprint {
		p.logger.Error("idempotency key reused with a different payload",
			zap.String("local_record_id", localID), zap.String("idempotency_key", rec.IdempotencyKey))
		return domain.CorrelationRecord{}, false, domain.Conflict("pipeline.replay",
			"idempotency key %s was already used with a different payload", rec.IdempotencyKey)
	}
	return rec, true, nil
}

// submit повторяет только сетевые ошибки, с экспоненциальной задержкой.
// ThrottleError задает паузу сам.
func (p *Pipeline) submit(ctx context.Context, r *run, cmd domain.IdempotentCommand) (domain.LedgerResult, error) {
	ctx, span := p.tracer.Start(ctx, "ledger.submit")
	defer span.End()

	var res domain.LedgerResult
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(p.cfg.SubmitAttempts),
		retry.Delay(p.cfg.SubmitBackoff),
		retry.MaxDelay(p.cfg.SubmitMaxBackoff),
		retry.LastErrorOnly(true),
		retry.RetryIf(domain.IsRetryable),
		// Умный расчет задержки
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			var tErr *connectors.ThrottleError
			if errors.As(err, &tErr) && tErr.RetryAfter > 0 {
				return tErr.RetryAfter
			}
			return retry.BackOffDelay(n, err, config)
		}),
		retry.OnRetry(func(n uint, err error) {
			p.metrics.SubmitRetries.WithLabelValues(string(cmd.OperationType)).Inc()
			r.logger.Warn("ledger submit failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	).Do(func() error {
		r.attempts++
		var callErr error
		res, callErr = p.ledger.Submit(ctx, cmd.IdempotencyKey, cmd)
		return callErr
	})
	span.SetAttributes(attribute.Int("attempts", r.attempts))

	if err != nil {
		if domain.KindOf(err) == domain.KindNetwork {
			// Исход неизвестен: следующий прогон с тем же ключом решит дело
			return domain.LedgerResult{}, domain.NetworkUnknown("pipeline.submit", err)
		}
		return domain.LedgerResult{}, err
	}
	return res, nil
}

// outcomeUnknown: сбой после ухода команды в реестр, кроме явного отказа реестра.
// Сюда попадают исчерпанные сетевые повторы и PersistenceError после принятого перевода.
func outcomeUnknown(at domain.PipelineState, err error) bool {
	if domain.IsOutcomeUnknown(err) {
		return true
	}
	if at != domain.StateSubmitted {
		return false
	}
	switch domain.KindOf(err) {
	case domain.KindRejected, domain.KindValidation:
		return false
	}
	return true
}

func (p *Pipeline) finish(r *run, err error) {
	r.event.State = r.state
	r.event.Attempts = r.attempts
	r.event.DurationMs = time.Since(r.start).Milliseconds()
	r.event.Timestamp = time.Now()
	if err != nil {
		r.event.ErrorKind = domain.KindOf(err)
		r.event.Error = err.Error()
	}

	p.metrics.RequestDuration.WithLabelValues(string(r.event.OperationType), string(r.state)).
		Observe(time.Since(r.start).Seconds())

	if p.auditor != nil {
		p.auditor.Log(r.event)
		if q, ok := p.auditor.(interface{ Pending() int }); ok {
			p.metrics.AuditBufferFill.Set(float64(q.Pending()))
		}
	}

	fields := []zap.Field{
		zap.String("state", string(r.state)),
		zap.Int("attempts", r.attempts),
		zap.Bool("replayed", r.event.Replayed),
		zap.Int64("duration_ms", r.event.DurationMs),
		zap.Any("trail", r.trail),
	}
	switch {
	case r.state.Successful():
		r.logger.Info("command done", fields...)
	case domain.KindOf(err) == domain.KindConflict:
		r.logger.Error("command failed", append(fields, zap.Error(err))...)
	case domain.IsOutcomeUnknown(err):
		r.logger.Warn("command outcome unknown", append(fields, zap.Error(err))...)
	default:
		r.logger.Info("command failed", append(fields, zap.Error(err))...)
	}
}

// cancelled: до Submitted отмена прерывает прогон без побочных эффектов.
func cancelled(ctx context.Context, r *run) error {
	if err := ctx.Err(); err != nil && r.state.Cancellable() {
		return domain.Wrap(domain.KindNetwork, "pipeline.cancelled", err)
	}
	return nil
}

func resultFrom(rec domain.CorrelationRecord, replayed bool) domain.SubmitResult {
	return domain.SubmitResult{
		LocalRecordID:    rec.LocalRecordID,
		IdempotencyKey:   rec.IdempotencyKey,
		TransferIDs:      append([]string(nil), rec.ExternalTransfers...),
		EventLogPosition: rec.EventLogPosition,
		AccountID:        rec.ExternalAccountID,
		Replayed:         replayed,
	}
}

// Package correlation хранит связь локальной записи с переводами во внешнем реестре.
package correlation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

// Store: repository/postgres.CorrelationRepo или repository/sqlite.CorrelationRepo.
// Insert возвращает false, если строка с таким local_record_id уже есть.
type Store interface {
	Insert(ctx context.Context, rec domain.CorrelationRecord) (bool, error)
	Get(ctx context.Context, localRecordID string) (domain.CorrelationRecord, error)
}

// Origin: контекст команды, который пишется рядом с ответом реестра.
type Origin struct {
	TenantID      string
	OperationType domain.OperationType
	PayloadHash   string
}

type Recorder struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, now: time.Now, logger: logger.Named("recorder")}
}

// Record: одна атомарная вставка. Повтор с тем же эффектом ничего не меняет
// и возвращает сохраненную запись; другой эффект под тем же ID: ConflictError.
// Любой сбой хранилища дает PersistenceError: прогон не завершен, конвейер
// перезапускается целиком, повторный submit в реестр безопасен.
func (r *Recorder) Record(ctx context.Context, localRecordID, idempotencyKey string, res domain.LedgerResult, origin Origin) (domain.CorrelationRecord, error) {
	const op = "correlation.record"
	if localRecordID == "" || idempotencyKey == "" {
		return domain.CorrelationRecord{}, domain.Validation(op, "local record id and idempotency key are required")
	}
	if len(res.TransferIDs) == 0 {
		return domain.CorrelationRecord{}, domain.Validation(op, "ledger result has no transfer ids")
	}

	rec := domain.CorrelationRecord{
		LocalRecordID:     localRecordID,
		IdempotencyKey:    idempotencyKey,
		TenantID:          origin.TenantID,
		OperationType:     origin.OperationType,
		ExternalTransfers: append([]string(nil), res.TransferIDs...),
		EventLogPosition:  res.EventLogPosition,
		ExternalAccountID: res.AccountID,
		PayloadHash:       origin.PayloadHash,
		CreatedAt:         r.now().UTC().Truncate(time.Microsecond),
	}

	inserted, err := r.store.Insert(ctx, rec)
	if err != nil {
		if domain.KindOf(err) == domain.KindConflict {
			r.logger.Error("correlation invariant violated",
				zap.String("local_record_id", localRecordID),
				zap.String("idempotency_key", idempotencyKey),
				zap.Error(err))
			return domain.CorrelationRecord{}, err
		}
		return domain.CorrelationRecord{}, domain.Wrap(domain.KindPersistence, op, err)
	}
	if inserted {
		return rec, nil
	}

	existing, err := r.store.Get(ctx, localRecordID)
	if err != nil {
		return domain.CorrelationRecord{}, domain.Wrap(domain.KindPersistence, op, err)
	}
	if !existing.SameEffect(rec) {
		r.logger.Error("correlation record mismatch",
			zap.String("local_record_id", localRecordID),
			zap.Strings("stored_transfers", existing.ExternalTransfers),
			zap.Strings("new_transfers", rec.ExternalTransfers),
			zap.String("stored_payload_hash", existing.PayloadHash),
			zap.String("new_payload_hash", rec.PayloadHash))
		return domain.CorrelationRecord{}, domain.Conflict(op,
			"record %s already holds a different external effect", localRecordID)
	}
	r.logger.Debug("duplicate record is a no-op", zap.String("local_record_id", localRecordID))
	return existing, nil
}

// Lookup читает запись; NotFound, если прогон до записи не доходил.
func (r *Recorder) Lookup(ctx context.Context, localRecordID string) (domain.CorrelationRecord, error) {
	return r.store.Get(ctx, localRecordID)
}

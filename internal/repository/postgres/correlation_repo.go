package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

type CorrelationRepo struct {
	pool *pgxpool.Pool
}

func NewCorrelationRepo(pool *pgxpool.Pool) *CorrelationRepo {
	return &CorrelationRepo{pool: pool}
}

// Insert делает upsert по local_record_id, повторная вставка того же ключа ничего не делает
// и возвращает inserted=false. Сравнение с существующей строкой: забота рекордера.
func (r *CorrelationRepo) Insert(ctx context.Context, rec domain.CorrelationRecord) (bool, error) {
	ct, err := r.pool.Exec(ctx, `
		INSERT INTO correlation_records (local_record_id, idempotency_key, tenant_id, operation_type,
			external_transfer_ids, event_log_position, external_account_id, payload_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (local_record_id) DO NOTHING`,
		rec.LocalRecordID, rec.IdempotencyKey, rec.TenantID, string(rec.OperationType),
		rec.ExternalTransfers, rec.EventLogPosition, rec.ExternalAccountID, rec.PayloadHash, rec.CreatedAt,
	)
	if err != nil {
		return false, classify("postgres.correlation.insert", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (r *CorrelationRepo) Get(ctx context.Context, localRecordID string) (domain.CorrelationRecord, error) {
	var (
		rec domain.CorrelationRecord
		op  string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT local_record_id, idempotency_key, tenant_id, operation_type, external_transfer_ids,
			event_log_position, external_account_id, payload_hash, created_at
		FROM correlation_records WHERE local_record_id = $1`, localRecordID,
	).Scan(&rec.LocalRecordID, &rec.IdempotencyKey, &rec.TenantID, &op, &rec.ExternalTransfers,
		&rec.EventLogPosition, &rec.ExternalAccountID, &rec.PayloadHash, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CorrelationRecord{}, domain.NotFound("postgres.correlation.get", "record %s not found", localRecordID)
	}
	if err != nil {
		return domain.CorrelationRecord{}, classify("postgres.correlation.get", err)
	}
	rec.OperationType = domain.OperationType(op)
	return rec, nil
}

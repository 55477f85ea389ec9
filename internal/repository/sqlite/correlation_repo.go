package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

type CorrelationRepo struct {
	db *sql.DB
}

func (r *CorrelationRepo) Insert(ctx context.Context, rec domain.CorrelationRecord) (bool, error) {
	transfers, err := json.Marshal(rec.ExternalTransfers)
	if err != nil {
		return false, fmt.Errorf("sqlite: encode transfer ids: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO correlation_records (local_record_id, idempotency_key, tenant_id, operation_type,
			external_transfer_ids, event_log_position, external_account_id, payload_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (local_record_id) DO NOTHING`,
		rec.LocalRecordID, rec.IdempotencyKey, rec.TenantID, string(rec.OperationType),
		string(transfers), rec.EventLogPosition, rec.ExternalAccountID, rec.PayloadHash, toMicros(rec.CreatedAt))
	if err != nil {
		return false, classify("sqlite.correlation.insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("sqlite.correlation.insert", err)
	}
	return n == 1, nil
}

func (r *CorrelationRepo) Get(ctx context.Context, localRecordID string) (domain.CorrelationRecord, error) {
	var (
		rec       domain.CorrelationRecord
		op        string
		transfers string
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT local_record_id, idempotency_key, tenant_id, operation_type, external_transfer_ids,
			event_log_position, external_account_id, payload_hash, created_at
		FROM correlation_records WHERE local_record_id = ?`, localRecordID,
	).Scan(&rec.LocalRecordID, &rec.IdempotencyKey, &rec.TenantID, &op, &transfers,
		&rec.EventLogPosition, &rec.ExternalAccountID, &rec.PayloadHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CorrelationRecord{}, domain.NotFound("sqlite.correlation.get", "record %s not found", localRecordID)
	}
	if err != nil {
		return domain.CorrelationRecord{}, classify("sqlite.correlation.get", err)
	}
	if err := json.Unmarshal([]byte(transfers), &rec.ExternalTransfers); err != nil {
		return domain.CorrelationRecord{}, fmt.Errorf("sqlite: decode transfer ids: %w", err)
	}
	rec.OperationType = domain.OperationType(op)
	rec.CreatedAt = fromMicros(createdAt)
	return rec, nil
}

// Count для тестов и сверки: сколько строк корреляции у арендатора.
func (r *CorrelationRepo) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM correlation_records WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, classify("sqlite.correlation.count", err)
}

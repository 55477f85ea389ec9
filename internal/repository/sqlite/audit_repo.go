package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xela07ax/ledger-bridge/internal/audit"
	"github.com/xela07ax/ledger-bridge/internal/domain"
)

type AuditRepo struct {
	db *sql.DB
}

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.PipelineEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin audit batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO pipeline_audit (id, trace_id, tenant_id, operation_type,
		idempotency_key, local_record_id, state, error_kind, error, failed_at, outcome_unknown,
		attempts, replayed, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.ID, e.TraceID, e.TenantID, string(e.OperationType), e.IdempotencyKey,
			e.LocalRecordID, string(e.State), string(e.ErrorKind), e.Error, string(e.FailedAt), e.OutcomeUnknown,
			e.Attempts, e.Replayed,
			e.DurationMs, toMicros(e.Timestamp)); err != nil {
			return fmt.Errorf("sqlite: insert audit event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// FetchByKey возвращает события журнала по ключу идемпотентности в порядке записи.
func (r *AuditRepo) FetchByKey(ctx context.Context, idempotencyKey string) ([]audit.PipelineEvent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, trace_id, tenant_id, operation_type, idempotency_key,
		local_record_id, state, error_kind, error, failed_at, outcome_unknown, attempts, replayed, duration_ms, timestamp
		FROM pipeline_audit WHERE idempotency_key = ? ORDER BY timestamp, rowid`, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fetch audit: %w", err)
	}
	defer rows.Close()

	out := make([]audit.PipelineEvent, 0)
	for rows.Next() {
		var (
			e                         audit.PipelineEvent
			op, state, kind, failedAt string
			unknown, replayed         int
			ts                        int64
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &e.TenantID, &op, &e.IdempotencyKey, &e.LocalRecordID,
			&state, &kind, &e.Error, &failedAt, &unknown, &e.Attempts, &replayed, &e.DurationMs, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit: %w", err)
		}
		e.OperationType = domain.OperationType(op)
		e.State = domain.PipelineState(state)
		e.ErrorKind = domain.Kind(kind)
		e.Replayed = replayed == 1
		e.FailedAt = domain.PipelineState(failedAt)
		e.OutcomeUnknown = unknown == 1
		e.Timestamp = fromMicros(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

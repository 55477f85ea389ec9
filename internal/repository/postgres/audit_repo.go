package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/ledger-bridge/internal/audit"
	"github.com/xela07ax/ledger-bridge/internal/domain"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.PipelineEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице pipeline_audit
	const numFields = 15
	var sb strings.Builder
	vals := make([]any, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(")
		for j := 1; j <= numFields; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", p+j)
		}
		sb.WriteString(")")

		vals = append(vals,
			e.ID, e.TraceID, e.TenantID, string(e.OperationType), e.IdempotencyKey, e.LocalRecordID,
			string(e.State), string(e.ErrorKind), e.Error, string(e.FailedAt), e.OutcomeUnknown,
			e.Attempts, e.Replayed, e.DurationMs, e.Timestamp,
		)
	}

	query := `INSERT INTO pipeline_audit (id, trace_id, tenant_id, operation_type, idempotency_key, local_record_id,
		state, error_kind, error, failed_at, outcome_unknown, attempts, replayed, duration_ms, timestamp) VALUES ` + sb.String() +
		` ON CONFLICT (id) DO NOTHING`

	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

// FetchByKey: события журнала по ключу идемпотентности в порядке записи.
func (r *AuditRepo) FetchByKey(ctx context.Context, idempotencyKey string) ([]audit.PipelineEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, trace_id, tenant_id, operation_type, idempotency_key,
		local_record_id, state, error_kind, error, failed_at, outcome_unknown, attempts, replayed, duration_ms, timestamp
		FROM pipeline_audit WHERE idempotency_key = $1 ORDER BY timestamp`, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch audit: %w", err)
	}
	defer rows.Close()

	out := make([]audit.PipelineEvent, 0)
	for rows.Next() {
		var (
			e                         audit.PipelineEvent
			op, state, kind, failedAt string
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &e.TenantID, &op, &e.IdempotencyKey, &e.LocalRecordID,
			&state, &kind, &e.Error, &failedAt, &e.OutcomeUnknown, &e.Attempts, &e.Replayed, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		e.OperationType = domain.OperationType(op)
		e.State = domain.PipelineState(state)
		e.ErrorKind = domain.Kind(kind)
		e.FailedAt = domain.PipelineState(failedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

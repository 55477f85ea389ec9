package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

type PolicyRepo struct {
	db *sql.DB
}

const policyColumns = `id, tenant_id, business_key, version, valid_from, valid_to, is_current, parameters, created_by, reason`

// Save закрывает текущую версию и вставляет новую в одной транзакции.
// Сериализация по ключу обеспечивается единственным соединением и service.PolicyService.
func (r *PolicyRepo) Save(ctx context.Context, c domain.PolicyCandidate, now time.Time) (domain.PolicyVersion, error) {
	params, err := json.Marshal(c.Parameters)
	if err != nil {
		return domain.PolicyVersion{}, domain.Validation("sqlite.policy.save", "parameters are not serializable: %v", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PolicyVersion{}, classify("sqlite.policy.save", err)
	}
	defer tx.Rollback()

	var (
		curID        int64
		curVersion   int
		curValidFrom int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, version, valid_from FROM policy_versions
		WHERE tenant_id = ? AND business_key = ? AND is_current = 1`,
		c.TenantID, c.BusinessKey).Scan(&curID, &curVersion, &curValidFrom)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		curVersion = 0
	case err != nil:
		return domain.PolicyVersion{}, classify("sqlite.policy.current", err)
	default:
		if toMicros(now) < curValidFrom {
			return domain.PolicyVersion{}, domain.Conflict("sqlite.policy.save",
				"clock moved backwards: now %s is before current valid_from %s", now, fromMicros(curValidFrom))
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE policy_versions SET valid_to = ?, is_current = 0 WHERE id = ?`, toMicros(now), curID); err != nil {
			return domain.PolicyVersion{}, classify("sqlite.policy.close", err)
		}
	}

	v := domain.PolicyVersion{
		BusinessKey: c.BusinessKey,
		Version:     curVersion + 1,
		TenantID:    c.TenantID,
		ValidFrom:   fromMicros(toMicros(now)),
		IsCurrent:   true,
		Parameters:  c.Parameters,
		CreatedBy:   c.CreatedBy,
		Reason:      c.Reason,
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO policy_versions (tenant_id, business_key, version, valid_from, valid_to, is_current, parameters, created_by, reason)
		VALUES (?, ?, ?, ?, NULL, 1, ?, ?, ?)`,
		v.TenantID, v.BusinessKey, v.Version, toMicros(v.ValidFrom), string(params), v.CreatedBy, v.Reason)
	if err != nil {
		return domain.PolicyVersion{}, classify("sqlite.policy.insert", err)
	}
	if v.ID, err = res.LastInsertId(); err != nil {
		return domain.PolicyVersion{}, classify("sqlite.policy.insert", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.PolicyVersion{}, classify("sqlite.policy.commit", err)
	}
	return v, nil
}

func (r *PolicyRepo) FindCurrent(ctx context.Context, businessKey, tenantID string) (domain.PolicyVersion, error) {
	return r.one(ctx, "sqlite.policy.find_current", `SELECT `+policyColumns+`
		FROM policy_versions
		WHERE tenant_id = ? AND business_key = ? AND is_current = 1`, tenantID, businessKey)
}

func (r *PolicyRepo) FindAsOf(ctx context.Context, businessKey, tenantID string, at time.Time) (domain.PolicyVersion, error) {
	us := toMicros(at)
	return r.one(ctx, "sqlite.policy.find_as_of", `SELECT `+policyColumns+`
		FROM policy_versions
		WHERE tenant_id = ? AND business_key = ?
		  AND valid_from <= ? AND (valid_to IS NULL OR ? < valid_to)
		ORDER BY version DESC LIMIT 1`, tenantID, businessKey, us, us)
}

func (r *PolicyRepo) History(ctx context.Context, businessKey, tenantID string) ([]domain.PolicyVersion, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+policyColumns+`
		FROM policy_versions
		WHERE tenant_id = ? AND business_key = ?
		ORDER BY version ASC`, tenantID, businessKey)
	if err != nil {
		return nil, classify("sqlite.policy.history", err)
	}
	defer rows.Close()

	out := make([]domain.PolicyVersion, 0)
	for rows.Next() {
		v, err := scanPolicy(rows)
		if err != nil {
			return nil, classify("sqlite.policy.history", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("sqlite.policy.history", err)
	}
	return out, nil
}

func (r *PolicyRepo) one(ctx context.Context, op, query string, args ...any) (domain.PolicyVersion, error) {
	v, err := scanPolicy(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PolicyVersion{}, domain.NotFound(op, "policy %v/%v not found", args[0], args[1])
	}
	if err != nil {
		return domain.PolicyVersion{}, classify(op, err)
	}
	return v, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row scanner) (domain.PolicyVersion, error) {
	var (
		v         domain.PolicyVersion
		validFrom int64
		validTo   sql.NullInt64
		current   int
		params    string
	)
	if err := row.Scan(&v.ID, &v.TenantID, &v.BusinessKey, &v.Version, &validFrom, &validTo,
		&current, &params, &v.CreatedBy, &v.Reason); err != nil {
		return domain.PolicyVersion{}, err
	}
	v.ValidFrom = fromMicros(validFrom)
	if validTo.Valid {
		to := fromMicros(validTo.Int64)
		v.ValidTo = &to
	}
	v.IsCurrent = current == 1
	if err := json.Unmarshal([]byte(params), &v.Parameters); err != nil {
		return domain.PolicyVersion{}, fmt.Errorf("decode parameters of %s v%d: %w", v.BusinessKey, v.Version, err)
	}
	return v, nil
}

package postgres

/*
Файл policy_repo.go — SCD2-хранилище политик в PostgreSQL.

Единственный путь записи: Save, в одной транзакции закрываем текущую версию
и вставляем следующую. Конкурентные Save по одному (tenant, key) сериализуются
advisory-блокировкой на время транзакции; разные ключи друг друга не блокируют.
Частичный уникальный индекс policy_versions_one_current остается последним рубежом:
если он сработал, это баг сериализации, и наверх уходит ConflictError.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

type PolicyRepo struct {
	pool *pgxpool.Pool
}

func NewPolicyRepo(pool *pgxpool.Pool) *PolicyRepo {
	return &PolicyRepo{pool: pool}
}

const policyColumns = `id, tenant_id, business_key, version, valid_from, valid_to, is_current, parameters, created_by, reason`

func (r *PolicyRepo) Save(ctx context.Context, c domain.PolicyCandidate, now time.Time) (domain.PolicyVersion, error) {
	params, err := json.Marshal(c.Parameters)
	if err != nil {
		return domain.PolicyVersion{}, domain.Validation("postgres.policy.save", "parameters are not serializable: %v", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.PolicyVersion{}, classify("postgres.policy.save", err)
	}
	// Rollback после Commit: no-op.
	defer tx.Rollback(ctx)

	key := domain.PolicyKey{TenantID: c.TenantID, BusinessKey: c.BusinessKey}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return domain.PolicyVersion{}, classify("postgres.policy.lock", err)
	}

	var (
		curID        int64
		curVersion   int
		curValidFrom time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT id, version, valid_from
		FROM policy_versions
		WHERE tenant_id = $1 AND business_key = $2 AND is_current
		FOR UPDATE`, c.TenantID, c.BusinessKey).Scan(&curID, &curVersion, &curValidFrom)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		curVersion = 0
	case err != nil:
		return domain.PolicyVersion{}, classify("postgres.policy.current", err)
	default:
		if now.Before(curValidFrom) {
			return domain.PolicyVersion{}, domain.Conflict("postgres.policy.save",
				"clock moved backwards: now %s is before current valid_from %s", now, curValidFrom)
		}
		// 1. Закрываем текущую версию
		if _, err := tx.Exec(ctx, `
			UPDATE policy_versions SET valid_to = $1, is_current = FALSE
			WHERE id = $2`, now, curID); err != nil {
			return domain.PolicyVersion{}, classify("postgres.policy.close", err)
		}
	}

	// 2. Вставляем новую
	v := domain.PolicyVersion{
		BusinessKey: c.BusinessKey,
		Version:     curVersion + 1,
		TenantID:    c.TenantID,
		ValidFrom:   now,
		IsCurrent:   true,
		Parameters:  c.Parameters,
		CreatedBy:   c.CreatedBy,
		Reason:      c.Reason,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO policy_versions (tenant_id, business_key, version, valid_from, valid_to, is_current, parameters, created_by, reason)
		VALUES ($1, $2, $3, $4, NULL, TRUE, $5::jsonb, $6, $7)
		RETURNING id`,
		v.TenantID, v.BusinessKey, v.Version, v.ValidFrom, params, v.CreatedBy, v.Reason,
	).Scan(&v.ID)
	if err != nil {
		return domain.PolicyVersion{}, classify("postgres.policy.insert", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.PolicyVersion{}, classify("postgres.policy.commit", err)
	}
	return v, nil
}

func (r *PolicyRepo) FindCurrent(ctx context.Context, businessKey, tenantID string) (domain.PolicyVersion, error) {
	query := `SELECT ` + policyColumns + `
		FROM policy_versions
		WHERE tenant_id = $1 AND business_key = $2 AND is_current`
	return r.one(ctx, "postgres.policy.find_current", query, tenantID, businessKey)
}

func (r *PolicyRepo) FindAsOf(ctx context.Context, businessKey, tenantID string, at time.Time) (domain.PolicyVersion, error) {
	query := `SELECT ` + policyColumns + `
		FROM policy_versions
		WHERE tenant_id = $1 AND business_key = $2
		  AND valid_from <= $3 AND (valid_to IS NULL OR $3 < valid_to)
		ORDER BY version DESC
		LIMIT 1`
	return r.one(ctx, "postgres.policy.find_as_of", query, tenantID, businessKey, at)
}

func (r *PolicyRepo) History(ctx context.Context, businessKey, tenantID string) ([]domain.PolicyVersion, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+policyColumns+`
		FROM policy_versions
		WHERE tenant_id = $1 AND business_key = $2
		ORDER BY version ASC`, tenantID, businessKey)
	if err != nil {
		return nil, classify("postgres.policy.history", err)
	}
	defer rows.Close()

	// Пустой слайс, а не nil: в JSON будет [] вместо null
	out := make([]domain.PolicyVersion, 0)
	for rows.Next() {
		v, err := scanPolicy(rows)
		if err != nil {
			return nil, classify("postgres.policy.history", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("postgres.policy.history", err)
	}
	return out, nil
}

func (r *PolicyRepo) one(ctx context.Context, op, query string, args ...any) (domain.PolicyVersion, error) {
	v, err := scanPolicy(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PolicyVersion{}, domain.NotFound(op, "policy %v not found", args[:2])
	}
	if err != nil {
		return domain.PolicyVersion{}, classify(op, err)
	}
	return v, nil
}

func scanPolicy(row pgx.Row) (domain.PolicyVersion, error) {
	var (
		v      domain.PolicyVersion
		params []byte
	)
	if err := row.Scan(&v.ID, &v.TenantID, &v.BusinessKey, &v.Version, &v.ValidFrom, &v.ValidTo,
		&v.IsCurrent, &params, &v.CreatedBy, &v.Reason); err != nil {
		return domain.PolicyVersion{}, err
	}
	if err := json.Unmarshal(params, &v.Parameters); err != nil {
		return domain.PolicyVersion{}, fmt.Errorf("decode parameters of %s v%d: %w", v.BusinessKey, v.Version, err)
	}
	return v, nil
}

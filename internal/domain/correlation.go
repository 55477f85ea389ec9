package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerResult: ответ внешнего реестра на submit. Повторный submit с тем же ключом
// возвращает тот же результат.
type LedgerResult struct {
	TransferIDs      []string `json:"transfer_ids"`
	EventLogPosition int64    `json:"event_log_position"`
	AccountID        string   `json:"account_id,omitempty"`
}

// CorrelationRecord связывает локальную запись с переводами во внешнем реестре
// и позицией в журнале событий. Создается только после подтверждения реестра,
// в месте никогда не меняется.
type CorrelationRecord struct {
	LocalRecordID     string        `json:"local_record_id"`
	IdempotencyKey    string        `json:"idempotency_key"`
	TenantID          string        `json:"tenant_id"`
	OperationType     OperationType `json:"operation_type"`
	ExternalTransfers []string      `json:"external_transfer_ids"`
	EventLogPosition  int64         `json:"event_log_position"`
	ExternalAccountID string        `json:"external_account_id,omitempty"`
	PayloadHash       string        `json:"payload_hash"`
	CreatedAt         time.Time     `json:"created_at"`
}

// SameEffect: две записи описывают один и тот же внешний эффект.
// Используется при upsert, чтобы отличить повтор от нарушения инварианта.
func (r CorrelationRecord) SameEffect(o CorrelationRecord) bool {
	return r.LocalRecordID == o.LocalRecordID &&
		r.IdempotencyKey == o.IdempotencyKey &&
		r.PayloadHash == o.PayloadHash &&
		slices.Equal(r.ExternalTransfers, o.ExternalTransfers)
}

// Balance: eventually consistent чтение из реестра. Version, позиция журнала,
// до которой проекция баланса уже догнала запись.
type Balance struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Version   int64           `json:"version"`
}

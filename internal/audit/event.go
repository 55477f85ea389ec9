package audit

import (
	"time"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

// PipelineEvent: терминальная запись об одном прогоне конвейера.
// Для Failed сохраняется исходная ошибка (kind + текст), последнее достигнутое состояние
// и признак неизвестного исхода: с FailedAt=SUBMITTED реестр мог провести операцию.
type PipelineEvent struct {
	ID             string               `json:"id"`       // UUID события
	TraceID        string               `json:"trace_id"` // Сквозной ID запроса
	TenantID       string               `json:"tenant_id"`
	OperationType  domain.OperationType `json:"operation_type"`
	IdempotencyKey string               `json:"idempotency_key"`
	LocalRecordID  string               `json:"local_record_id"`

	State     domain.PipelineState `json:"state"`
	ErrorKind domain.Kind          `json:"error_kind,omitempty"`
	Error     string               `json:"error,omitempty"`
	FailedAt  domain.PipelineState `json:"failed_at,omitempty"`
	// OutcomeUnknown: эффект в реестре возможен или есть, но локально не подтвержден.
	// Повтор с тем же ключом безопасен.
	OutcomeUnknown bool `json:"outcome_unknown"`
	Attempts       int  `json:"attempts"` // сколько раз ходили в реестр
	Replayed       bool `json:"replayed"`

	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}

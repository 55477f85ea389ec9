package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/audit"
	"github.com/xela07ax/ledger-bridge/internal/console/service"
	"github.com/xela07ax/ledger-bridge/internal/domain"
	"github.com/xela07ax/ledger-bridge/internal/infra"
)

type AuditHandler struct {
	service *service.AuditService
	logger  *zap.Logger
}

func NewAuditHandler(s *service.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger.Named("audit-handler")}
}

// GetTrail возвращает прогоны конвейера по ключу идемпотентности.
// GET /v1/audit?key=...
func (h *AuditHandler) GetTrail(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		infra.WriteError(w, h.logger, domain.Validation("console.audit", "key query parameter is required"))
		return
	}

	events, err := h.service.Trail(r.Context(), key)
	if err != nil {
		infra.WriteError(w, h.logger, err)
		return
	}

	// Чужие прогоны не показываем
	tenant := infra.TenantFrom(r.Context())
	out := make([]audit.PipelineEvent, 0, len(events))
	for _, e := range events {
		if e.TenantID == tenant {
			out = append(out, e)
		}
	}
	infra.WriteJSON(w, http.StatusOK, out)
}

package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/console/service"
	"github.com/xela07ax/ledger-bridge/internal/domain"
	"github.com/xela07ax/ledger-bridge/internal/infra"
)

type PolicyHandler struct {
	service *service.PolicyService
	logger  *zap.Logger
}

func NewPolicyHandler(s *service.PolicyService, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{service: s, logger: logger.Named("policy-handler")}
}

type savePolicyRequest struct {
	Parameters domain.Parameters `json:"parameters"`
	CreatedBy  string            `json:"created_by"`
	Reason     string            `json:"reason"`
}

// Save публикует новую версию политики.
// POST /v1/policies/{key}
func (h *PolicyHandler) Save(w http.ResponseWriter, r *http.Request) {
	var body savePolicyRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		infra.WriteError(w, h.logger, domain.Validation("console.policy.save", "invalid request body: %v", err))
		return
	}
	// Автор из заголовка, если тело его не задает
	if strings.TrimSpace(body.CreatedBy) == "" {
		body.CreatedBy = r.Header.Get("X-Actor")
	}

	v, err := h.service.Save(r.Context(), domain.PolicyCandidate{
		TenantID:    infra.TenantFrom(r.Context()),
		BusinessKey: chi.URLParam(r, "key"),
		Parameters:  body.Parameters,
		CreatedBy:   body.CreatedBy,
		Reason:      body.Reason,
	})
	if err != nil {
		infra.WriteError(w, h.logger, err)
		return
	}
	infra.WriteJSON(w, http.StatusCreated, v)
}

// Current: GET /v1/policies/{key}
func (h *PolicyHandler) Current(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.Current(r.Context(), infra.TenantFrom(r.Context()), chi.URLParam(r, "key"))
	if err != nil {
		infra.WriteError(w, h.logger, err)
		return
	}
	infra.WriteJSON(w, http.StatusOK, v)
}

// AsOf: GET /v1/policies/{key}/as-of?at=2025-01-15T10:00:00Z
func (h *PolicyHandler) AsOf(w http.ResponseWriter, r *http.Request) {
	at, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("at"))
	if err != nil {
		infra.WriteError(w, h.logger, domain.Validation("console.policy.as_of", "at must be an RFC 3339 timestamp"))
		return
	}
	v, err := h.service.AsOf(r.Context(), infra.TenantFrom(r.Context()), chi.URLParam(r, "key"), at)
	if err != nil {
		infra.WriteError(w, h.logger, err)
		return
	}
	infra.WriteJSON(w, http.StatusOK, v)
}

// History: все версии по возрастанию. GET /v1/policies/{key}/history
func (h *PolicyHandler) History(w http.ResponseWriter, r *http.Request) {
	versions, err := h.service.History(r.Context(), infra.TenantFrom(r.Context()), chi.URLParam(r, "key"))
	if err != nil {
		infra.WriteError(w, h.logger, err)
		return
	}
	if versions == nil {
		versions = []domain.PolicyVersion{}
	}
	infra.WriteJSON(w, http.StatusOK, versions)
}

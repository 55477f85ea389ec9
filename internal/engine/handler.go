package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/consistency"
	"github.com/xela07ax/ledger-bridge/internal/domain"
	"github.com/xela07ax/ledger-bridge/internal/infra"
)

// PolicyHistory: policy.Store (только чтение истории).
type PolicyHistory interface {
	History(ctx context.Context, businessKey, tenantID string) ([]domain.PolicyVersion, error)
}

// Handler: HTTP-поверхность bridge.
type Handler struct {
	pipeline *Pipeline
	policies PolicySource
	history  PolicyHistory
	balances *BalanceWatcher
	records  Recorder
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func NewHandler(p *Pipeline, policies PolicySource, history PolicyHistory, balances *BalanceWatcher, records Recorder, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	return &Handler{
		pipeline: p,
		policies: policies,
		history:  history,
		balances: balances,
		records:  records,
		gatherer: gatherer,
		logger:   logger.Named("bridge-api"),
	}
}

// Routes собирает роутер. Порядок middleware: Trace -> Log -> Recover -> Tenant.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(AccessLog(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(infra.TenantMiddleware(h.logger))
		r.Post("/commands", h.SubmitCommand)
		r.Get("/policies/{key}", h.ResolvePolicy)
		r.Get("/policies/{key}/history", h.GetPolicyHistory)
		r.Get("/balances/{accountID}", h.AwaitBalance)
		r.Get("/correlations/{localRecordID}", h.GetCorrelation)
	})
	return r
}

type submitCommandRequest struct {
	OperationType       domain.OperationType `json:"operation_type"`
	BusinessIdentifiers []string             `json:"business_identifiers"`
	Discriminator       string               `json:"discriminator"`
	Payload             json.RawMessage      `json:"payload"`
}

// SubmitCommand: POST /v1/commands. 201 для нового эффекта, 200 для повтора.
func (h *Handler) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	var body submitCommandRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		infra.WriteError(w, h.logger, domain.Validation("http.submit", "invalid request body: %v", err))
		return
	}

	payload, err := domain.DecodePayload(body.OperationType, body.Payload)
	if err != nil {
		infra.WriteError(w, h.logger, err)
		return
	}

	res, err := h.pipeline.Submit(r.Context(), domain.SubmitRequest{
		TenantID:            infra.TenantFrom(r.Context()),
		OperationType:       body.OperationType,
		BusinessIdentifiers: body.BusinessIdentifiers,
		Discriminator:       body.Discriminator,
		Payload:             payload,
	})
	if err != nil {
		infra.WriteError(w, h.logger, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	infra.WriteJSON(w, status, res)
}

// ResolvePolicy: GET /v1/policies/{key}. Устаревшее значение помечается заголовком.
func (h *Handler) ResolvePolicy(w http.ResponseWriter, r *http.Request) {
	view, err := h.policies.Resolve(r.Context(), chi.URLParam(r, "key"), infra.TenantFrom(r.Context()))
	if err != nil {
		infra.WriteError(w, h.logger, err)
		return
	}
	if view.Stale {
		w.Header().Set("X-Policy-Stale", "true")
	}
	infra.WriteJSON(w, http.StatusOK, view)
}

// GetPolicyHistory: GET /v1/policies/{key}/history
func (h *Handler) GetPolicyHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := h.history.History(r.Context(), chi.URLParam(r, "key"), infra.TenantFrom(r.Context()))
	if err != nil {
		infra.WriteError(w, h.logger, err)
		return
	}
	infra.WriteJSON(w, http.StatusOK, versions)
}

// maxWaitAttempts: потолок max_attempts, который клиент может запросить.
const maxWaitAttempts = 50

// AwaitBalance: GET /v1/balances/{accountID}?min_version=N&max_attempts=M
func (h *Handler) AwaitBalance(w http.ResponseWriter, r *http.Request) {
	var minVersion int64
	if raw := r.URL.Query().Get("min_version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			infra.WriteError(w, h.logger, domain.Validation("http.balance", "min_version must be a non-negative integer"))
			return
		}
		minVersion = v
	}
	var opts []consistency.Option
	if raw := r.URL.Query().Get("max_attempts"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || n == 0 || n > maxWaitAttempts {
			infra.WriteError(w, h.logger, domain.Validation("http.balance", "max_attempts must be between 1 and %d", maxWaitAttempts))
			return
		}
		opts = append(opts, consistency.WithMaxAttempts(uint(n)))
	}

	b, err := h.balances.AwaitBalanceVisible(r.Context(), chi.URLParam(r, "accountID"), minVersion, opts...)
	if err != nil {
		infra.WriteError(w, h.logger, err)
		return
	}
	infra.WriteJSON(w, http.StatusOK, b)
}

// GetCorrelation: GET /v1/correlations/{localRecordID}. Чужой тенант видит 404.
func (h *Handler) GetCorrelation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "localRecordID")
	rec, err := h.records.Lookup(r.Context(), id)
	if err == nil && rec.TenantID != infra.TenantFrom(r.Context()) {
		err = domain.NotFound("http.correlation", "record %s not found", id)
	}
	if err != nil {
		infra.WriteError(w, h.logger, err)
		return
	}
	infra.WriteJSON(w, http.StatusOK, rec)
}

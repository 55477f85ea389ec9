package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/console/handler"
	"github.com/xela07ax/ledger-bridge/internal/infra"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Обработчики бизнес-доменов
	policyHandler *handler.PolicyHandler // /v1/policies
	auditHandler  *handler.AuditHandler  // /v1/audit
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(logger *zap.Logger, policyH *handler.PolicyHandler, auditH *handler.AuditHandler) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		policyHandler: policyH,
		auditHandler:  auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. Все остальное в рамках тенанта ---
	r.Group(func(r chi.Router) {
		r.Use(infra.TenantMiddleware(s.logger))

		// Политики: только добавление версий, без правки и удаления
		r.Route("/v1/policies/{key}", func(r chi.Router) {
			r.Get("/", s.policyHandler.Current)
			r.Post("/", s.policyHandler.Save)
			r.Get("/history", s.policyHandler.History)
			r.Get("/as-of", s.policyHandler.AsOf)
		})

		// Аудит прогонов конвейера
		r.Get("/v1/audit", s.auditHandler.GetTrail)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// TracingMiddleware продолжает входящую W3C-трассу (traceparent) серверным спаном и назначает Trace-ID.
// Приоритет: X-Trace-ID от клиента/прокси, затем ID трассы OTel, затем новый UUID
// (если трассы нет ни во входе, ни в провайдере).
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otel.Tracer("github.com/xela07ax/ledger-bridge/internal/engine").Start(ctx,
			"http "+r.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			if sc := span.SpanContext(); sc.HasTraceID() {
				traceID = sc.TraceID().String()
			} else {
				traceID = uuid.New().String()
			}
		}
		span.SetAttributes(attribute.String("http.target", r.URL.Path), attribute.String("trace_id", traceID))

		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, traceIDKey, traceID)))
	})
}

// AccessLog пишет в zap одну строку на запрос.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("trace_id", traceIDFrom(r.Context())),
			)
		})
	}
}

// traceIDFrom достает ID запроса: из заголовка, иначе из активного спана.
func traceIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return "00000000-0000-0000-0000-000000000000" // Fallback
}

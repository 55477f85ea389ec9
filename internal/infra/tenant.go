package infra

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

type tenantCtxKey struct{}

// TenantMiddleware требует X-Tenant-ID: каждый запрос работает в рамках одного тенанта.
func TenantMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
			if tenant == "" {
				WriteError(w, logger, domain.Validation("http.tenant", "X-Tenant-ID header is required"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
		})
	}
}

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenantID)
}

func TenantFrom(ctx context.Context) string {
	id, _ := ctx.Value(tenantCtxKey{}).(string)
	return id
}

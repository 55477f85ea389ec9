package infra

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

// StatusOf сопоставляет вид ошибки и HTTP-код.
func StatusOf(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindRejected:
		return http.StatusUnprocessableEntity
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default: // network, persistence
		return http.StatusServiceUnavailable
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError отдает клиенту вид ошибки и безопасный текст. Подробности 5xx остаются в логе.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	WriteJSON(w, status, errorBody{Error: string(domain.KindOf(err)), Message: domain.UserMessage(err)})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

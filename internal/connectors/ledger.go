package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

// LedgerAdapter: граница с внешним реестром.
// Submit обязан быть идемпотентным по ключу: повтор возвращает исходный результат,
// нового эффекта не создает. Ошибки: NetworkError (повторяемая) или RejectedError.
type LedgerAdapter interface {
	Submit(ctx context.Context, idempotencyKey string, cmd domain.IdempotentCommand) (domain.LedgerResult, error)
	QueryBalance(ctx context.Context, accountID string) (domain.Balance, error)
}

// Полные имена методов. Сообщения: google.protobuf.Struct, сгенерированный код не нужен.
const (
	ledgerServiceName  = "ledger.v1.LedgerService"
	submitMethod       = "/" + ledgerServiceName + "/Submit"
	queryBalanceMethod = "/" + ledgerServiceName + "/QueryBalance"
)

func encodeCommand(key string, cmd domain.IdempotentCommand) (*structpb.Struct, error) {
	raw, err := json.Marshal(cmd.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	ids := make([]any, len(cmd.BusinessIdentifiers))
	for i, id := range cmd.BusinessIdentifiers {
		ids[i] = id
	}
	return structpb.NewStruct(map[string]any{
		"idempotency_key":      key,
		"tenant_id":            cmd.TenantID,
		"operation_type":       string(cmd.OperationType),
		"business_identifiers": ids,
		"discriminator":        cmd.Discriminator,
		"payload":              payload,
	})
}

func decodeCommand(s *structpb.Struct) (string, domain.IdempotentCommand, error) {
	m := s.AsMap()
	key, _ := m["idempotency_key"].(string)
	if key == "" {
		return "", domain.IdempotentCommand{}, domain.Validation("ledger.decode", "idempotency_key is required")
	}

	op := domain.OperationType(str(m["operation_type"]))
	raw, err := json.Marshal(m["payload"])
	if err != nil {
		return "", domain.IdempotentCommand{}, domain.Validation("ledger.decode", "payload: %v", err)
	}
	payload, err := domain.DecodePayload(op, raw)
	if err != nil {
		return "", domain.IdempotentCommand{}, err
	}

	var ids []string
	if list, ok := m["business_identifiers"].([]any); ok {
		for _, v := range list {
			ids = append(ids, str(v))
		}
	}
	return key, domain.IdempotentCommand{
		IdempotencyKey:      key,
		TenantID:            str(m["tenant_id"]),
		OperationType:       op,
		BusinessIdentifiers: ids,
		Discriminator:       str(m["discriminator"]),
		Payload:             payload,
	}, nil
}

// Позиции журнала передаются строкой: в Struct число: double, int64 в нем теряется.
func encodeResult(r domain.LedgerResult) (*structpb.Struct, error) {
	ids := make([]any, len(r.TransferIDs))
	for i, id := range r.TransferIDs {
		ids[i] = id
	}
	return structpb.NewStruct(map[string]any{
		"transfer_ids":       ids,
		"event_log_position": strconv.FormatInt(r.EventLogPosition, 10),
		"account_id":         r.AccountID,
	})
}

func decodeResult(s *structpb.Struct) (domain.LedgerResult, error) {
	m := s.AsMap()
	pos, err := int64Field(m, "event_log_position")
	if err != nil {
		return domain.LedgerResult{}, err
	}
	var ids []string
	if list, ok := m["transfer_ids"].([]any); ok {
		for _, v := range list {
			ids = append(ids, str(v))
		}
	}
	if len(ids) == 0 {
		return domain.LedgerResult{}, fmt.Errorf("ledger response without transfer_ids")
	}
	return domain.LedgerResult{TransferIDs: ids, EventLogPosition: pos, AccountID: str(m["account_id"])}, nil
}

func encodeBalance(b domain.Balance) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"account_id": b.AccountID,
		"amount":     b.Amount.String(),
		"version":    strconv.FormatInt(b.Version, 10),
	})
}

func decodeBalance(s *structpb.Struct) (domain.Balance, error) {
	m := s.AsMap()
	amount, err := decimal.NewFromString(str(m["amount"]))
	if err != nil {
		return domain.Balance{}, fmt.Errorf("balance amount: %w", err)
	}
	version, err := int64Field(m, "version")
	if err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{AccountID: str(m["account_id"]), Amount: amount, Version: version}, nil
}

func int64Field(m map[string]any, name string) (int64, error) {
	switch v := m[name].(type) {
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return n, nil
	case float64:
		return int64(v), nil
	}
	return 0, fmt.Errorf("%s is missing", name)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

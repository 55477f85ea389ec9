package connectors

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

// GRPCLedger: клиент реестра поверх unary-вызовов со Struct-сообщениями.
type GRPCLedger struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewGRPCLedger создает экземпляр адаптера. timeout: защитный предел одного вызова.
func NewGRPCLedger(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCLedger {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCLedger{conn: conn, timeout: timeout}
}

func (a *GRPCLedger) Submit(ctx context.Context, idempotencyKey string, cmd domain.IdempotentCommand) (domain.LedgerResult, error) {
	const op = "ledger.submit"

	req, err := encodeCommand(idempotencyKey, cmd)
	if err != nil {
		return domain.LedgerResult{}, domain.Validation(op, "%v", err)
	}

	// Даже если ReliabilityWrapper имеет свой таймаут, адаптер должен иметь свой предел
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// Ключ дублируется в метаданных: реестр может дедуплицировать до разбора тела
	ctx = metadata.AppendToOutgoingContext(ctx, "idempotency-key", idempotencyKey, "x-tenant-id", cmd.TenantID)

	resp := &structpb.Struct{}
	var trailer metadata.MD
	if err := a.conn.Invoke(ctx, submitMethod, req, resp, grpc.Trailer(&trailer)); err != nil {
		return domain.LedgerResult{}, fromStatus(op, err, trailer)
	}

	res, err := decodeResult(resp)
	if err != nil {
		// Реестр ответил, но ответ не разобрать: эффект, скорее всего, есть
		return domain.LedgerResult{}, domain.NetworkUnknown(op, err)
	}
	return res, nil
}

func (a *GRPCLedger) QueryBalance(ctx context.Context, accountID string) (domain.Balance, error) {
	const op = "ledger.query_balance"

	req, err := structpb.NewStruct(map[string]any{"account_id": accountID})
	if err != nil {
		return domain.Balance{}, domain.Validation(op, "%v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	var trailer metadata.MD
	if err := a.conn.Invoke(ctx, queryBalanceMethod, req, resp, grpc.Trailer(&trailer)); err != nil {
		return domain.Balance{}, fromStatus(op, err, trailer)
	}
	b, err := decodeBalance(resp)
	if err != nil {
		return domain.Balance{}, domain.Wrap(domain.KindNetwork, op, err)
	}
	return b, nil
}

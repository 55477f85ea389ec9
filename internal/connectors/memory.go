package connectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xela07ax/ledger-bridge/internal/domain"
	"github.com/xela07ax/ledger-bridge/internal/idempotency"
)

// MemoryLedger: реестр в памяти для локального запуска и тестов.
// Идемпотентен по ключу, позиция журнала монотонна, проекция балансов
// догоняет запись через visibilityLag чтений.
type MemoryLedger struct {
	mu sync.Mutex

	results  map[string]memResult
	accounts map[string]*memAccount
	frozen   map[string]bool
	faults   []fault
	position int64
	transfer int64
	latency  time.Duration
	lag      int

	calls   int
	effects int
}

type memResult struct {
	res         domain.LedgerResult
	fingerprint string
}

type memAccount struct {
	committed domain.Balance
	visible   domain.Balance
	// сколько чтений еще отдавать старое значение
	readsBehind int
}

type fault struct {
	err         error
	afterCommit bool
}

func NewMemoryLedger(visibilityLag int) *MemoryLedger {
	return &MemoryLedger{
		results:  make(map[string]memResult),
		accounts: make(map[string]*memAccount),
		frozen:   make(map[string]bool),
		lag:      visibilityLag,
	}
}

// WithLatency добавляет задержку на каждый вызов (имитация сети).
func (l *MemoryLedger) WithLatency(d time.Duration) *MemoryLedger {
	l.latency = d
	return l
}

// FailNext: следующие n вызовов Submit вернут err, не создав эффекта.
func (l *MemoryLedger) FailNext(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.faults = append(l.faults, fault{err: err})
	}
}

// FailAfterCommit: следующий Submit применит эффект, но вернет err:
// ответ "потерялся" по дороге.
func (l *MemoryLedger) FailAfterCommit(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, fault{err: err, afterCommit: true})
}

// Freeze: операции по счету будут отклоняться (RejectedError).
func (l *MemoryLedger) Freeze(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen[accountID] = true
}

// Calls считает вызовы Submit, Effects считает реально созданные эффекты.
func (l *MemoryLedger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *MemoryLedger) Effects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.effects
}

func (l *MemoryLedger) Submit(ctx context.Context, idempotencyKey string, cmd domain.IdempotentCommand) (domain.LedgerResult, error) {
	const op = "memory_ledger.submit"
	if err := l.wait(ctx); err != nil {
		return domain.LedgerResult{}, domain.NetworkUnknown(op, err)
	}
	if idempotencyKey == "" {
		return domain.LedgerResult{}, domain.Rejected(op, "idempotency key is required")
	}
	fp, err := idempotency.Fingerprint(cmd.Payload)
	if err != nil {
		return domain.LedgerResult{}, domain.Rejected(op, "unreadable payload: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++

	var pending *fault
	if len(l.faults) > 0 {
		f := l.faults[0]
		l.faults = l.faults[1:]
		if !f.afterCommit {
			return domain.LedgerResult{}, f.err
		}
		pending = &f
	}

	if prev, ok := l.results[idempotencyKey]; ok {
		if prev.fingerprint != fp {
			return domain.LedgerResult{}, domain.Rejected(op, "idempotency key %s reused with a different command", idempotencyKey)
		}
		if pending != nil {
			return domain.LedgerResult{}, pending.err
		}
		return cloneResult(prev.res), nil
	}

	legs := postings(cmd.Payload)
	if len(legs) == 0 {
		return domain.LedgerResult{}, domain.Rejected(op, "unsupported operation %s", cmd.OperationType)
	}
	for _, lg := range legs {
		if l.frozen[lg.account] {
			return domain.LedgerResult{}, domain.Rejected(op, "account %s is frozen", lg.account)
		}
	}

	l.position++
	res := domain.LedgerResult{EventLogPosition: l.position, AccountID: legs[0].account}
	for _, lg := range legs {
		l.transfer++
		res.TransferIDs = append(res.TransferIDs, fmt.Sprintf("tr-%06d", l.transfer))
		l.apply(lg, l.position)
	}
	l.results[idempotencyKey] = memResult{res: res, fingerprint: fp}
	l.effects++

	if pending != nil {
		return domain.LedgerResult{}, pending.err
	}
	return cloneResult(res), nil
}

func (l *MemoryLedger) QueryBalance(ctx context.Context, accountID string) (domain.Balance, error) {
	const op = "memory_ledger.query_balance"
	if err := l.wait(ctx); err != nil {
		return domain.Balance{}, domain.Wrap(domain.KindNetwork, op, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[accountID]
	if !ok {
		return domain.Balance{}, domain.NotFound(op, "account %s not found", accountID)
	}
	if acc.readsBehind > 0 {
		acc.readsBehind--
		return acc.visible, nil
	}
	acc.visible = acc.committed
	return acc.visible, nil
}

func (l *MemoryLedger) apply(lg posting, position int64) {
	acc, ok := l.accounts[lg.account]
	if !ok {
		acc = &memAccount{
			committed: domain.Balance{AccountID: lg.account},
			visible:   domain.Balance{AccountID: lg.account},
		}
		l.accounts[lg.account] = acc
	}
	acc.committed.Amount = acc.committed.Amount.Add(lg.delta)
	acc.committed.Version = position
	acc.readsBehind = l.lag
}

func (l *MemoryLedger) wait(ctx context.Context) error {
	if l.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(l.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type posting struct {
	account string
	delta   decimal.Decimal
}

// postings раскладывает команду на проводки. Первая проводка: основной счет операции.
func postings(p domain.Payload) []posting {
	switch v := p.(type) {
	case domain.Payment:
		return []posting{{v.PayerAccount, v.Value.Neg()}, {v.PayeeAccount, v.Value}}
	case domain.Invoice:
		return []posting{{v.CustomerAccount, v.Value}, {v.RevenueAccount, v.Value.Neg()}}
	case domain.PayrollPosting:
		return []posting{{v.EmployeeAccount, v.Gross}, {v.PayrollAccount, v.Gross.Neg()}}
	case domain.InventoryTransfer:
		return []posting{{v.FromLocation + "/" + v.SKU, v.Quantity.Neg()}, {v.ToLocation + "/" + v.SKU, v.Quantity}}
	}
	return nil
}

func cloneResult(r domain.LedgerResult) domain.LedgerResult {
	r.TransferIDs = append([]string(nil), r.TransferIDs...)
	return r
}

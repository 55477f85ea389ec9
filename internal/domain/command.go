package domain

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

type OperationType string

const (
	OpPayment           OperationType = "payment"
	OpInvoice           OperationType = "invoice"
	OpPayrollPosting    OperationType = "payroll_posting"
	OpInventoryTransfer OperationType = "inventory_transfer"
)

// PolicyKey: бизнес-ключ правила, которое регулирует операцию: "ledger.payment" и т.д.
func (o OperationType) PolicyKey() string {
	return "ledger." + string(o)
}

func (o OperationType) Valid() bool {
	switch o {
	case OpPayment, OpInvoice, OpPayrollPosting, OpInventoryTransfer:
		return true
	}
	return false
}

var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

// Payload: закрытый набор вариантов команды, по одному на OperationType.
// Нетипизированная map на границе не принимается.
type Payload interface {
	OperationType() OperationType
	Validate() error
	// Amount: величина, по которой работают лимиты политики.
	Amount() decimal.Decimal
	// Currency пустая для операций без денежной оценки.
	Currency() string
}

type Payment struct {
	PayerAccount string          `json:"payer_account"`
	PayeeAccount string          `json:"payee_account"`
	Value        decimal.Decimal `json:"amount"`
	Curr         string          `json:"currency"`
	PaymentDate  string          `json:"payment_date"` // YYYY-MM-DD
	Reference    string          `json:"reference,omitempty"`
}

func (p Payment) OperationType() OperationType { return OpPayment }
func (p Payment) Amount() decimal.Decimal      { return p.Value }
func (p Payment) Currency() string             { return p.Curr }

func (p Payment) Validate() error {
	if p.PayerAccount == "" || p.PayeeAccount == "" {
		return Validation("command.payment", "payer_account and payee_account are required")
	}
	if p.PayerAccount == p.PayeeAccount {
		return Validation("command.payment", "payer and payee must differ")
	}
	if err := positiveMoney("command.payment", p.Value, p.Curr); err != nil {
		return err
	}
	if p.PaymentDate == "" {
		return Validation("command.payment", "payment_date is required")
	}
	return nil
}

type Invoice struct {
	CustomerAccount string          `json:"customer_account"`
	RevenueAccount  string          `json:"revenue_account"`
	Value           decimal.Decimal `json:"amount"`
	Curr            string          `json:"currency"`
	DueDate         string          `json:"due_date"`
}

func (i Invoice) OperationType() OperationType { return OpInvoice }
func (i Invoice) Amount() decimal.Decimal      { return i.Value }
func (i Invoice) Currency() string             { return i.Curr }

func (i Invoice) Validate() error {
	if i.CustomerAccount == "" || i.RevenueAccount == "" {
		return Validation("command.invoice", "customer_account and revenue_account are required")
	}
	if err := positiveMoney("command.invoice", i.Value, i.Curr); err != nil {
		return err
	}
	if i.DueDate == "" {
		return Validation("command.invoice", "due_date is required")
	}
	return nil
}

type PayrollPosting struct {
	EmployeeAccount string          `json:"employee_account"`
	PayrollAccount  string          `json:"payroll_account"`
	Gross           decimal.Decimal `json:"gross_amount"`
	Curr            string          `json:"currency"`
	Period          string          `json:"period"` // YYYY-MM
}

func (p PayrollPosting) OperationType() OperationType { return OpPayrollPosting }
func (p PayrollPosting) Amount() decimal.Decimal      { return p.Gross }
func (p PayrollPosting) Currency() string             { return p.Curr }

func (p PayrollPosting) Validate() error {
	if p.EmployeeAccount == "" || p.PayrollAccount == "" {
		return Validation("command.payroll_posting", "employee_account and payroll_account are required")
	}
	if err := positiveMoney("command.payroll_posting", p.Gross, p.Curr); err != nil {
		return err
	}
	if p.Period == "" {
		return Validation("command.payroll_posting", "period is required")
	}
	return nil
}

type InventoryTransfer struct {
	FromLocation string          `json:"from_location"`
	ToLocation   string          `json:"to_location"`
	SKU          string          `json:"sku"`
	Quantity     decimal.Decimal `json:"quantity"`
}

func (t InventoryTransfer) OperationType() OperationType { return OpInventoryTransfer }
func (t InventoryTransfer) Amount() decimal.Decimal      { return t.Quantity }
func (t InventoryTransfer) Currency() string             { return "" }

func (t InventoryTransfer) Validate() error {
	if t.FromLocation == "" || t.ToLocation == "" || t.SKU == "" {
		return Validation("command.inventory_transfer", "from_location, to_location and sku are required")
	}
	if t.FromLocation == t.ToLocation {
		return Validation("command.inventory_transfer", "locations must differ")
	}
	if !t.Quantity.IsPositive() {
		return Validation("command.inventory_transfer", "quantity must be positive")
	}
	return nil
}

func positiveMoney(op string, amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return Validation(op, "amount must be positive")
	}
	if !currencyRe.MatchString(currency) {
		return Validation(op, "currency must be an ISO-4217 code, got %q", currency)
	}
	return nil
}

// DecodePayload: валидация схемы на границе конвейера. Неизвестные поля запрещены.
func DecodePayload(op OperationType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch op {
	case OpPayment:
		p = &Payment{}
	case OpInvoice:
		p = &Invoice{}
	case OpPayrollPosting:
		p = &PayrollPosting{}
	case OpInventoryTransfer:
		p = &InventoryTransfer{}
	default:
		return nil, Validation("command.decode", "unknown operation_type %q", op)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, Validation("command.decode", "malformed %s payload: %v", op, err)
	}

	// Разыменовываем, чтобы дальше ходили значения, а не указатели.
	switch v := p.(type) {
	case *Payment:
		p = *v
	case *Invoice:
		p = *v
	case *PayrollPosting:
		p = *v
	case *InventoryTransfer:
		p = *v
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// IdempotentCommand: команда, готовая к отправке в реестр.
type IdempotentCommand struct {
	IdempotencyKey      string        `json:"idempotency_key"`
	TenantID            string        `json:"tenant_id"`
	OperationType       OperationType `json:"operation_type"`
	BusinessIdentifiers []string      `json:"business_identifiers"`
	Discriminator       string        `json:"discriminator"`
	Payload             Payload       `json:"payload"`
}

// SubmitRequest: входной контракт submitCommand.
type SubmitRequest struct {
	TenantID            string
	OperationType       OperationType
	BusinessIdentifiers []string
	Discriminator       string
	Payload             Payload
}

func (r SubmitRequest) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return Validation("command.submit", "tenant_id is required")
	}
	if !r.OperationType.Valid() {
		return Validation("command.submit", "unknown operation_type %q", r.OperationType)
	}
	if len(r.BusinessIdentifiers) == 0 {
		return Validation("command.submit", "at least one business identifier is required")
	}
	for _, id := range r.BusinessIdentifiers {
		if strings.TrimSpace(id) == "" {
			return Validation("command.submit", "business identifiers must be non-empty")
		}
	}
	if strings.TrimSpace(r.Discriminator) == "" {
		return Validation("command.submit", "discriminator is required")
	}
	if r.Payload == nil {
		return Validation("command.submit", "payload is required")
	}
	if r.Payload.OperationType() != r.OperationType {
		return Validation("command.submit", "payload is %s, operation_type is %s", r.Payload.OperationType(), r.OperationType)
	}
	return r.Payload.Validate()
}

// SubmitResult: ответ submitCommand.
type SubmitResult struct {
	LocalRecordID    string   `json:"local_record_id"`
	IdempotencyKey   string   `json:"idempotency_key"`
	TransferIDs      []string `json:"transfer_ids"`
	EventLogPosition int64    `json:"event_log_position"`
	AccountID        string   `json:"account_id,omitempty"`
	Replayed         bool     `json:"replayed"`
}

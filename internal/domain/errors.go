package domain

/*
Файл errors.go — единая таксономия ошибок конвейера.

Каждый компонент возвращает типизированную ошибку (*Error) с Kind.
Конвейер решает по Kind: ретраить (только KindNetwork) или переводить
операцию в терминальное состояние Failed с сохранением исходной ошибки для аудита.
*/

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindNetwork     Kind = "network"
	KindRejected    Kind = "rejected"
	KindPersistence Kind = "persistence"
	KindTimeout     Kind = "timeout"
)

// Sentinel-значения для errors.Is: сравнение идет только по Kind.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrNetwork     = &Error{Kind: KindNetwork}
	ErrRejected    = &Error{Kind: KindRejected}
	ErrPersistence = &Error{Kind: KindPersistence}
	ErrTimeout     = &Error{Kind: KindTimeout}
)

type Error struct {
	Kind Kind
	Op   string // где произошло: "policy.save", "ledger.submit" ...
	Msg  string
	Err  error

	// Unknown выставляется для KindNetwork, когда запрос мог дойти до реестра
	// (таймаут после отправки). Исход неизвестен, а не провален.
	Unknown bool
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is позволяет писать errors.Is(err, domain.ErrConflict).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

func newErr(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) error {
	return newErr(KindValidation, op, format, args...)
}

func NotFound(op, format string, args ...any) error {
	return newErr(KindNotFound, op, format, args...)
}

func Conflict(op, format string, args ...any) error {
	return newErr(KindConflict, op, format, args...)
}

func Rejected(op, format string, args ...any) error {
	return newErr(KindRejected, op, format, args...)
}

func Timeout(op, format string, args ...any) error {
	return newErr(KindTimeout, op, format, args...)
}

// Wrap оборачивает низкоуровневую ошибку (драйвер БД, gRPC) в типизированную.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// NetworkUnknown: сетевой сбой, при котором эффект во внешнем реестре мог состояться.
func NetworkUnknown(op string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Err: err, Unknown: true}
}

// KindOf возвращает Kind ближайшей *Error в цепочке. Нетипизированные ошибки
// считаются сетевыми: потеря связи со стором не должна превращаться в отказ.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNetwork
}

// IsRetryable: конвейер повторяет только сетевые ошибки.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindNetwork
}

// IsOutcomeUnknown сообщает, что внешний эффект мог произойти.
func IsOutcomeUnknown(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Unknown
}

// UserMessage: текст для внешнего клиента. Детали сетевых сбоев и сбоев
// хранилища наружу не отдаем, только просьбу повторить.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindValidation, KindRejected, KindNotFound, KindConflict:
		return err.Error()
	case KindTimeout:
		return "operation accepted but not yet visible, retry the read later"
	case KindPersistence:
		return "operation submitted but not confirmed, please retry"
	default:
		return "temporary failure, please retry"
	}
}

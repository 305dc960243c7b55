// Package fault — классификация ошибок ядра. Вид ошибки определяет, что с
// ней делает вызывающий: NotFound/Conflict/PolicyViolation уходят клиенту,
// StaleInput логируется и пропускается, Transient ограниченно ретраится.
package fault

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	Unknown Kind = iota
	NotFound
	Conflict
	PolicyViolation
	StaleInput
	Transient
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case PolicyViolation:
		return "policy_violation"
	case StaleInput:
		return "stale_input"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error — ошибка с видом и опциональным приложением (конфликтующая сущность,
// нарушенный лимит и т.п.), которое хендлер отдаёт в problem.extra.
type Error struct {
	kind    Kind
	msg     string
	Attach  any
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return e.msg + ": " + e.wrapped.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.wrapped }

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{kind: kind, msg: msg, wrapped: err}
}

// With — прикладывает контекст к ошибке (chainable).
func (e *Error) With(attach any) *Error {
	e.Attach = attach
	return e
}

// KindOf — вид ошибки в любой точке цепочки; Unknown для чужих ошибок.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return Unknown
}

// AttachOf — приложенный контекст, если есть.
func AttachOf(err error) any {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Attach
	}
	return nil
}

// IsKind — удобная проверка в духе errors.Is.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// Retry — ограниченный ретрай с линейным бэкоффом. Повторяются только
// Transient-ошибки; остальные возвращаются сразу.
func Retry(attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsKind(err, Transient) {
			return err
		}
		if i < attempts-1 {
			time.Sleep(backoff * time.Duration(i+1))
		}
	}
	return err
}

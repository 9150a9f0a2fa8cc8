// Package autherr defines the error kinds shared by the session core. Every
// component maps its failures onto one of these kinds so the state machine
// and the presentation layer never need to know provider- or
// transport-specific codes.
package autherr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnknown             Kind = "UNKNOWN"
	KindStorage             Kind = "STORAGE_ERROR"
	KindUserCancelled       Kind = "USER_CANCELLED"
	KindAlreadyInProgress   Kind = "ALREADY_IN_PROGRESS"
	KindProviderUnavailable Kind = "PROVIDER_UNAVAILABLE"
	KindExchangeFailed      Kind = "EXCHANGE_FAILED"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindTimeout             Kind = "TIMEOUT"
	KindNetwork             Kind = "NETWORK_ERROR"
	KindValidation          Kind = "VALIDATION_ERROR"
)

// Retryable reports whether a failure of this kind leaves the session intact
// so the same action can simply be tried again.
func (k Kind) Retryable() bool {
	switch k {
	case KindUnauthorized, KindValidation, KindUserCancelled:
		return false
	}
	return true
}

// Error carries a Kind plus the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches bare sentinels (only Kind set) by kind, so
// errors.Is(err, autherr.ErrTimeout) works for any wrapped timeout.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" || t.Message != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrStorage             = &Error{Kind: KindStorage}
	ErrUserCancelled       = &Error{Kind: KindUserCancelled}
	ErrAlreadyInProgress   = &Error{Kind: KindAlreadyInProgress}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrExchangeFailed      = &Error{Kind: KindExchangeFailed}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrNetwork             = &Error{Kind: KindNetwork}
	ErrValidation          = &Error{Kind: KindValidation}
	ErrUnknown             = &Error{Kind: KindUnknown}
)

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Wrapf(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Context
// deadline errors outside the chain count as timeouts; anything else is
// unknown. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

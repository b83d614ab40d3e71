// errs/errs.go
// Package errs carries the error taxonomy used across the payment engine.
// Every failure crossing a service boundary is tagged with a Kind so
// handlers can map it to an HTTP status and callers can decide whether to
// retry, surface, or treat it as an idempotent no-op.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	// KindValidation: bad input, never retried.
	KindValidation
	// KindGatewayTransient: network failure or gateway 5xx, retryable.
	KindGatewayTransient
	// KindGatewayRejected: definitive decline from the gateway, terminal.
	KindGatewayRejected
	// KindIntegrity: local and gateway records disagree on reference,
	// amount, or currency. Fatal to the attempt, logged for fraud review.
	KindIntegrity
	// KindIdempotentNoop: duplicate webhook/verify; the prior result stands.
	KindIdempotentNoop
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindGatewayTransient:
		return "gateway_transient"
	case KindGatewayRejected:
		return "gateway_rejected"
	case KindIntegrity:
		return "integrity"
	case KindIdempotentNoop:
		return "idempotent_noop"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	}
	return "internal"
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes two taxonomy errors match on Kind, so callers can write
// errors.Is(err, errs.E(errs.KindValidation, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// E builds a taxonomy error from a kind, a message, and optional cause.
func E(kind Kind, msg string, cause ...error) *Error {
	e := &Error{Kind: kind, Msg: msg}
	if len(cause) > 0 {
		e.Err = cause[0]
	}
	return e
}

// Ef builds a taxonomy error with a formatted message.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the failure is worth retrying.
func Retryable(err error) bool {
	return IsKind(err, KindGatewayTransient)
}

// HTTPStatus maps a taxonomy error to the response code used at the
// handler boundary. Idempotent no-ops are successes by definition.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindGatewayTransient:
		return http.StatusBadGateway
	case KindGatewayRejected:
		return http.StatusPaymentRequired
	case KindIntegrity:
		return http.StatusConflict
	case KindIdempotentNoop:
		return http.StatusOK
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

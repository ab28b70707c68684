// Package apperr defines the closed error taxonomy shared by the upload
// and payment services (spec §7). Every function that can fail in a way
// a caller needs to branch on returns one of these kinds, wrapped with
// fmt.Errorf("%w", ...) the way the teacher gateway wraps facilitator
// errors — never a bare string and never a panic for a recoverable case.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of error tags callers may branch on.
type Kind string

const (
	BadRequest         Kind = "BadRequest"
	Duplicate          Kind = "Duplicate"
	InProgress         Kind = "InProgress"
	TooLarge           Kind = "TooLarge"
	InsufficientCredit Kind = "InsufficientCredit"
	PaymentRequired    Kind = "PaymentRequired"
	NonceReplayed      Kind = "NonceReplayed"
	SettlementFailed   Kind = "SettlementFailed"
	SignatureInvalid   Kind = "SignatureInvalid"
	UserBanned         Kind = "UserBanned"
	RateLimited        Kind = "RateLimited"
	Unavailable        Kind = "Unavailable"
	ContentMismatch    Kind = "ContentMismatch"
	FraudPenalty       Kind = "FraudPenalty"
	Timeout            Kind = "Timeout"
	Internal           Kind = "Internal"
)

// Error is a Kind carrying a message and, optionally, a wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an *Error around an existing error.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// HTTPStatus maps a Kind to the status code spec §6 binds it to.
func HTTPStatus(kind Kind) int {
	switch kind {
	case BadRequest, ContentMismatch:
		return http.StatusBadRequest
	case Duplicate, InProgress:
		return http.StatusConflict
	case TooLarge:
		return http.StatusRequestEntityTooLarge
	case InsufficientCredit, PaymentRequired, NonceReplayed, SignatureInvalid:
		return http.StatusPaymentRequired
	case UserBanned:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case Unavailable, SettlementFailed:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a worker should requeue the job with backoff
// (transient, per spec §7 propagation policy) rather than dead-lettering
// it into a failed_* row.
func Retryable(kind Kind) bool {
	switch kind {
	case Unavailable, Timeout, SettlementFailed:
		return true
	default:
		return false
	}
}

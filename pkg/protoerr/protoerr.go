// Package protoerr defines the typed failure taxonomy shared by every protocol
// component. Each failure carries a kind (matchable with errors.Is), a
// namespaced code and a retry classification so callers can tell transient
// conditions apart from permanent ones.
package protoerr

import (
	"errors"
	"fmt"
	"strings"
)

// Classification defines the retry behavior for errors.
type Classification string

const (
	// ClassRetryable indicates a transient failure that may succeed on retry.
	ClassRetryable Classification = "RETRYABLE"
	// ClassNonRetryable indicates a permanent failure.
	ClassNonRetryable Classification = "NON_RETRYABLE"
)

// Kind identifies one failure class of the taxonomy.
type Kind string

const (
	KindValidation            Kind = "VALIDATION"
	KindNotFound              Kind = "NOT_FOUND"
	KindAlreadyExists         Kind = "ALREADY_EXISTS"
	KindUnauthorized          Kind = "UNAUTHORIZED"
	KindEmergencyModeActive   Kind = "EMERGENCY_MODE_ACTIVE"
	KindEmergencyModeInactive Kind = "EMERGENCY_MODE_INACTIVE"
	KindArithmetic            Kind = "ARITHMETIC"
	KindCapacityExceeded      Kind = "CAPACITY_EXCEEDED"
	KindPoolInactive          Kind = "POOL_INACTIVE"
	KindReentrancy            Kind = "REENTRANCY"
	KindRateLimitExceeded     Kind = "RATE_LIMIT_EXCEEDED"
	KindNotMature             Kind = "NOT_MATURE"
	KindAlreadySettled        Kind = "ALREADY_SETTLED"
	KindAlreadyInactive       Kind = "ALREADY_INACTIVE"
	KindInsufficientBalance   Kind = "INSUFFICIENT_BALANCE"
	KindTransferFailed        Kind = "TRANSFER_FAILED"
	KindReconciliation        Kind = "RECONCILIATION"
)

// Sentinels for errors.Is matching. Every *Error of the same kind matches its
// sentinel.
var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrAlreadyExists         = &Error{Kind: KindAlreadyExists}
	ErrUnauthorized          = &Error{Kind: KindUnauthorized}
	ErrEmergencyModeActive   = &Error{Kind: KindEmergencyModeActive}
	ErrEmergencyModeInactive = &Error{Kind: KindEmergencyModeInactive}
	ErrArithmetic            = &Error{Kind: KindArithmetic}
	ErrCapacityExceeded      = &Error{Kind: KindCapacityExceeded}
	ErrPoolInactive          = &Error{Kind: KindPoolInactive}
	ErrReentrancy            = &Error{Kind: KindReentrancy}
	ErrRateLimitExceeded     = &Error{Kind: KindRateLimitExceeded}
	ErrNotMature             = &Error{Kind: KindNotMature}
	ErrAlreadySettled        = &Error{Kind: KindAlreadySettled}
	ErrAlreadyInactive       = &Error{Kind: KindAlreadyInactive}
	ErrInsufficientBalance   = &Error{Kind: KindInsufficientBalance}
	ErrTransferFailed        = &Error{Kind: KindTransferFailed}
	ErrReconciliation        = &Error{Kind: KindReconciliation}
)

// Error is a typed protocol failure.
type Error struct {
	Kind      Kind
	Namespace string // e.g. "CORE", "POOL", "ATTESTATION"
	Field     string // set for validation failures
	Detail    string
	Cause     error
}

// New builds an error of the given kind.
func New(kind Kind, namespace, detail string) *Error {
	return &Error{Kind: kind, Namespace: namespace, Detail: detail}
}

// Newf builds an error of the given kind with a formatted detail.
func Newf(kind Kind, namespace, format string, args ...any) *Error {
	return New(kind, namespace, fmt.Sprintf(format, args...))
}

// Validation builds a ValidationError for a specific field.
func Validation(namespace, field, detail string) *Error {
	return &Error{Kind: KindValidation, Namespace: namespace, Field: field, Detail: detail}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, namespace string, cause error, detail string) *Error {
	return &Error{Kind: kind, Namespace: namespace, Detail: detail, Cause: cause}
}

// Code returns the namespaced error code, e.g. COMMIT/CORE/NOT_FOUND.
func (e *Error) Code() string {
	ns := e.Namespace
	if ns == "" {
		ns = "PROTOCOL"
	}
	return "COMMIT/" + strings.ToUpper(ns) + "/" + string(e.Kind)
}

// Classification reports whether retrying the call may succeed.
func (e *Error) Classification() Classification {
	return classify(e.Kind)
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.ReplaceAll(string(e.Kind), "_", " ")))
	if e.Field != "" {
		b.WriteString(" [")
		b.WriteString(e.Field)
		b.WriteString("]")
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf extracts the kind from err, or "" if err carries no protocol error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// FieldOf returns the offending field of a validation failure.
func FieldOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Field
	}
	return ""
}

// IsRetryable reports whether err is classified as transient.
func IsRetryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Classification() == ClassRetryable
}

func classify(kind Kind) Classification {
	switch kind {
	case KindRateLimitExceeded, KindReentrancy, KindNotMature, KindTransferFailed:
		return ClassRetryable
	default:
		return ClassNonRetryable
	}
}

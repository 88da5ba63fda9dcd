// Package dmserrors provides the error taxonomy shared by the coordinator,
// transport, registry, and mount executor. It is a leaf package with no
// internal dependencies so it can be imported everywhere without causing
// import cycles.
package dmserrors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the kind of error that occurred.
type ErrorCode int

const (
	// ErrValidation indicates a malformed request: a missing required
	// field, a wrong job-id type, or a target type/payload mismatch.
	ErrValidation ErrorCode = iota + 1

	// ErrTransport indicates the broker was unreachable, no reply arrived
	// within the deadline, or the reply was malformed.
	ErrTransport

	// ErrLockTimeout indicates the host lock could not be acquired within
	// the configured budget.
	ErrLockTimeout

	// ErrSecret indicates the secret store denied the request or returned
	// malformed credentials.
	ErrSecret

	// ErrMount indicates the mount helper or FUSE spawn failed.
	ErrMount

	// ErrProcessTracking indicates PID file I/O failed, or memory and the
	// kernel disagree in a way that cannot be reconciled.
	ErrProcessTracking

	// ErrLedger indicates the database was unavailable or a constraint
	// was violated.
	ErrLedger
)

// String returns a human-readable name for the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrValidation:
		return "ValidationError"
	case ErrTransport:
		return "TransportError"
	case ErrLockTimeout:
		return "LockTimeoutError"
	case ErrSecret:
		return "SecretError"
	case ErrMount:
		return "MountError"
	case ErrProcessTracking:
		return "ProcessTrackingError"
	case ErrLedger:
		return "LedgerError"
	default:
		return fmt.Sprintf("Unknown(%d)", int(e))
	}
}

// DMSError is the concrete error type returned by every component. Code is
// used for branching (errors.Is against the sentinel below), Message is the
// short human string surfaced in MountResponse.error_msg, and Detail carries
// the underlying cause for logs and ledger blobs without leaking into the
// user-visible message.
type DMSError struct {
	Code    ErrorCode
	Message string
	Detail  error
}

func (e *DMSError) Error() string {
	if e.Detail != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DMSError) Unwrap() error {
	return e.Detail
}

// Is reports whether target is a sentinel for the same error code, so
// callers can write errors.Is(err, dmserrors.ErrLockTimeoutSentinel).
func (e *DMSError) Is(target error) bool {
	sentinel, ok := target.(*sentinelError)
	if !ok {
		return false
	}
	return e.Code == sentinel.code
}

// sentinelError lets errors.Is match on code alone, independent of Message
// or Detail.
type sentinelError struct {
	code ErrorCode
}

func (s *sentinelError) Error() string { return s.code.String() }

// Sentinels for errors.Is comparisons. These carry no message or detail;
// use New*Error below to build the real error to return.
var (
	ErrValidationSentinel     = &sentinelError{code: ErrValidation}
	ErrTransportSentinel      = &sentinelError{code: ErrTransport}
	ErrLockTimeoutSentinel    = &sentinelError{code: ErrLockTimeout}
	ErrSecretSentinel         = &sentinelError{code: ErrSecret}
	ErrMountSentinel          = &sentinelError{code: ErrMount}
	ErrProcessTrackingSentinel = &sentinelError{code: ErrProcessTracking}
	ErrLedgerSentinel         = &sentinelError{code: ErrLedger}
)

// NewValidationError creates a ValidationError.
func NewValidationError(message string) *DMSError {
	return &DMSError{Code: ErrValidation, Message: message}
}

// NewTransportError creates a TransportError wrapping the underlying cause.
func NewTransportError(message string, cause error) *DMSError {
	return &DMSError{Code: ErrTransport, Message: message, Detail: cause}
}

// NewLockTimeoutError creates a LockTimeoutError for the given lock key.
func NewLockTimeoutError(key string) *DMSError {
	return &DMSError{Code: ErrLockTimeout, Message: fmt.Sprintf("timed out acquiring lock %q", key)}
}

// NewSecretError creates a SecretError wrapping the underlying cause.
func NewSecretError(message string, cause error) *DMSError {
	return &DMSError{Code: ErrSecret, Message: message, Detail: cause}
}

// NewMountError creates a MountError, folding kernel error text into Detail.
func NewMountError(message string, cause error) *DMSError {
	return &DMSError{Code: ErrMount, Message: message, Detail: cause}
}

// NewProcessTrackingError creates a ProcessTrackingError.
func NewProcessTrackingError(message string, cause error) *DMSError {
	return &DMSError{Code: ErrProcessTracking, Message: message, Detail: cause}
}

// NewLedgerError creates a LedgerError wrapping the underlying database cause.
func NewLedgerError(message string, cause error) *DMSError {
	return &DMSError{Code: ErrLedger, Message: message, Detail: cause}
}

// Code extracts the ErrorCode from err, if it is a *DMSError.
func Code(err error) (ErrorCode, bool) {
	var dmsErr *DMSError
	if errors.As(err, &dmsErr) {
		return dmsErr.Code, true
	}
	return 0, false
}

// IsLockTimeout reports whether err is a LockTimeoutError.
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeoutSentinel)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidationSentinel)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransportSentinel)
}

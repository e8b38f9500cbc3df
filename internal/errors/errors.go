package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types callers can match with errors.Is.
var (
	ErrBusy             = errors.New("operation already in progress")
	ErrNotFound         = errors.New("not found")
	ErrIntegrity        = errors.New("integrity check failed")
	ErrConfiguration    = errors.New("invalid configuration")
	ErrValidation       = errors.New("validation failed")
	ErrNoSuitableBackup = errors.New("no suitable backup")
	ErrTimeout          = errors.New("timeout")
)

// Kind categorizes an operational error.
type Kind string

const (
	KindConfiguration    Kind = "configuration"
	KindBusy             Kind = "busy"
	KindComponentBackup  Kind = "component_backup"
	KindIntegrity        Kind = "integrity"
	KindStepExecution    Kind = "step_execution"
	KindValidation       Kind = "validation"
	KindNotification     Kind = "notification"
	KindNoSuitableBackup Kind = "no_suitable_backup"
	KindTimeout          Kind = "timeout"
	KindInternal         Kind = "internal"
)

// OpError is a structured error for backup and recovery operations.
type OpError struct {
	Kind      Kind
	Op        string // operation that failed (e.g. "create_backup", "execute_step")
	Component string // component or step the error belongs to
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *OpError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Component, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is maps error kinds onto the package sentinels so callers can use errors.Is
// without knowing about OpError.
func (e *OpError) Is(target error) bool {
	switch target {
	case ErrBusy:
		return e.Kind == KindBusy
	case ErrIntegrity:
		return e.Kind == KindIntegrity
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrNoSuitableBackup:
		return e.Kind == KindNoSuitableBackup
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return errors.Is(e.Err, target)
}

// New creates an OpError of the given kind.
func New(kind Kind, op, component string, err error) *OpError {
	return &OpError{
		Kind:      kind,
		Op:        op,
		Component: component,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kindRetryable(kind),
	}
}

// Newf creates an OpError wrapping a formatted message.
func Newf(kind Kind, op, component, format string, args ...interface{}) *OpError {
	return New(kind, op, component, fmt.Errorf(format, args...))
}

func kindRetryable(kind Kind) bool {
	switch kind {
	case KindBusy, KindTimeout, KindNotification:
		return true
	default:
		return false
	}
}

// IsCritical reports whether an error should reject the enclosing operation
// rather than be recorded in its report.
func IsCritical(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		switch oe.Kind {
		case KindConfiguration, KindIntegrity:
			return true
		}
	}
	return false
}

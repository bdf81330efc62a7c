package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrUnavailable  = errors.New("unavailable")
	ErrInternal     = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTransient  ErrorType = "transient"
	ErrorTypeInternal   ErrorType = "internal"
)

// ReconcileError is a structured error for entitlement reconciliation.
type ReconcileError struct {
	Type      ErrorType
	Op        string // operation that failed, e.g. "find_user", "upsert_pending"
	Subject   string // email or record id the operation targeted
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *ReconcileError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *ReconcileError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	case ErrConflict:
		return e.Type == ErrorTypeConflict
	case ErrUnavailable:
		return e.Type == ErrorTypeTransient
	case ErrInternal:
		return e.Type == ErrorTypeInternal
	}

	return errors.Is(e.Err, target)
}

// NewReconcileError creates a new ReconcileError
func NewReconcileError(errorType ErrorType, op, subject string, err error) *ReconcileError {
	return &ReconcileError{
		Type:      errorType,
		Op:        op,
		Subject:   subject,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: errorType == ErrorTypeTransient,
	}
}

// NewValidationError reports malformed input. It is never retried.
func NewValidationError(op, subject, msg string) error {
	return NewReconcileError(ErrorTypeValidation, op, subject, errors.New(msg))
}

// NewNotFoundError reports a missing record.
func NewNotFoundError(op, subject string) error {
	return NewReconcileError(ErrorTypeNotFound, op, subject, ErrNotFound)
}

// NewConflictError reports a write that collides with existing state.
func NewConflictError(op, subject, msg string) error {
	return NewReconcileError(ErrorTypeConflict, op, subject, errors.New(msg))
}

// WrapStoreError wraps a record store failure. Not-found errors keep their
// type; everything else is transient and safe to retry because store writes
// are keyed upserts.
func WrapStoreError(op, subject string, err error) error {
	if err == nil {
		return nil
	}
	var recErr *ReconcileError
	if errors.As(err, &recErr) && recErr.Type != ErrorTypeTransient {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return NewReconcileError(ErrorTypeNotFound, op, subject, err)
	}
	return NewReconcileError(ErrorTypeTransient, op, subject, err)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var recErr *ReconcileError
	if errors.As(err, &recErr) {
		return recErr.Retryable
	}
	return errors.Is(err, ErrUnavailable)
}

// TypeOf returns the error category, defaulting to internal.
func TypeOf(err error) ErrorType {
	var recErr *ReconcileError
	if errors.As(err, &recErr) {
		return recErr.Type
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return ErrorTypeValidation
	case errors.Is(err, ErrNotFound):
		return ErrorTypeNotFound
	case errors.Is(err, ErrConflict):
		return ErrorTypeConflict
	case errors.Is(err, ErrUnavailable):
		return ErrorTypeTransient
	}
	return ErrorTypeInternal
}

// HTTPStatus maps an error to the status code returned to webhook senders
// and API clients. 5xx responses make payment providers redeliver.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch TypeOf(err) {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

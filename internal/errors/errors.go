package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrApprovalRequired = errors.New("approval required")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnknownAttribute = errors.New("unknown client attribute")
	ErrHuntStopped      = errors.New("hunt is stopped")
	ErrInternalError    = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeAuthorization ErrorType = "authorization"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeStore         ErrorType = "store"
	ErrorTypeInternal      ErrorType = "internal"
)

// ControlError is a structured error for control-plane operations
type ControlError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "add_rule", "grant_approval")
	Subject   string // Hunt or client id the operation targeted
	Err       error  // Underlying error
	Timestamp time.Time
}

func (e *ControlError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ControlError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *ControlError) Is(target error) bool {
	if target == nil {
		return false
	}

	// Check base error types
	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrApprovalRequired:
		return e.Type == ErrorTypeAuthorization
	case ErrInvalidInput, ErrUnknownAttribute:
		if e.Type == ErrorTypeValidation {
			return errors.Is(e.Err, target) || target == ErrInvalidInput
		}
	}

	// Check wrapped error
	return errors.Is(e.Err, target)
}

// NewControlError creates a new ControlError
func NewControlError(errorType ErrorType, op, subject string, err error) *ControlError {
	return &ControlError{
		Type:      errorType,
		Op:        op,
		Subject:   subject,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Helper functions

// NewValidationError wraps a validation failure with context
func NewValidationError(op, subject string, err error) error {
	return NewControlError(ErrorTypeValidation, op, subject, err)
}

// Validationf builds a validation error from a format string
func Validationf(op, subject, format string, args ...interface{}) error {
	return NewControlError(ErrorTypeValidation, op, subject, fmt.Errorf(format, args...))
}

// NewAuthorizationError wraps an authorization failure with context
func NewAuthorizationError(op, subject string, err error) error {
	return NewControlError(ErrorTypeAuthorization, op, subject, err)
}

// WrapStoreError wraps an attribute or assignment store failure with context
func WrapStoreError(op, subject string, err error) error {
	return NewControlError(ErrorTypeStore, op, subject, err)
}

// WrapNotFound wraps a missing-record failure with context
func WrapNotFound(op, subject string) error {
	return NewControlError(ErrorTypeNotFound, op, subject, ErrNotFound)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	if err == nil {
		return false
	}

	var ctlErr *ControlError
	if errors.As(err, &ctlErr) {
		return ctlErr.Type == ErrorTypeValidation
	}

	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrUnknownAttribute)
}

// IsAuthorization checks if an error is an authorization error
func IsAuthorization(err error) bool {
	if err == nil {
		return false
	}

	var ctlErr *ControlError
	if errors.As(err, &ctlErr) {
		return ctlErr.Type == ErrorTypeAuthorization
	}

	return errors.Is(err, ErrApprovalRequired)
}

// IsNotFound checks if an error indicates a missing record
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var ctlErr *ControlError
	if errors.As(err, &ctlErr) && ctlErr.Type == ErrorTypeNotFound {
		return true
	}

	return errors.Is(err, ErrNotFound)
}

package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Engine-specific error codes.
const (
	ErrSchemaError            = "SCHEMA_ERROR"
	ErrInvalidTransition      = "INVALID_TRANSITION"
	ErrMissingRequiredFields  = "MISSING_REQUIRED_FIELDS"
	ErrGuardRejected          = "GUARD_REJECTED"
	ErrNotSyncable            = "NOT_SYNCABLE"
	ErrSyncError              = "SYNC_ERROR"
	ErrPersistenceUnavailable = "PERSISTENCE_UNAVAILABLE"
)

// ErrorEnvelope is the standard structured error returned by the engine and
// its HTTP surface. It implements the error interface. Messages are written
// to be specific and actionable: a workflow block is a clinical-safety
// signal, never a generic failure.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewSchemaError returns a SCHEMA_ERROR. Fatal at load time: instance
// creation against the schema is refused and the caller must show the
// protocol as unavailable.
func NewSchemaError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrSchemaError, Message: msg}
}

// NewNotSyncableError returns a NOT_SYNCABLE error. The local record is
// untouched; it is simply not yet eligible for transfer.
func NewNotSyncableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotSyncable, Message: msg}
}

// NewSyncError returns a SYNC_ERROR. Transient: retried with backoff and
// surfaced for human follow-up, never a cause of local data loss.
func NewSyncError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrSyncError, Message: msg}
}

// NewPersistenceUnavailableError returns a PERSISTENCE_UNAVAILABLE error.
// Writes are suspended into a read-only degraded mode rather than reporting
// false success.
func NewPersistenceUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPersistenceUnavailable, Message: msg}
}

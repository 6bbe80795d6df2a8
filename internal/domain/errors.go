package domain

import (
	"fmt"
	"time"
)

// KFREError represents a standardized error response
type KFREError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *KFREError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	ErrInvalidInput         = "INVALID_INPUT"
	ErrValidation           = "VALIDATION_ERROR"
	ErrUnsupportedHorizon   = "UNSUPPORTED_HORIZON"
	ErrInvalidVariableCount = "INVALID_VARIABLE_COUNT"
	ErrMissingCovariate     = "MISSING_COVARIATE"
	ErrMissingColumn        = "MISSING_COLUMN"
	ErrRateLimit            = "RATE_LIMIT_EXCEEDED"
	ErrInternalServer       = "INTERNAL_SERVER_ERROR"
)

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewKFREError creates a new KFREError with timestamp
func NewKFREError(code, message, details, requestID string) *KFREError {
	return &KFREError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// Package errors provides the coded, structured error type shared by every datalayer component.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a failure mode of the data layer.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Connection and transport
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeConnectionCorrupt ErrorCode = "CONNECTION_CORRUPT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Backend responses
	ErrCodeRateLimited         ErrorCode = "RATE_LIMITED"
	ErrCodeServerError         ErrorCode = "SERVER_ERROR"
	ErrCodeConstraintViolation ErrorCode = "CONSTRAINT_VIOLATION"
	ErrCodeMalformedQuery      ErrorCode = "MALFORMED_QUERY"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeBackendError        ErrorCode = "BACKEND_ERROR"

	// Authentication / authorization
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodePermissionDenied     ErrorCode = "PERMISSION_DENIED"
	ErrCodeTokenExpired         ErrorCode = "TOKEN_EXPIRED"

	// Queue and lifecycle
	ErrCodeQueueCleared       ErrorCode = "QUEUE_CLEARED"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"
	ErrCodeOperationTimeout   ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled  ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted     ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed   ErrorCode = "VALIDATION_FAILED"

	// Persistence
	ErrCodePersistRead  ErrorCode = "PERSIST_READ"
	ErrCodePersistWrite ErrorCode = "PERSIST_WRITE"
	ErrCodePersistCodec ErrorCode = "PERSIST_CODEC"

	// Internal
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory groups codes by the part of the system that produced them.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryBackend       ErrorCategory = "backend"
	CategoryAuth          ErrorCategory = "auth"
	CategoryOperation     ErrorCategory = "operation"
	CategoryPersistence   ErrorCategory = "persistence"
	CategoryInternal      ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:        CategoryConfiguration,
	ErrCodeConfigValidation:     CategoryConfiguration,
	ErrCodeConfigLoad:           CategoryConfiguration,
	ErrCodeConfigSave:           CategoryConfiguration,
	ErrCodeConnectionFailed:     CategoryConnection,
	ErrCodeConnectionTimeout:    CategoryConnection,
	ErrCodeConnectionCorrupt:    CategoryConnection,
	ErrCodeNetworkError:         CategoryConnection,
	ErrCodeRateLimited:          CategoryBackend,
	ErrCodeServerError:          CategoryBackend,
	ErrCodeConstraintViolation:  CategoryBackend,
	ErrCodeMalformedQuery:       CategoryBackend,
	ErrCodeNotFound:             CategoryBackend,
	ErrCodeBackendError:         CategoryBackend,
	ErrCodeAuthenticationFailed: CategoryAuth,
	ErrCodePermissionDenied:     CategoryAuth,
	ErrCodeTokenExpired:         CategoryAuth,
	ErrCodeQueueCleared:         CategoryOperation,
	ErrCodeShutdownInProgress:   CategoryOperation,
	ErrCodeOperationTimeout:     CategoryOperation,
	ErrCodeOperationCanceled:    CategoryOperation,
	ErrCodeRetryExhausted:       CategoryOperation,
	ErrCodeValidationFailed:     CategoryOperation,
	ErrCodePersistRead:          CategoryPersistence,
	ErrCodePersistWrite:         CategoryPersistence,
	ErrCodePersistCodec:         CategoryPersistence,
}

var retryableCodes = map[ErrorCode]bool{
	ErrCodeConnectionFailed:  true,
	ErrCodeConnectionTimeout: true,
	ErrCodeNetworkError:      true,
	ErrCodeRateLimited:       true,
	ErrCodeServerError:       true,
	ErrCodeOperationTimeout:  true,
}

var defaultStatus = map[ErrorCode]int{
	ErrCodeInvalidConfig:        400,
	ErrCodeConfigValidation:     400,
	ErrCodeValidationFailed:     400,
	ErrCodeMalformedQuery:       400,
	ErrCodeAuthenticationFailed: 401,
	ErrCodeTokenExpired:         401,
	ErrCodePermissionDenied:     403,
	ErrCodeNotFound:             404,
	ErrCodeConstraintViolation:  409,
	ErrCodeRateLimited:          429,
	ErrCodeServerError:          502,
	ErrCodeConnectionFailed:     503,
	ErrCodeNetworkError:         503,
	ErrCodeConnectionTimeout:    504,
	ErrCodeOperationTimeout:     504,
}

// DataLayerError is a structured error carrying a code plus backend metadata.
type DataLayerError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// HTTPStatus is the status returned by the backend, or the default for Code.
	HTTPStatus int `json:"http_status,omitempty"`
	// BackendCode is the backend's own error code (e.g. "23505", "PGRST116").
	BackendCode string `json:"backend_code,omitempty"`
	Retryable   bool   `json:"retryable"`
}

// Error implements the error interface.
func (e *DataLayerError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DataLayerError) Unwrap() error {
	return e.Cause
}

// Is matches another *DataLayerError by code.
func (e *DataLayerError) Is(target error) bool {
	if t, ok := target.(*DataLayerError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logs.
func (e *DataLayerError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.HTTPStatus != 0 {
		parts = append(parts, fmt.Sprintf("HTTPStatus=%d", e.HTTPStatus))
	}
	if e.BackendCode != "" {
		parts = append(parts, fmt.Sprintf("BackendCode=%s", e.BackendCode))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("DataLayerError{%s}", strings.Join(parts, ", "))
}

// NewError creates an error with the defaults for code.
func NewError(code ErrorCode, message string) *DataLayerError {
	return &DataLayerError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *DataLayerError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory returns the category of code.
func GetCategory(code ErrorCode) ErrorCategory {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryInternal
}

// IsRetryableByDefault reports whether code is transient.
func IsRetryableByDefault(code ErrorCode) bool {
	return retryableCodes[code]
}

// GetDefaultHTTPStatus returns the conventional HTTP status for code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	if status, ok := defaultStatus[code]; ok {
		return status
	}
	return 500
}

// WithDetail adds a detail value.
func (e *DataLayerError) WithDetail(key string, value interface{}) *DataLayerError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component.
func (e *DataLayerError) WithComponent(component string) *DataLayerError {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *DataLayerError) WithOperation(operation string) *DataLayerError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *DataLayerError) WithCause(cause error) *DataLayerError {
	e.Cause = cause
	return e
}

// WithHTTPStatus records the status the backend actually returned.
func (e *DataLayerError) WithHTTPStatus(status int) *DataLayerError {
	e.HTTPStatus = status
	return e
}

// WithBackendCode records the backend's own error code.
func (e *DataLayerError) WithBackendCode(code string) *DataLayerError {
	e.BackendCode = code
	return e
}

// WithRetryable overrides the default retryable flag.
func (e *DataLayerError) WithRetryable(retryable bool) *DataLayerError {
	e.Retryable = retryable
	return e
}

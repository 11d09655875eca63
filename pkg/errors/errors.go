// Package errors provides the structured error system for Strata with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for Strata operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Policy configuration errors
	ErrCodeInvalidPolicy   ErrorCode = "INVALID_POLICY"
	ErrCodePolicyNotFound  ErrorCode = "POLICY_NOT_FOUND"
	ErrCodeBackendNotFound ErrorCode = "BACKEND_NOT_FOUND"
	ErrCodePolicyLoad      ErrorCode = "POLICY_LOAD"
	ErrCodePolicySave      ErrorCode = "POLICY_SAVE"
	ErrCodeInvalidConfig   ErrorCode = "INVALID_CONFIG"

	// Quota errors
	ErrCodeQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeTrafficExceeded   ErrorCode = "TRAFFIC_EXCEEDED"
	ErrCodeReservationFailed ErrorCode = "RESERVATION_FAILED"

	// Retention errors
	ErrCodeRetentionHold     ErrorCode = "RETENTION_HOLD"
	ErrCodeRetentionTooYoung ErrorCode = "RETENTION_TOO_YOUNG"

	// Cache errors
	ErrCodeTierFull      ErrorCode = "TIER_FULL"
	ErrCodeTierNotFound  ErrorCode = "TIER_NOT_FOUND"
	ErrCodeEntryNotFound ErrorCode = "ENTRY_NOT_FOUND"

	// Replication errors
	ErrCodeInsufficientRedundancy ErrorCode = "INSUFFICIENT_REDUNDANCY"
	ErrCodeReplicaVerifyFailed    ErrorCode = "REPLICA_VERIFY_FAILED"

	// Backend adapter errors
	ErrCodeAdapterTimeout ErrorCode = "ADAPTER_TIMEOUT"
	ErrCodeAdapterError   ErrorCode = "ADAPTER_ERROR"
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeCircuitOpen    ErrorCode = "CIRCUIT_OPEN"

	// Operation errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeInvalidState      ErrorCode = "INVALID_STATE"
	ErrCodeStateVersion      ErrorCode = "STATE_VERSION"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryPolicy      ErrorCategory = "policy"
	CategoryQuota       ErrorCategory = "quota"
	CategoryRetention   ErrorCategory = "retention"
	CategoryCache       ErrorCategory = "cache"
	CategoryReplication ErrorCategory = "replication"
	CategoryAdapter     ErrorCategory = "adapter"
	CategoryOperation   ErrorCategory = "operation"
	CategoryInternal    ErrorCategory = "internal"
)

// StrataError represents a structured error with context and metadata.
type StrataError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	Backend   string `json:"backend,omitempty"`
	ObjectID  string `json:"object_id,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *StrataError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *StrataError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *StrataError) Is(target error) bool {
	if strataErr, ok := target.(*StrataError); ok {
		return e.Code == strataErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *StrataError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Backend != "" {
		parts = append(parts, fmt.Sprintf("Backend=%s", e.Backend))
	}
	if e.ObjectID != "" {
		parts = append(parts, fmt.Sprintf("ObjectID=%s", e.ObjectID))
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

	return fmt.Sprintf("StrataError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *StrataError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new Strata error with default values.
func NewError(code ErrorCode, message string) *StrataError {
	return &StrataError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_POLICY") || strings.HasPrefix(codeStr, "POLICY_") ||
		strings.HasPrefix(codeStr, "BACKEND_") || strings.HasPrefix(codeStr, "INVALID_CONFIG"):
		return CategoryPolicy
	case strings.HasPrefix(codeStr, "QUOTA_") || strings.HasPrefix(codeStr, "TRAFFIC_") ||
		strings.HasPrefix(codeStr, "RESERVATION_"):
		return CategoryQuota
	case strings.HasPrefix(codeStr, "RETENTION_"):
		return CategoryRetention
	case strings.HasPrefix(codeStr, "TIER_") || strings.HasPrefix(codeStr, "ENTRY_"):
		return CategoryCache
	case strings.HasPrefix(codeStr, "INSUFFICIENT_") || strings.HasPrefix(codeStr, "REPLICA_"):
		return CategoryReplication
	case strings.HasPrefix(codeStr, "ADAPTER_") || strings.HasPrefix(codeStr, "OBJECT_") ||
		strings.HasPrefix(codeStr, "CIRCUIT_"):
		return CategoryAdapter
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_") ||
		strings.HasPrefix(codeStr, "INVALID_STATE") || strings.HasPrefix(codeStr, "STATE_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// HasCode reports whether err, or any error it wraps, is a StrataError
// carrying the given code.
func HasCode(err error, code ErrorCode) bool {
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if se, ok := e.(*StrataError); ok && se.Code == code {
			return true
		}
	}
	return false
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeAdapterTimeout: true,
		ErrCodeAdapterError:   true,
		ErrCodeInternalError:  true,
	}
	return retryableCodes[code]
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidPolicy:          400,
		ErrCodeInvalidConfig:          400,
		ErrCodePolicyNotFound:         404,
		ErrCodeBackendNotFound:        404,
		ErrCodeObjectNotFound:         404,
		ErrCodeEntryNotFound:          404,
		ErrCodeTierNotFound:           404,
		ErrCodeRetentionHold:          423, // Locked
		ErrCodeRetentionTooYoung:      423,
		ErrCodeQuotaExceeded:          429,
		ErrCodeTrafficExceeded:        429,
		ErrCodeReservationFailed:      429,
		ErrCodeTierFull:               507, // Insufficient Storage
		ErrCodeInsufficientRedundancy: 507,
		ErrCodeAdapterTimeout:         504,
		ErrCodeAdapterError:           502,
		ErrCodeCircuitOpen:            503,
		ErrCodeRetryExhausted:         504,
		ErrCodeInternalError:          500,
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:]) // +2 to skip this function and the caller
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") { // Skip frames from this file
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithDetail adds detailed information to an error
func (e *StrataError) WithDetail(key string, value interface{}) *StrataError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *StrataError) WithComponent(component string) *StrataError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *StrataError) WithOperation(operation string) *StrataError {
	e.Operation = operation
	return e
}

// WithBackend sets the backend identifier for an error
func (e *StrataError) WithBackend(backend string) *StrataError {
	e.Backend = backend
	return e
}

// WithObject sets the object identifier for an error
func (e *StrataError) WithObject(objectID string) *StrataError {
	e.ObjectID = objectID
	return e
}

// WithCause sets the underlying cause
func (e *StrataError) WithCause(cause error) *StrataError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *StrataError) WithStack() *StrataError {
	e.Stack = CaptureStack(2)
	return e
}

// Package errors provides the structured error taxonomy used across the fleet: codes, categories and context.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode identifies a class of fleet failure.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigImport     ErrorCode = "CONFIG_IMPORT"

	// Routing errors
	ErrCodeNoEligibleInstance ErrorCode = "NO_ELIGIBLE_INSTANCE"
	ErrCodeInstanceNotFound   ErrorCode = "INSTANCE_NOT_FOUND"

	// Instance errors
	ErrCodeInstanceOperation ErrorCode = "INSTANCE_OPERATION"
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"

	// Migration and recovery errors
	ErrCodeMigrationKey      ErrorCode = "MIGRATION_KEY"
	ErrCodeRecoveryExhausted ErrorCode = "RECOVERY_EXHAUSTED"

	// Administrative errors
	ErrCodeRuleNotFound     ErrorCode = "RULE_NOT_FOUND"
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeArchiveFailed    ErrorCode = "ARCHIVE_FAILED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups error codes.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryRouting       ErrorCategory = "routing"
	CategoryInstance      ErrorCategory = "instance"
	CategoryMigration     ErrorCategory = "migration"
	CategoryRecovery      ErrorCategory = "recovery"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrConfiguration      = &FleetError{Code: ErrCodeConfigValidation}
	ErrNoEligibleInstance = &FleetError{Code: ErrCodeNoEligibleInstance}
	ErrInstanceNotFound   = &FleetError{Code: ErrCodeInstanceNotFound}
	ErrInstanceOperation  = &FleetError{Code: ErrCodeInstanceOperation}
	ErrMigrationKey       = &FleetError{Code: ErrCodeMigrationKey}
	ErrRecoveryExhausted  = &FleetError{Code: ErrCodeRecoveryExhausted}
	ErrRuleNotFound       = &FleetError{Code: ErrCodeRuleNotFound}
	ErrValidation         = &FleetError{Code: ErrCodeValidationFailed}
)

// FleetError is a structured error with context and metadata.
type FleetError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component  string `json:"component,omitempty"`
	Operation  string `json:"operation,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *FleetError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[" + e.Component)
		if e.Operation != "" {
			b.WriteString(":" + e.Operation)
		}
		b.WriteString("] ")
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.InstanceID != "" {
		fmt.Fprintf(&b, " (instance %s)", e.InstanceID)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *FleetError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *FleetError) Is(target error) bool {
	if fe, ok := target.(*FleetError); ok {
		return e.Code == fe.Code
	}
	return false
}

// NewError creates a fleet error with defaults derived from the code.
func NewError(code ErrorCode, message string) *FleetError {
	return &FleetError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// GetCategory determines the category of a code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeConfigLoad, ErrCodeConfigImport:
		return CategoryConfiguration
	case ErrCodeNoEligibleInstance, ErrCodeInstanceNotFound:
		return CategoryRouting
	case ErrCodeInstanceOperation, ErrCodeConnectionFailed, ErrCodeConnectionTimeout:
		return CategoryInstance
	case ErrCodeMigrationKey:
		return CategoryMigration
	case ErrCodeRecoveryExhausted:
		return CategoryRecovery
	case ErrCodeRuleNotFound, ErrCodeValidationFailed, ErrCodeArchiveFailed:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a code is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionFailed, ErrCodeConnectionTimeout, ErrCodeInstanceOperation, ErrCodeMigrationKey:
		return true
	}
	return false
}

// GetDefaultHTTPStatus maps a code onto an HTTP status.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:      http.StatusBadRequest,
		ErrCodeConfigValidation:   http.StatusBadRequest,
		ErrCodeConfigImport:       http.StatusBadRequest,
		ErrCodeValidationFailed:   http.StatusBadRequest,
		ErrCodeInstanceNotFound:   http.StatusNotFound,
		ErrCodeRuleNotFound:       http.StatusNotFound,
		ErrCodeNoEligibleInstance: http.StatusServiceUnavailable,
		ErrCodeInstanceOperation:  http.StatusBadGateway,
		ErrCodeConnectionFailed:   http.StatusBadGateway,
		ErrCodeConnectionTimeout:  http.StatusGatewayTimeout,
		ErrCodeRecoveryExhausted:  http.StatusServiceUnavailable,
		ErrCodeArchiveFailed:      http.StatusBadGateway,
	}
	if status, ok := statusMap[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WithDetail adds detailed information to an error
func (e *FleetError) WithDetail(key string, value interface{}) *FleetError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *FleetError) WithComponent(component string) *FleetError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *FleetError) WithOperation(operation string) *FleetError {
	e.Operation = operation
	return e
}

// WithInstance sets the instance the error concerns
func (e *FleetError) WithInstance(id string) *FleetError {
	e.InstanceID = id
	return e
}

// WithCause sets the underlying cause
func (e *FleetError) WithCause(cause error) *FleetError {
	e.Cause = cause
	return e
}

// NewConfigurationError reports an invalid or unloadable topology.
func NewConfigurationError(format string, args ...interface{}) *FleetError {
	return NewError(ErrCodeConfigValidation, fmt.Sprintf(format, args...)).WithComponent("config")
}

// NewNoEligibleInstanceError reports that no healthy instance serves category.
func NewNoEligibleInstanceError(category string) *FleetError {
	return NewError(ErrCodeNoEligibleInstance,
		"No healthy Redis instances available for data type: "+category).
		WithComponent("balancer").
		WithOperation("select").
		WithDetail("category", category)
}

// NewInstanceNotFoundError reports an unknown instance id.
func NewInstanceNotFoundError(id string) *FleetError {
	return NewError(ErrCodeInstanceNotFound, "instance not found: "+id).WithInstance(id)
}

// NewInstanceOperationError wraps a failed command against one instance.
func NewInstanceOperationError(instanceID, operation string, cause error) *FleetError {
	msg := "operation failed"
	if cause != nil {
		msg = cause.Error()
	}
	return NewError(ErrCodeInstanceOperation, msg).
		WithComponent("registry").
		WithOperation(operation).
		WithInstance(instanceID).
		WithCause(cause)
}

// NewMigrationKeyError reports a per-key migration failure.
func NewMigrationKeyError(key, source, target, stage string, cause error) *FleetError {
	return NewError(ErrCodeMigrationKey, fmt.Sprintf("%s failed for key %q", stage, key)).
		WithComponent("migration").
		WithOperation(stage).
		WithInstance(source).
		WithDetail("key", key).
		WithDetail("target", target).
		WithCause(cause)
}

// NewRecoveryExhaustedError reports that auto-recovery gave up on an instance.
func NewRecoveryExhaustedError(instanceID string, attempts int) *FleetError {
	return NewError(ErrCodeRecoveryExhausted,
		fmt.Sprintf("auto-recovery exhausted after %d attempts, manual intervention required", attempts)).
		WithComponent("health").
		WithOperation("auto-recovery").
		WithInstance(instanceID).
		WithDetail("attempts", attempts)
}

// NewRuleNotFoundError reports an unknown alert rule id.
func NewRuleNotFoundError(id string) *FleetError {
	return NewError(ErrCodeRuleNotFound, "alert rule not found: "+id).
		WithComponent("health").
		WithDetail("rule", id)
}

// NewValidationError reports invalid caller input.
func NewValidationError(format string, args ...interface{}) *FleetError {
	return NewError(ErrCodeValidationFailed, fmt.Sprintf(format, args...))
}

// IsCode reports whether any error in err's chain is a FleetError with code.
func IsCode(err error, code ErrorCode) bool {
	var fe *FleetError
	for err != nil {
		if !stderrors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Cause
	}
	return false
}

// HTTPStatus returns the status to report for err.
func HTTPStatus(err error) int {
	var fe *FleetError
	if stderrors.As(err, &fe) && fe.HTTPStatus != 0 {
		return fe.HTTPStatus
	}
	return http.StatusInternalServerError
}

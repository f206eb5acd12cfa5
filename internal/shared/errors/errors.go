package errors

import (
	"errors"
	"fmt"
	"time"
)

// DomainError is the base interface for all structured errors in the engine.
type DomainError interface {
	error

	// Domain returns the failing subsystem (e.g. "store", "remote", "gateway")
	Domain() string

	// Code returns a stable error code for logs and metrics
	Code() string

	// Retryable indicates if the operation can be retried on the next pass
	Retryable() bool

	// Metadata returns additional error context
	Metadata() map[string]any

	// WithMetadata adds metadata to the error
	WithMetadata(key string, value any) DomainError

	// Timestamp returns when the error occurred
	Timestamp() time.Time
}

// BaseError is the foundational implementation of DomainError
type BaseError struct {
	domain    string
	code      string
	message   string
	cause     error
	retryable bool
	metadata  map[string]any
	timestamp time.Time
}

func (e *BaseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.domain, e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.domain, e.code, e.message)
}

func (e *BaseError) Unwrap() error            { return e.cause }
func (e *BaseError) Domain() string           { return e.domain }
func (e *BaseError) Code() string             { return e.code }
func (e *BaseError) Retryable() bool          { return e.retryable }
func (e *BaseError) Metadata() map[string]any { return e.metadata }
func (e *BaseError) Timestamp() time.Time     { return e.timestamp }

// NewBaseError creates a new BaseError with the specified parameters
func NewBaseError(domain, code, message string, retryable bool, cause error, metadata map[string]any) *BaseError {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &BaseError{
		domain:    domain,
		code:      code,
		message:   message,
		cause:     cause,
		retryable: retryable,
		metadata:  metadata,
		timestamp: time.Now(),
	}
}

// WithMetadata returns a copy of the error with the key/value added.
func (e *BaseError) WithMetadata(key string, value any) DomainError {
	newMeta := make(map[string]any, len(e.metadata)+1)
	for k, v := range e.metadata {
		newMeta[k] = v
	}
	newMeta[key] = value

	return &BaseError{
		domain:    e.domain,
		code:      e.code,
		message:   e.message,
		cause:     e.cause,
		retryable: e.retryable,
		metadata:  newMeta,
		timestamp: e.timestamp,
	}
}

// Standardized Error Codes
const (
	// Store errors
	ErrCodeNotFound     = "not_found"
	ErrCodeStoreQuery   = "store_query_failed"
	ErrCodeStoreTx      = "store_tx_failed"
	ErrCodeConstraint   = "store_constraint_violation"
	ErrCodeIllegalState = "illegal_state_transition"

	// Remote host errors
	ErrCodeRemoteConnect = "remote_connect_failed"
	ErrCodeRemoteAuth    = "remote_auth_failed"
	ErrCodeRemoteCommand = "remote_command_failed"
	ErrCodeRemoteTimeout = "remote_timeout"

	// WireGuard errors
	ErrCodeConfigParse = "wireguard_config_parse"
	ErrCodeInvalidKey  = "wireguard_invalid_key"
	ErrCodeHostParams  = "wireguard_host_params"
	ErrCodeKeyRotation = "wireguard_key_rotation"

	// Payment gateway errors
	ErrCodeGatewayUnavailable = "gateway_unavailable"
	ErrCodeGatewayStatus      = "gateway_unknown_status"
	ErrCodeBillCreate         = "bill_create_failed"

	// System errors
	ErrCodeConfiguration = "config_error"
	ErrCodeValidation    = "validation_error"
	ErrCodeNotify        = "notify_failed"
	ErrCodeInternal      = "internal_error"
)

// Domain Constants
const (
	DomainStore     = "store"
	DomainRemote    = "remote"
	DomainWireGuard = "wireguard"
	DomainGateway   = "gateway"
	DomainNotify    = "notify"
	DomainSystem    = "system"
)

// NewStoreError creates a standardized persistence error
func NewStoreError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainStore, code, message, retryable, cause, nil)
}

// NewRemoteError creates a standardized remote host error
func NewRemoteError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainRemote, code, message, retryable, cause, nil)
}

// NewWireGuardError creates a standardized WireGuard error
func NewWireGuardError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainWireGuard, code, message, retryable, cause, nil)
}

// NewGatewayError creates a standardized payment gateway error
func NewGatewayError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainGateway, code, message, retryable, cause, nil)
}

// NewNotifyError creates a standardized notification error
func NewNotifyError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainNotify, code, message, retryable, cause, nil)
}

// NewSystemError creates a standardized system error
func NewSystemError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainSystem, code, message, retryable, cause, nil)
}

// Pre-created sentinel errors for fast comparison with errors.Is.
var (
	ErrNotFound       = NewStoreError(ErrCodeNotFound, "record not found", false, nil)
	ErrIllegalState   = NewStoreError(ErrCodeIllegalState, "illegal state transition", false, nil)
	ErrGatewayPending = NewGatewayError(ErrCodeGatewayStatus, "bill status not yet definitive", true, nil)
	ErrRemoteConnect  = NewRemoteError(ErrCodeRemoteConnect, "remote host unreachable", true, nil)
	ErrInvalidConfig  = NewSystemError(ErrCodeConfiguration, "invalid configuration", false, nil)
)

// IsDomainError checks if an error is a DomainError
func IsDomainError(err error) bool {
	var de DomainError
	return errors.As(err, &de)
}

// IsRetryable checks if an error is retryable on the next pass
func IsRetryable(err error) bool {
	var de DomainError
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}

// IsNotFound reports whether err is a not-found store error.
func IsNotFound(err error) bool {
	var de DomainError
	if errors.As(err, &de) {
		return de.Code() == ErrCodeNotFound
	}
	return false
}

// GetErrorCode returns the error code if it's a DomainError, otherwise "unknown".
func GetErrorCode(err error) string {
	var de DomainError
	if errors.As(err, &de) {
		return de.Code()
	}
	return "unknown"
}

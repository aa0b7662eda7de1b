package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypePrecondition ErrorType = "precondition"
	ErrorTypeSpawn        ErrorType = "spawn"
	ErrorTypeAbnormalExit ErrorType = "abnormal_exit"
	ErrorTypeProcess      ErrorType = "process"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypePermission   ErrorType = "permission"
	ErrorTypeIO           ErrorType = "io"
	ErrorTypeNetwork      ErrorType = "network"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeCancelled    ErrorType = "cancelled"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches any DomainError of the same type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ContextValue returns a context value previously attached with WithContext
func (e *DomainError) ContextValue(key string) (interface{}, bool) {
	if e.Context == nil {
		return nil, false
	}
	v, ok := e.Context[key]
	return v, ok
}

// ContextValueOf returns the first value stored under key by any DomainError in err's chain
func ContextValueOf(err error, key string) (interface{}, bool) {
	for err != nil {
		if de, ok := err.(*DomainError); ok {
			if v, ok := de.ContextValue(key); ok {
				return v, true
			}
		}
		err = errors.Unwrap(err)
	}
	return nil, false
}

func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

// Launch errors

// NewPreconditionError reports a required file or directory missing before spawn.
func NewPreconditionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePrecondition, message, cause)
}

// NewSpawnError reports the OS refusing to create the process.
func NewSpawnError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeSpawn, message, cause)
}

// NewAbnormalExitError reports a child that terminated on its own with a failure status.
func NewAbnormalExitError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeAbnormalExit, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

// System errors
func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewNetworkError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

func IsValidationError(err error) bool   { return isType(err, ErrorTypeValidation) }
func IsNotFoundError(err error) bool     { return isType(err, ErrorTypeNotFound) }
func IsConflictError(err error) bool     { return isType(err, ErrorTypeConflict) }
func IsPreconditionError(err error) bool { return isType(err, ErrorTypePrecondition) }
func IsSpawnError(err error) bool        { return isType(err, ErrorTypeSpawn) }
func IsAbnormalExitError(err error) bool { return isType(err, ErrorTypeAbnormalExit) }
func IsProcessError(err error) bool      { return isType(err, ErrorTypeProcess) }
func IsTimeoutError(err error) bool      { return isType(err, ErrorTypeTimeout) }
func IsPermissionError(err error) bool   { return isType(err, ErrorTypePermission) }
func IsIOError(err error) bool           { return isType(err, ErrorTypeIO) }
func IsNetworkError(err error) bool      { return isType(err, ErrorTypeNetwork) }
func IsInternalError(err error) bool     { return isType(err, ErrorTypeInternal) }
func IsCancelledError(err error) bool    { return isType(err, ErrorTypeCancelled) }

// ErrorCollection aggregates errors from multi-step operations such as shutdown
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}

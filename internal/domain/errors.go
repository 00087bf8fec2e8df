package domain

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

var (
	ErrAlreadyStarted   = errors.New("adapter already started")
	ErrNotStarted       = errors.New("adapter not started")
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidInput     = errors.New("invalid input")
	ErrTimeout          = errors.New("operation timeout")
	ErrClosed           = errors.New("store closed")
	ErrVersionConflict  = errors.New("version conflict")
	ErrInstanceNotFound = errors.New("process instance not found")
	ErrNotRunning       = errors.New("process instance is not running")
	ErrIllegalState     = errors.New("illegal state transition")
)

type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryStorage       ErrorCategory = "storage"
	CategoryWorkflow      ErrorCategory = "workflow"
	CategoryConcurrency   ErrorCategory = "concurrency"
	CategoryConfiguration ErrorCategory = "configuration"
	CategorySerialization ErrorCategory = "serialization"
	CategoryExpression    ErrorCategory = "expression"
	CategoryTimeout       ErrorCategory = "timeout"
)

type ErrorSeverity string

const (
	SeverityWarning  ErrorSeverity = "warning"
	SeverityError    ErrorSeverity = "error"
	SeverityCritical ErrorSeverity = "critical"
)

type ErrorContext struct {
	Component  string
	Operation  string
	InstanceID string
	TaskID     string
	Details    map[string]interface{}
	File       string
	Line       int
	Function   string
}

// DomainError is the envelope every adapter uses when surfacing failures to callers.
type DomainError struct {
	Category   ErrorCategory
	Severity   ErrorSeverity
	Code       string
	Message    string
	Cause      error
	Context    ErrorContext
	UserFacing bool
	Retryable  bool
	Timestamp  time.Time
}

type ErrorOption func(*DomainError)

func WithComponent(component string) ErrorOption {
	return func(e *DomainError) { e.Context.Component = component }
}

func WithOperation(operation string) ErrorOption {
	return func(e *DomainError) { e.Context.Operation = operation }
}

func WithInstance(instanceID string) ErrorOption {
	return func(e *DomainError) { e.Context.InstanceID = instanceID }
}

func WithTask(taskID string) ErrorOption {
	return func(e *DomainError) { e.Context.TaskID = taskID }
}

func WithCode(code string) ErrorOption {
	return func(e *DomainError) { e.Code = code }
}

func WithSeverity(severity ErrorSeverity) ErrorOption {
	return func(e *DomainError) { e.Severity = severity }
}

func WithDetail(key string, value interface{}) ErrorOption {
	return func(e *DomainError) {
		if e.Context.Details == nil {
			e.Context.Details = make(map[string]interface{})
		}
		e.Context.Details[key] = value
	}
}

func (e *DomainError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Category))
	if e.Context.Component != "" {
		b.WriteString(":")
		b.WriteString(e.Context.Component)
	}
	b.WriteString("] ")
	b.WriteString(e.Code)
	b.WriteString(" ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if !errors.As(target, &other) {
		return false
	}
	return e.Category == other.Category
}

func (e *DomainError) WithInstanceID(id string) *DomainError {
	e.Context.InstanceID = id
	return e
}

func (e *DomainError) WithTaskID(id string) *DomainError {
	e.Context.TaskID = id
	return e
}

func (e *DomainError) WithOperation(op string) *DomainError {
	e.Context.Operation = op
	return e
}

func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	WithDetail(key, value)(e)
	return e
}

func NewDomainErrorWithCategory(category ErrorCategory, message string, cause error, opts ...ErrorOption) *DomainError {
	e := &DomainError{
		Category:  category,
		Severity:  SeverityError,
		Code:      inferCode(category, message),
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}

	switch category {
	case CategoryValidation, CategoryConfiguration:
		e.UserFacing = true
	case CategoryConcurrency, CategoryTimeout:
		e.Retryable = true
	}

	if pc, file, line, ok := runtime.Caller(2); ok {
		e.Context.File = file
		e.Context.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			e.Context.Function = fn.Name()
		}
	}

	for _, opt := range opts {
		opt(e)
	}
	return e
}

func NewValidationError(message string, cause error, opts ...ErrorOption) *DomainError {
	return NewDomainErrorWithCategory(CategoryValidation, message, cause, opts...)
}

func NewStorageError(message string, cause error, opts ...ErrorOption) *DomainError {
	return NewDomainErrorWithCategory(CategoryStorage, message, cause, opts...)
}

func NewWorkflowError(message string, cause error, opts ...ErrorOption) *DomainError {
	return NewDomainErrorWithCategory(CategoryWorkflow, message, cause, opts...)
}

func NewConcurrencyError(message string, cause error, opts ...ErrorOption) *DomainError {
	return NewDomainErrorWithCategory(CategoryConcurrency, message, cause, opts...)
}

func NewConfigurationError(message string, cause error, opts ...ErrorOption) *DomainError {
	return NewDomainErrorWithCategory(CategoryConfiguration, message, cause, opts...)
}

func NewSerializationError(message string, cause error, opts ...ErrorOption) *DomainError {
	return NewDomainErrorWithCategory(CategorySerialization, message, cause, opts...)
}

func inferCode(category ErrorCategory, message string) string {
	prefix := strings.ToUpper(string(category))
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "not found"):
		return prefix + "_NOT_FOUND"
	case strings.Contains(msg, "required"):
		return prefix + "_REQUIRED"
	case strings.Contains(msg, "locked"), strings.Contains(msg, "conflict"):
		return prefix + "_CONFLICT"
	case strings.Contains(msg, "timeout"):
		return prefix + "_TIMEOUT"
	case strings.Contains(msg, "state"):
		return prefix + "_STATE"
	case strings.Contains(msg, "corrupt"):
		return prefix + "_CORRUPT"
	default:
		return prefix + "_INVALID"
	}
}

func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

func GetErrorCategory(err error) ErrorCategory {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Category
	}
	return ""
}

func GetErrorSeverity(err error) ErrorSeverity {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Severity
	}
	return SeverityError
}

func IsUserFacingError(err error) bool {
	var de *DomainError
	return errors.As(err, &de) && de.UserFacing
}

func GetErrorContext(err error) *ErrorContext {
	var de *DomainError
	if errors.As(err, &de) {
		return &de.Context
	}
	return nil
}

func IsRetryableError(err error) bool {
	if IsAlreadyLocked(err) {
		return true
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return errors.Is(err, ErrTimeout)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInstanceNotFound)
}

func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

func IsAlreadyStarted(err error) bool {
	return errors.Is(err, ErrAlreadyStarted)
}

func IsNotStarted(err error) bool {
	return errors.Is(err, ErrNotStarted)
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Err: err}
}

package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDomainErrorBasics(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewValidationError("invalid input provided", cause)

	if err.Category != CategoryValidation {
		t.Errorf("Expected category %v, got %v", CategoryValidation, err.Category)
	}

	if err.Severity != SeverityError {
		t.Errorf("Expected severity %v, got %v", SeverityError, err.Severity)
	}

	if err.Code != "VALIDATION_INVALID" {
		t.Errorf("Expected code VALIDATION_INVALID, got %s", err.Code)
	}

	if !err.UserFacing {
		t.Error("Expected validation error to be user facing")
	}

	if err.Retryable {
		t.Error("Expected validation error to not be retryable")
	}

	if err.Unwrap() != cause {
		t.Error("Expected cause to be unwrapped correctly")
	}
}

func TestErrorWithContext(t *testing.T) {
	err := NewWorkflowError("task failed", nil, WithComponent("engine")).
		WithInstanceID("inst-123").
		WithTaskID("task-456").
		WithOperation("run_task").
		WithContext("spec_id", "charge")

	if err.Context.Component != "engine" {
		t.Errorf("Expected component engine, got %s", err.Context.Component)
	}

	if err.Context.InstanceID != "inst-123" {
		t.Errorf("Expected instance ID inst-123, got %s", err.Context.InstanceID)
	}

	if err.Context.TaskID != "task-456" {
		t.Errorf("Expected task ID task-456, got %s", err.Context.TaskID)
	}

	if err.Context.Operation != "run_task" {
		t.Errorf("Expected operation run_task, got %s", err.Context.Operation)
	}

	if err.Context.Details["spec_id"] != "charge" {
		t.Error("Expected spec_id in context details")
	}

	if !strings.HasPrefix(err.Error(), "[workflow:engine] ") {
		t.Errorf("Unexpected message %q", err.Error())
	}
}

func TestErrorCategorization(t *testing.T) {
	testCases := []struct {
		name               string
		constructor        func(string, error, ...ErrorOption) *DomainError
		expectedCategory   ErrorCategory
		expectedRetryable  bool
		expectedUserFacing bool
	}{
		{"validation", NewValidationError, CategoryValidation, false, true},
		{"storage", NewStorageError, CategoryStorage, false, false},
		{"workflow", NewWorkflowError, CategoryWorkflow, false, false},
		{"concurrency", NewConcurrencyError, CategoryConcurrency, true, false},
		{"configuration", NewConfigurationError, CategoryConfiguration, false, true},
		{"serialization", NewSerializationError, CategorySerialization, false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor("test message", nil)

			if err.Category != tc.expectedCategory {
				t.Errorf("Expected category %v, got %v", tc.expectedCategory, err.Category)
			}

			if err.Retryable != tc.expectedRetryable {
				t.Errorf("Expected retryable %v, got %v", tc.expectedRetryable, err.Retryable)
			}

			if err.UserFacing != tc.expectedUserFacing {
				t.Errorf("Expected user facing %v, got %v", tc.expectedUserFacing, err.UserFacing)
			}
		})
	}
}

func TestErrorCodeInference(t *testing.T) {
	testCases := []struct {
		category     ErrorCategory
		message      string
		expectedCode string
	}{
		{CategoryValidation, "field is required", "VALIDATION_REQUIRED"},
		{CategoryValidation, "invalid format", "VALIDATION_INVALID"},
		{CategoryStorage, "key not found", "STORAGE_NOT_FOUND"},
		{CategoryStorage, "version conflict detected", "STORAGE_CONFLICT"},
		{CategoryConcurrency, "instance locked", "CONCURRENCY_CONFLICT"},
		{CategoryWorkflow, "step timeout", "WORKFLOW_TIMEOUT"},
		{CategoryWorkflow, "invalid state transition", "WORKFLOW_STATE"},
		{CategorySerialization, "corrupt document", "SERIALIZATION_CORRUPT"},
	}

	for _, tc := range testCases {
		t.Run(tc.expectedCode, func(t *testing.T) {
			err := NewDomainErrorWithCategory(tc.category, tc.message, nil)
			if err.Code != tc.expectedCode {
				t.Errorf("Expected code %s, got %s", tc.expectedCode, err.Code)
			}
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	err := NewValidationError("test error", nil)

	if !IsDomainError(err) {
		t.Error("Expected IsDomainError to return true")
	}

	if GetErrorCategory(err) != CategoryValidation {
		t.Error("Expected GetErrorCategory to return CategoryValidation")
	}

	if GetErrorSeverity(err) != SeverityError {
		t.Error("Expected GetErrorSeverity to return SeverityError")
	}

	if IsRetryableError(err) {
		t.Error("Expected validation error to not be retryable")
	}

	if !IsUserFacingError(err) {
		t.Error("Expected validation error to be user facing")
	}

	if GetErrorContext(err) == nil {
		t.Error("Expected GetErrorContext to return non-nil context")
	}

	if GetErrorContext(errors.New("plain")) != nil {
		t.Error("Expected nil context for plain errors")
	}
}

func TestErrorIs(t *testing.T) {
	err1 := NewValidationError("invalid input", nil)
	err2 := NewValidationError("invalid format", nil)
	err3 := NewStorageError("write failed", nil)

	if !err1.Is(err2) {
		t.Error("Expected validation errors with same category to be equal")
	}

	if err1.Is(err3) {
		t.Error("Expected validation and storage errors to not be equal")
	}
}

func TestRetryableErrorDetection(t *testing.T) {
	if !IsRetryableError(&AlreadyLockedError{InstanceID: "inst-1"}) {
		t.Error("Expected lock conflicts to be retryable")
	}

	if !IsRetryableError(NewConcurrencyError("lock lost", nil)) {
		t.Error("Expected concurrency error to be retryable")
	}

	if IsRetryableError(NewValidationError("invalid input", nil)) {
		t.Error("Expected validation error to not be retryable")
	}

	if !IsRetryableError(ErrTimeout) {
		t.Error("Expected timeout sentinel to be retryable")
	}

	if IsRetryableError(errors.New("validation failed")) {
		t.Error("Expected plain error to not be retryable")
	}
}

func TestErrorTimestamp(t *testing.T) {
	before := time.Now()
	err := NewStorageError("test", nil)
	after := time.Now()

	if err.Timestamp.Before(before) || err.Timestamp.After(after) {
		t.Error("Expected timestamp to be set at construction")
	}

	if err.Context.Function == "" || err.Context.Line == 0 {
		t.Error("Expected call site to be captured")
	}
}

func TestNotFoundErrorsUnwrap(t *testing.T) {
	if !IsNotFound(&UnknownSpecError{GraphID: "main", SpecID: "x"}) {
		t.Error("Expected UnknownSpecError to match ErrNotFound")
	}

	if !IsNotFound(&TaskNotFoundError{GUID: "g"}) {
		t.Error("Expected TaskNotFoundError to match ErrNotFound")
	}
}

func TestTaskExecutionErrorMessage(t *testing.T) {
	cause := errors.New("boom")
	err := &TaskExecutionError{
		TaskGUID: "g1",
		SpecID:   "charge",
		GraphID:  "child",
		Message:  "boom",
		Line:     3,
		Offset:   7,
		Trace:    []string{"main/call", "child/inner"},
		Cause:    cause,
	}

	want := "task charge (g1) in child failed: boom at line 3, offset 7 [called from main/call > child/inner]"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}

	if !errors.Is(err, cause) {
		t.Error("Expected cause to be reachable")
	}

	te, ok := AsTaskExecutionError(errors.Join(errors.New("other"), err))
	if !ok || te != err {
		t.Error("Expected AsTaskExecutionError to find joined error")
	}
}

func TestMissingValueDetection(t *testing.T) {
	if !IsMissingValue(&ExpressionError{Expression: "a.b", Missing: true}) {
		t.Error("Expected missing flag to be detected")
	}

	if IsMissingValue(&ExpressionError{Expression: "a[", Message: "syntax error"}) {
		t.Error("Expected syntax errors to not count as missing")
	}
}

func TestConfigErrorUnwrap(t *testing.T) {
	err := NewConfigError("engine.max_step_passes", ErrInvalidInput)

	if !errors.Is(err, ErrInvalidInput) {
		t.Error("Expected ConfigError to unwrap to its cause")
	}

	if !strings.Contains(err.Error(), "engine.max_step_passes") {
		t.Errorf("Expected field name in %q", err.Error())
	}
}

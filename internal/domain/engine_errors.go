package domain

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

type UnknownSpecError struct {
	GraphID string
	SpecID  string
}

func (e *UnknownSpecError) Error() string {
	if e.GraphID == "" {
		return fmt.Sprintf("unknown task spec %q", e.SpecID)
	}
	return fmt.Sprintf("unknown task spec %q in graph %q", e.SpecID, e.GraphID)
}

func (e *UnknownSpecError) Unwrap() error { return ErrNotFound }

type TaskNotFoundError struct {
	GUID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task instance %s not found", e.GUID)
}

func (e *TaskNotFoundError) Unwrap() error { return ErrNotFound }

// TaskExecutionError describes a script or service failure with enough detail to
// diagnose it from a persisted document.
type TaskExecutionError struct {
	TaskGUID string
	SpecID   string
	SpecName string
	GraphID  string
	Message  string
	Line     int
	Offset   int
	// Trace lists the enclosing call activities, outermost first, as graph/spec pairs.
	Trace []string
	Cause error
}

func (e *TaskExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "task %s (%s) in %s failed: %s", e.SpecID, e.TaskGUID, e.GraphID, e.Message)
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
		if e.Offset > 0 {
			fmt.Fprintf(&b, ", offset %d", e.Offset)
		}
	}
	if len(e.Trace) > 0 {
		fmt.Fprintf(&b, " [called from %s]", strings.Join(e.Trace, " > "))
	}
	return b.String()
}

func (e *TaskExecutionError) Unwrap() error { return e.Cause }

type NoMatchingConditionError struct {
	TaskGUID string
	SpecID   string
}

func (e *NoMatchingConditionError) Error() string {
	return fmt.Sprintf("task %s (%s): no condition matched and no default flow", e.SpecID, e.TaskGUID)
}

type AlreadyLockedError struct {
	InstanceID string
	Owner      string
	Since      time.Time
}

func (e *AlreadyLockedError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("process instance %s is already locked", e.InstanceID)
	}
	return fmt.Sprintf("process instance %s is already locked by %s since %s", e.InstanceID, e.Owner, e.Since.Format(time.RFC3339))
}

type VersionMigrationError struct {
	Version int
	Oldest  int
	Current int
}

func (e *VersionMigrationError) Error() string {
	return fmt.Sprintf("document schema version %d cannot be migrated (supported %d..%d)", e.Version, e.Oldest, e.Current)
}

type TreeViolation struct {
	GUID   string
	Code   string
	Detail string
}

type CorruptTreeError struct {
	InstanceID string
	Violations []TreeViolation
}

func (e *CorruptTreeError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s %s: %s", v.Code, v.GUID, v.Detail))
	}
	return fmt.Sprintf("corrupt task tree for instance %s: %s", e.InstanceID, strings.Join(parts, "; "))
}

type ExpressionError struct {
	Expression string
	Message    string
	Line       int
	Offset     int
	// Missing is set when the expression is well formed but names absent data.
	Missing bool
	Cause   error
}

func (e *ExpressionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("expression %q: %s (line %d, offset %d)", e.Expression, e.Message, e.Line, e.Offset)
	}
	if e.Offset > 0 {
		return fmt.Sprintf("expression %q: %s (offset %d)", e.Expression, e.Message, e.Offset)
	}
	return fmt.Sprintf("expression %q: %s", e.Expression, e.Message)
}

func (e *ExpressionError) Unwrap() error { return e.Cause }

// BpmnError is a business error raised by a task or an error end event; matching
// error boundary events may catch it.
type BpmnError struct {
	Code    string
	Message string
	Payload map[string]interface{}
}

func (e *BpmnError) Error() string {
	if e.Message == "" {
		return "bpmn error " + e.Code
	}
	return fmt.Sprintf("bpmn error %s: %s", e.Code, e.Message)
}

// PanicError is what a panicking task handler turns into.
type PanicError struct {
	InstanceID string
	TaskGUID   string
	Value      interface{}
	Stack      string
	At         time.Time
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.TaskGUID, e.Value)
}

func NewPanicError(instanceID, taskGUID string, value interface{}) *PanicError {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return &PanicError{
		InstanceID: instanceID,
		TaskGUID:   taskGUID,
		Value:      value,
		Stack:      string(buf[:n]),
		At:         time.Now(),
	}
}

func IsAlreadyLocked(err error) bool {
	var le *AlreadyLockedError
	return errors.As(err, &le)
}

func IsMissingValue(err error) bool {
	var ee *ExpressionError
	return errors.As(err, &ee) && ee.Missing
}

func AsTaskExecutionError(err error) (*TaskExecutionError, bool) {
	var te *TaskExecutionError
	ok := errors.As(err, &te)
	return te, ok
}

package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

type RegistrationError struct {
	Name   string
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("handler %q: %s", e.Name, e.Reason)
}

// Registry is the default TaskExecutor. Service tasks dispatch to the handler
// named by their operation; script tasks dispatch to a handler named by their
// script, or run the script text as assignments.
type Registry struct {
	handlers map[string]ports.TaskHandler
	scripts  *ScriptRunner
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewRegistry(evaluator ports.ExpressionEvaluator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		handlers: make(map[string]ports.TaskHandler),
		scripts:  NewScriptRunner(evaluator),
		logger:   logger.With("component", "executor", "type", "registry"),
	}
}

func (r *Registry) Register(name string, handler ports.TaskHandler) error {
	if name == "" {
		return &RegistrationError{Name: name, Reason: "name cannot be empty"}
	}
	if handler == nil {
		return &RegistrationError{Name: name, Reason: "handler cannot be nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		r.logger.Warn("handler registration conflict detected", "handler", name)
		return &RegistrationError{Name: name, Reason: "handler already registered"}
	}
	r.handlers[name] = handler
	r.logger.Debug("handler registered", "handler", name)
	return nil
}

func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; !exists {
		return domain.NewValidationError("handler not found for unregistration", domain.ErrNotFound, domain.WithDetail("handler", name))
	}
	delete(r.handlers, name)
	return nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Execute(ctx context.Context, spec *domain.TaskSpec, data map[string]interface{}) (map[string]interface{}, error) {
	switch spec.Kind {
	case domain.KindServiceTask:
		name := spec.Operation
		if name == "" {
			name = spec.ID
		}
		handler, ok := r.lookup(name)
		if !ok {
			return nil, domain.NewValidationError("no handler registered for operation", domain.ErrNotFound,
				domain.WithComponent("executor"), domain.WithDetail("operation", name))
		}
		return handler(ctx, data)

	case domain.KindScriptTask:
		if handler, ok := r.lookup(spec.Script); ok {
			return handler(ctx, data)
		}
		return r.scripts.Run(spec.Script, data)

	default:
		return nil, domain.NewValidationError(fmt.Sprintf("kind %s is not executable", spec.Kind), domain.ErrInvalidInput)
	}
}

func (r *Registry) lookup(name string) (ports.TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

package ports

import (
	"context"

	"github.com/eleven-am/procflow/internal/domain"
)

// TaskExecutor runs script and service tasks synchronously within an engine step.
type TaskExecutor interface {
	Execute(ctx context.Context, spec *domain.TaskSpec, data map[string]interface{}) (map[string]interface{}, error)
}

// TaskHandler is one named operation or script backing a TaskExecutor registry.
type TaskHandler func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error)

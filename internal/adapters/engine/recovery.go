package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

// RecoverableExecutor shields an engine step from panicking task handlers.
type RecoverableExecutor struct {
	executor ports.TaskExecutor
	logger   *slog.Logger
}

func NewRecoverableExecutor(executor ports.TaskExecutor, logger *slog.Logger) *RecoverableExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoverableExecutor{
		executor: executor,
		logger:   logger.With("component", "recoverable-executor"),
	}
}

func (re *RecoverableExecutor) ExecuteWithRecovery(
	ctx context.Context,
	instanceID string,
	task *domain.TaskInstance,
	spec *domain.TaskSpec,
) (output map[string]interface{}, err error) {
	startTime := time.Now()

	defer func() {
		if r := recover(); r != nil {
			panicErr := domain.NewPanicError(instanceID, task.GUID, r)

			re.logger.Error("task execution panicked",
				"instance_id", instanceID,
				"task_guid", task.GUID,
				"spec_id", spec.ID,
				"panic_value", r,
				"duration", time.Since(startTime),
				"stack_trace", panicErr.Stack,
			)

			output = nil
			err = panicErr
		}
	}()

	if re.executor == nil {
		return nil, newEngineValidationError(recoveryComponent, "no task executor configured", domain.ErrInvalidConfig,
			domain.WithInstance(instanceID), domain.WithTask(task.GUID))
	}

	re.logger.Debug("executing task with recovery protection",
		"instance_id", instanceID,
		"task_guid", task.GUID,
		"spec_id", spec.ID,
	)

	output, err = re.executor.Execute(ctx, spec, domain.CloneData(task.Data))
	if err == nil {
		re.logger.Debug("task execution completed",
			"instance_id", instanceID,
			"spec_id", spec.ID,
			"duration", time.Since(startTime),
		)
	}
	return output, err
}

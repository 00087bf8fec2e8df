package domain

import (
	"sync/atomic"
	"time"
)

// ExecutionMetrics keeps in-process counters that back Manager.Metrics.
type ExecutionMetrics struct {
	InstancesStarted   int64 `json:"instances_started"`
	InstancesCompleted int64 `json:"instances_completed"`
	InstancesFaulted   int64 `json:"instances_faulted"`
	InstancesSuspended int64 `json:"instances_suspended"`
	InstancesResumed   int64 `json:"instances_resumed"`

	EngineSteps     int64 `json:"engine_steps"`
	StepPasses      int64 `json:"step_passes"`
	StepFailures    int64 `json:"step_failures"`
	TotalStepTimeNs int64 `json:"total_step_time_ns"`

	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`

	EventsDelivered int64 `json:"events_delivered"`
	EventsUnmatched int64 `json:"events_unmatched"`
	LockConflicts   int64 `json:"lock_conflicts"`
}

func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{}
}

func (m *ExecutionMetrics) RecordStep(_ string, passes int, duration time.Duration, err error) {
	atomic.AddInt64(&m.EngineSteps, 1)
	atomic.AddInt64(&m.StepPasses, int64(passes))
	atomic.AddInt64(&m.TotalStepTimeNs, duration.Nanoseconds())
	if err != nil {
		atomic.AddInt64(&m.StepFailures, 1)
	}
}

func (m *ExecutionMetrics) RecordTaskCompleted(TaskKind) {
	atomic.AddInt64(&m.TasksCompleted, 1)
}

func (m *ExecutionMetrics) RecordTaskFailed(TaskKind) {
	atomic.AddInt64(&m.TasksFailed, 1)
}

func (m *ExecutionMetrics) RecordDelivery(_ EventType, matched int) {
	if matched == 0 {
		atomic.AddInt64(&m.EventsUnmatched, 1)
		return
	}
	atomic.AddInt64(&m.EventsDelivered, int64(matched))
}

func (m *ExecutionMetrics) RecordLockConflict() {
	atomic.AddInt64(&m.LockConflicts, 1)
}

func (m *ExecutionMetrics) RecordInstanceStatus(status ProcessStatus) {
	switch status {
	case ProcessRunning:
		atomic.AddInt64(&m.InstancesStarted, 1)
	case ProcessCompleted, ProcessTerminated:
		atomic.AddInt64(&m.InstancesCompleted, 1)
	case ProcessFaulted:
		atomic.AddInt64(&m.InstancesFaulted, 1)
	case ProcessSuspended:
		atomic.AddInt64(&m.InstancesSuspended, 1)
	}
}

func (m *ExecutionMetrics) RecordResumed() {
	atomic.AddInt64(&m.InstancesResumed, 1)
}

func (m *ExecutionMetrics) GetSnapshot() ExecutionMetrics {
	return ExecutionMetrics{
		InstancesStarted:   atomic.LoadInt64(&m.InstancesStarted),
		InstancesCompleted: atomic.LoadInt64(&m.InstancesCompleted),
		InstancesFaulted:   atomic.LoadInt64(&m.InstancesFaulted),
		InstancesSuspended: atomic.LoadInt64(&m.InstancesSuspended),
		InstancesResumed:   atomic.LoadInt64(&m.InstancesResumed),
		EngineSteps:        atomic.LoadInt64(&m.EngineSteps),
		StepPasses:         atomic.LoadInt64(&m.StepPasses),
		StepFailures:       atomic.LoadInt64(&m.StepFailures),
		TotalStepTimeNs:    atomic.LoadInt64(&m.TotalStepTimeNs),
		TasksCompleted:     atomic.LoadInt64(&m.TasksCompleted),
		TasksFailed:        atomic.LoadInt64(&m.TasksFailed),
		EventsDelivered:    atomic.LoadInt64(&m.EventsDelivered),
		EventsUnmatched:    atomic.LoadInt64(&m.EventsUnmatched),
		LockConflicts:      atomic.LoadInt64(&m.LockConflicts),
	}
}

func (m *ExecutionMetrics) AverageStepTime() time.Duration {
	steps := atomic.LoadInt64(&m.EngineSteps)
	if steps == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&m.TotalStepTimeNs) / steps)
}

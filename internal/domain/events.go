package domain

import "time"

type LifecycleType string

const (
	LifecycleProcessStarted    LifecycleType = "process.started"
	LifecycleProcessCompleted  LifecycleType = "process.completed"
	LifecycleProcessTerminated LifecycleType = "process.terminated"
	LifecycleProcessFaulted    LifecycleType = "process.faulted"
	LifecycleProcessSuspended  LifecycleType = "process.suspended"
	LifecycleProcessResumed    LifecycleType = "process.resumed"
	LifecycleTaskCompleted     LifecycleType = "task.completed"
	LifecycleTaskFailed        LifecycleType = "task.failed"
	LifecycleEventUnmatched    LifecycleType = "event.unmatched"
)

type LifecycleEvent struct {
	Type       LifecycleType `json:"type"`
	InstanceID string        `json:"instance_id,omitempty"`
	TaskGUID   string        `json:"task_guid,omitempty"`
	SpecID     string        `json:"spec_id,omitempty"`
	Status     ProcessStatus `json:"status,omitempty"`
	Error      *ErrorRecord  `json:"error,omitempty"`
	Event      *Event        `json:"event,omitempty"`
	At         time.Time     `json:"at"`
}

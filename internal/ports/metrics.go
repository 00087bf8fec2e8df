package ports

import (
	"time"

	"github.com/eleven-am/procflow/internal/domain"
)

type MetricsRecorder interface {
	RecordStep(instanceID string, passes int, duration time.Duration, err error)
	RecordTaskCompleted(kind domain.TaskKind)
	RecordTaskFailed(kind domain.TaskKind)
	RecordDelivery(eventType domain.EventType, matched int)
	RecordLockConflict()
	RecordInstanceStatus(status domain.ProcessStatus)
}

type NopMetrics struct{}

func (NopMetrics) RecordStep(string, int, time.Duration, error) {}
func (NopMetrics) RecordTaskCompleted(domain.TaskKind)          {}
func (NopMetrics) RecordTaskFailed(domain.TaskKind)             {}
func (NopMetrics) RecordDelivery(domain.EventType, int)         {}
func (NopMetrics) RecordLockConflict()                          {}
func (NopMetrics) RecordInstanceStatus(domain.ProcessStatus)    {}

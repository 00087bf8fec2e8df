package metrics

import (
	"time"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

// Fanout forwards every observation to each recorder in order.
type Fanout []ports.MetricsRecorder

var _ ports.MetricsRecorder = Fanout(nil)

func NewFanout(recorders ...ports.MetricsRecorder) Fanout {
	out := make(Fanout, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (f Fanout) RecordStep(instanceID string, passes int, duration time.Duration, err error) {
	for _, r := range f {
		r.RecordStep(instanceID, passes, duration, err)
	}
}

func (f Fanout) RecordTaskCompleted(kind domain.TaskKind) {
	for _, r := range f {
		r.RecordTaskCompleted(kind)
	}
}

func (f Fanout) RecordTaskFailed(kind domain.TaskKind) {
	for _, r := range f {
		r.RecordTaskFailed(kind)
	}
}

func (f Fanout) RecordDelivery(eventType domain.EventType, matched int) {
	for _, r := range f {
		r.RecordDelivery(eventType, matched)
	}
}

func (f Fanout) RecordLockConflict() {
	for _, r := range f {
		r.RecordLockConflict()
	}
}

func (f Fanout) RecordInstanceStatus(status domain.ProcessStatus) {
	for _, r := range f {
		r.RecordInstanceStatus(status)
	}
}

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_CountsSteps(t *testing.T) {
	r := NewRecorder("test")

	r.RecordStep("p1", 3, 2*time.Millisecond, nil)
	r.RecordStep("p1", 1, time.Millisecond, errors.New("boom"))

	assert.Equal(t, float64(1), testutil.ToFloat64(r.steps.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.steps.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.stepDuration))
}

func TestRecorder_TasksAndDeliveries(t *testing.T) {
	r := NewRecorder("")

	r.RecordTaskCompleted(domain.KindScriptTask)
	r.RecordTaskCompleted(domain.KindScriptTask)
	r.RecordTaskFailed(domain.KindServiceTask)
	r.RecordDelivery(domain.EventMessage, 2)
	r.RecordDelivery(domain.EventSignal, 0)
	r.RecordLockConflict()
	r.RecordInstanceStatus(domain.ProcessFaulted)

	assert.Equal(t, float64(2), testutil.ToFloat64(r.tasksCompleted.WithLabelValues(string(domain.KindScriptTask))))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.tasksFailed.WithLabelValues(string(domain.KindServiceTask))))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.deliveries.WithLabelValues(string(domain.EventMessage))))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.unmatched.WithLabelValues(string(domain.EventSignal))))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.lockConflicts))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.statuses.WithLabelValues(string(domain.ProcessFaulted))))
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder("procflow")
	r.RecordLockConflict()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "procflow_instance_lock_conflicts_total"))
}

func TestFanout_ForwardsToEveryRecorder(t *testing.T) {
	a := domain.NewExecutionMetrics()
	b := domain.NewExecutionMetrics()
	f := NewFanout(a, nil, b)

	require.Len(t, f, 2)
	f.RecordTaskCompleted(domain.KindUserTask)
	f.RecordLockConflict()

	assert.Equal(t, int64(1), a.GetSnapshot().TasksCompleted)
	assert.Equal(t, int64(1), b.GetSnapshot().LockConflicts)
}

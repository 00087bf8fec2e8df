package metrics

import (
	"net/http"
	"time"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exports engine activity as Prometheus metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	steps          *prometheus.CounterVec
	stepDuration   prometheus.Histogram
	stepPasses     prometheus.Histogram
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	unmatched      *prometheus.CounterVec
	lockConflicts  prometheus.Counter
	statuses       *prometheus.CounterVec
}

var _ ports.MetricsRecorder = (*Recorder)(nil)

func NewRecorder(namespace string) *Recorder {
	if namespace == "" {
		namespace = "procflow"
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_steps_total",
				Help:      "Total number of engine step calls",
			},
			[]string{"status"},
		),
		stepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_step_duration_seconds",
				Help:      "Duration of engine step calls in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
			},
		),
		stepPasses: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_step_passes",
				Help:      "Passes needed for an engine step to reach a fixed point",
				Buckets:   []float64{1, 2, 3, 5, 10, 25, 50, 100, 1000},
			},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of completed task instances",
			},
			[]string{"kind"},
		),
		tasksFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_failed_total",
				Help:      "Total number of task instances that entered ERROR",
			},
			[]string{"kind"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_deliveries_total",
				Help:      "Total number of events delivered to waiting tasks",
			},
			[]string{"event_type"},
		),
		unmatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_unmatched_total",
				Help:      "Total number of events that matched no waiting task",
			},
			[]string{"event_type"},
		),
		lockConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_lock_conflicts_total",
				Help:      "Total number of operations rejected because the instance was locked",
			},
		),
		statuses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_status_transitions_total",
				Help:      "Total number of process instances entering each status",
			},
			[]string{"status"},
		),
	}

	r.registry.MustRegister(
		r.steps, r.stepDuration, r.stepPasses,
		r.tasksCompleted, r.tasksFailed,
		r.deliveries, r.unmatched,
		r.lockConflicts, r.statuses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry for a /metrics endpoint.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (r *Recorder) RecordStep(_ string, passes int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.steps.WithLabelValues(status).Inc()
	r.stepDuration.Observe(duration.Seconds())
	r.stepPasses.Observe(float64(passes))
}

func (r *Recorder) RecordTaskCompleted(kind domain.TaskKind) {
	r.tasksCompleted.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) RecordTaskFailed(kind domain.TaskKind) {
	r.tasksFailed.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) RecordDelivery(eventType domain.EventType, matched int) {
	if matched == 0 {
		r.unmatched.WithLabelValues(string(eventType)).Inc()
		return
	}
	r.deliveries.WithLabelValues(string(eventType)).Add(float64(matched))
}

func (r *Recorder) RecordLockConflict() {
	r.lockConflicts.Inc()
}

func (r *Recorder) RecordInstanceStatus(status domain.ProcessStatus) {
	r.statuses.WithLabelValues(string(status)).Inc()
}

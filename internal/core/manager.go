package core

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/procflow/internal/adapters/correlation"
	"github.com/eleven-am/procflow/internal/adapters/definitions"
	"github.com/eleven-am/procflow/internal/adapters/engine"
	"github.com/eleven-am/procflow/internal/adapters/events"
	"github.com/eleven-am/procflow/internal/adapters/executor"
	"github.com/eleven-am/procflow/internal/adapters/expression"
	"github.com/eleven-am/procflow/internal/adapters/messaging"
	"github.com/eleven-am/procflow/internal/adapters/metrics"
	"github.com/eleven-am/procflow/internal/adapters/scheduler"
	"github.com/eleven-am/procflow/internal/adapters/serialization"
	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

// Manager owns the loaded process instances of one node and implements the
// programmatic contract: start, step, complete, send events, refresh timers,
// serialize and deserialize.
type Manager struct {
	config *domain.Config
	logger *slog.Logger
	nodeID string
	now    func() time.Time

	definitions *definitions.Registry
	evaluator   ports.ExpressionEvaluator
	handlers    *executor.Registry
	executor    ports.TaskExecutor
	correlation *correlation.Store
	engine      *engine.Engine
	serializer  *serialization.Serializer
	documents   ports.DocumentStore
	locker      ports.InstanceLocker
	events      *events.Manager
	counters    *domain.ExecutionMetrics
	prometheus  *metrics.Recorder
	recorder    ports.MetricsRecorder
	closers     []io.Closer

	mu        sync.RWMutex
	instances map[string]*domain.ProcessInstance

	scheduler *scheduler.Scheduler
	bridge    *messaging.Bridge
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
}

type Option func(*options)

type options struct {
	evaluator ports.ExpressionEvaluator
	executor  ports.TaskExecutor
	documents ports.DocumentStore
	locker    ports.InstanceLocker
	recorders []ports.MetricsRecorder
	now       func() time.Time
}

// WithExecutor replaces the built-in handler registry as the task executor.
func WithExecutor(exec ports.TaskExecutor) Option {
	return func(o *options) { o.executor = exec }
}

func WithEvaluator(evaluator ports.ExpressionEvaluator) Option {
	return func(o *options) { o.evaluator = evaluator }
}

// WithDocumentStore overrides the store selected by storage.backend.
func WithDocumentStore(store ports.DocumentStore) Option {
	return func(o *options) { o.documents = store }
}

// WithLocker overrides the instance locker selected by storage.backend.
func WithLocker(locker ports.InstanceLocker) Option {
	return func(o *options) { o.locker = locker }
}

func WithMetricsRecorder(recorder ports.MetricsRecorder) Option {
	return func(o *options) {
		if recorder != nil {
			o.recorders = append(o.recorders, recorder)
		}
	}
}

// WithClock replaces the wall clock used for start times and timer due dates.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New(config *domain.Config, opts ...Option) (*Manager, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		config.Logger.Error("invalid configuration", "error", err)
		return nil, err
	}

	o := &options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(o)
	}

	logger := config.Logger.With("component", "procflow", "node_id", config.NodeID)

	m := &Manager{
		config:      config,
		logger:      logger,
		nodeID:      config.NodeID,
		now:         o.now,
		definitions: definitions.NewRegistry(logger),
		events:      events.NewManager(logger),
		counters:    domain.NewExecutionMetrics(),
		instances:   make(map[string]*domain.ProcessInstance),
	}

	m.evaluator = o.evaluator
	if m.evaluator == nil {
		m.evaluator = expression.NewEvaluator(logger)
	}
	m.handlers = executor.NewRegistry(m.evaluator, logger)
	m.executor = o.executor
	if m.executor == nil {
		m.executor = m.handlers
	}

	recorders := []ports.MetricsRecorder{m.counters}
	if config.Metrics.Enabled {
		m.prometheus = metrics.NewRecorder(config.Metrics.Namespace)
		recorders = append(recorders, m.prometheus)
	}
	m.recorder = metrics.NewFanout(append(recorders, o.recorders...)...)

	m.documents, m.locker = o.documents, o.locker
	if m.documents == nil || m.locker == nil {
		stores, err := createStores(config, logger)
		if err != nil {
			return nil, err
		}
		if m.documents == nil {
			m.documents = stores.documents
		}
		if m.locker == nil {
			m.locker = stores.locker
		}
		m.closers = stores.closers
	}

	m.correlation = correlation.NewStore(m.evaluator, logger)
	m.engine = engine.New(config.Engine, m.definitions, m.evaluator, m.executor, m.correlation, logger,
		engine.WithClock(m.now), engine.WithMetrics(m.recorder))
	m.serializer = serialization.New(m.definitions, config.Serialization, logger)

	return m, nil
}

// Start launches the timer scheduler, the stale-lock reaper and, when enabled,
// the messaging bridge. Instances already persisted are loaded first so their
// waiting catches take part in correlation.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return domain.NewWorkflowError("manager already started", domain.ErrAlreadyStarted, domain.WithComponent("manager"))
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	if n, err := m.LoadAll(m.ctx); err != nil {
		m.logger.Warn("failed to load persisted instances", "error", err)
	} else if n > 0 {
		m.logger.Info("loaded persisted instances", "count", n)
	}

	sched, err := scheduler.New(m.config.Scheduler, m, m.locker, m.logger)
	if err != nil {
		m.abortStart()
		return err
	}
	if err := sched.Start(m.ctx); err != nil {
		m.abortStart()
		return err
	}
	m.scheduler = sched

	if m.config.Messaging.Enabled {
		bridge, err := messaging.NewBridge(m.config.Messaging, nil, m, m.events, m.logger)
		if err != nil {
			m.abortStart()
			return err
		}
		if err := bridge.Start(m.ctx); err != nil {
			m.abortStart()
			return err
		}
		m.bridge = bridge
	}

	m.logger.Info("manager started", "storage", m.config.Storage.Backend)
	return nil
}

func (m *Manager) abortStart() {
	if m.scheduler != nil {
		m.scheduler.Stop()
		m.scheduler = nil
	}
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.cancel()
}

// Stop halts background work and persists every loaded instance.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return domain.NewWorkflowError("manager not started", domain.ErrNotStarted, domain.WithComponent("manager"))
	}
	m.running = false
	m.mu.Unlock()

	if m.bridge != nil {
		if err := m.bridge.Close(); err != nil {
			m.logger.Warn("failed to close messaging bridge", "error", err)
		}
		m.bridge = nil
	}
	if m.scheduler != nil {
		m.scheduler.Stop()
		m.scheduler = nil
	}
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range m.loadedIDs() {
		if err := m.Save(ctx, id); err != nil && !domain.IsAlreadyLocked(err) {
			m.logger.Warn("failed to persist instance on stop", "instance_id", id, "error", err)
		}
	}
	m.logger.Info("manager stopped")
	return nil
}

// Close releases the stores the manager opened.
func (m *Manager) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.closers = nil
	m.events.Close()
	return first
}

func (m *Manager) Definitions() *definitions.Registry {
	return m.definitions
}

// RegisterDefinitions validates graphs against what is already registered and
// adds them as one unit.
func (m *Manager) RegisterDefinitions(graphs ...*domain.Graph) error {
	return m.definitions.Register(graphs...)
}

// LoadDefinitions reads, validates and registers a YAML or JSON definitions file.
func (m *Manager) LoadDefinitions(path string) ([]string, error) {
	graphs, err := m.definitions.LoadFile(path)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(graphs))
	for _, g := range graphs {
		ids = append(ids, g.ID())
	}
	return ids, nil
}

// RegisterHandler binds a script or service operation name to a handler of the
// built-in executor registry.
func (m *Manager) RegisterHandler(name string, handler ports.TaskHandler) error {
	return m.handlers.Register(name, handler)
}

func (m *Manager) Events() *events.Manager {
	return m.events
}

// Subscribe registers a lifecycle handler; empty types subscribes to everything.
func (m *Manager) Subscribe(types []domain.LifecycleType, handler ports.LifecycleHandler) (string, error) {
	return m.events.Subscribe(types, handler)
}

func (m *Manager) Unsubscribe(id string) error {
	return m.events.Unsubscribe(id)
}

// Metrics returns a snapshot of the in-process counters.
func (m *Manager) Metrics() domain.ExecutionMetrics {
	return m.counters.GetSnapshot()
}

// MetricsHandler serves Prometheus metrics, or nil when metrics are disabled.
func (m *Manager) MetricsHandler() http.Handler {
	if m.prometheus == nil {
		return nil
	}
	return m.prometheus.Handler()
}

func (m *Manager) Locker() ports.InstanceLocker {
	return m.locker
}

func (m *Manager) Serializer() *serialization.Serializer {
	return m.serializer
}

package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/eleven-am/procflow/internal/adapters/correlation"
	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

// Internal data keys the engine keeps on task instances.
const (
	keyBoundaries     = "boundaries"
	keyAttachedTo     = "attached_guid"
	keyCaughtError    = "caught_error"
	keyCaughtCode     = "caught_code"
	keyJoinAbsorbed   = "join_absorbed_by"
	keyJoinArrivals   = "join_arrivals"
	keyNestedRoot     = "nested_root"
	keyTerminated     = "terminated"
	keyTimerFired     = "timer_fired"
	keyTimerRemaining = "timer_remaining"
	keyEventPayload   = "event_payload"
	keyMICardinality  = "mi_cardinality"
	keyMINext         = "mi_next"
	keyMICompleted    = "mi_completed"
	keyMIIndex        = "mi_index"
	keyMIItems        = "mi_items"
	keyMIResults      = "mi_results"
	keyMICollected    = "mi_collected"
)

const defaultMaxStepPasses = 10000

// Engine interprets task graphs. It is synchronous and holds no per-instance
// state; callers serialize calls for the same instance.
type Engine struct {
	config      domain.EngineConfig
	graphs      ports.GraphResolver
	evaluator   ports.ExpressionEvaluator
	executor    *RecoverableExecutor
	correlation ports.CorrelationPort
	metrics     ports.MetricsRecorder
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Engine)

// WithClock replaces the wall clock used for timer due times.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithMetrics(metrics ports.MetricsRecorder) Option {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

func New(
	config domain.EngineConfig,
	graphs ports.GraphResolver,
	evaluator ports.ExpressionEvaluator,
	executor ports.TaskExecutor,
	correlationPort ports.CorrelationPort,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if correlationPort == nil {
		correlationPort = correlation.NewStore(evaluator, logger)
	}
	e := &Engine{
		config:      config,
		graphs:      graphs,
		evaluator:   evaluator,
		executor:    NewRecoverableExecutor(executor, logger),
		correlation: correlationPort,
		metrics:     ports.NopMetrics{},
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StepResult summarizes one DoEngineSteps call.
type StepResult struct {
	Passes    int
	Completed []string
	Failed    []*domain.TaskExecutionError
	Blocked   []*domain.NoMatchingConditionError
	// Finished is set when the top-level root completed during the call.
	Finished bool
}

// Err joins every task failure and blocked gateway of the step.
func (r *StepResult) Err() error {
	if r == nil {
		return nil
	}
	errs := make([]error, 0, len(r.Failed)+len(r.Blocked))
	for _, f := range r.Failed {
		errs = append(errs, f)
	}
	for _, b := range r.Blocked {
		errs = append(errs, b)
	}
	return errors.Join(errs...)
}

type step struct {
	*Engine
	ctx     context.Context
	inst    *domain.ProcessInstance
	tree    *domain.TaskTree
	result  *StepResult
	skip    map[string]bool
	changed bool
}

func (e *Engine) begin(ctx context.Context, inst *domain.ProcessInstance, operation string) (*step, error) {
	if inst == nil || inst.Tree == nil {
		return nil, newEngineValidationError(engineComponent, "process instance has no task tree", domain.ErrInvalidInput,
			domain.WithOperation(operation))
	}
	if inst.Status != domain.ProcessRunning {
		return nil, newEngineError(engineComponent, "process instance is not running", domain.ErrNotRunning,
			domain.WithOperation(operation), domain.WithInstance(inst.ID), domain.WithDetail("status", string(inst.Status)))
	}
	if inst.Joins == nil {
		inst.Joins = make(map[string]*domain.JoinState)
	}
	return &step{
		Engine: e,
		ctx:    ctx,
		inst:   inst,
		tree:   inst.Tree,
		result: &StepResult{},
		skip:   make(map[string]bool),
	}, nil
}

// DoEngineSteps advances inst to a fixed point. Task failures do not stop other
// branches; they are returned joined together with blocked gateways.
func (e *Engine) DoEngineSteps(ctx context.Context, inst *domain.ProcessInstance) (*StepResult, error) {
	s, err := e.begin(ctx, inst, "do_engine_steps")
	if err != nil {
		return nil, err
	}
	start := time.Now()

	if n := s.tree.PrunePredicted(); n > 0 {
		s.logger.Debug("pruned predicted instances", "instance_id", inst.ID, "count", n)
	}

	limit := e.config.MaxStepPasses
	if limit <= 0 {
		limit = defaultMaxStepPasses
	}

	var stepErr error
	for {
		if err := ctx.Err(); err != nil {
			stepErr = err
			break
		}
		if s.result.Passes >= limit {
			stepErr = newEngineError(engineComponent, "engine step did not reach a fixed point", domain.ErrTimeout,
				domain.WithInstance(inst.ID), domain.WithDetail("max_passes", limit))
			break
		}
		s.result.Passes++
		if err := s.pass(); err != nil {
			stepErr = err
			break
		}
		if !s.changed {
			break
		}
	}

	err = errors.Join(stepErr, s.result.Err())
	e.metrics.RecordStep(inst.ID, s.result.Passes, time.Since(start), err)
	if stepErr != nil {
		e.logger.Error("engine step aborted", append(errorLogAttrs(stepErr), "instance_id", inst.ID)...)
	} else {
		e.logger.Debug("engine step finished",
			"instance_id", inst.ID,
			"passes", s.result.Passes,
			"completed", len(s.result.Completed),
			"failed", len(s.result.Failed),
			"blocked", len(s.result.Blocked))
	}
	return s.result, err
}

func (s *step) pass() error {
	s.changed = false
	if err := s.activateAll(); err != nil {
		return err
	}
	if err := s.pollAll(); err != nil {
		return err
	}
	return s.runAll()
}

// CompleteTask finishes a READY manual or user task with the supplied output.
func (e *Engine) CompleteTask(ctx context.Context, inst *domain.ProcessInstance, taskGUID string, data map[string]interface{}) error {
	s, err := e.begin(ctx, inst, "complete_task")
	if err != nil {
		return err
	}
	s.tree.PrunePredicted()

	t, err := s.tree.FindByGUID(taskGUID)
	if err != nil {
		return err
	}
	spec, err := s.tree.SpecOf(t)
	if err != nil {
		return err
	}
	if !spec.Kind.IsManual() {
		return newEngineValidationError(engineComponent, "task is not completed externally", domain.ErrInvalidInput,
			domain.WithInstance(inst.ID), domain.WithTask(taskGUID), domain.WithDetail("kind", string(spec.Kind)))
	}
	if t.State != domain.StateReady {
		return newEngineError(engineComponent, "task is not in READY state", domain.ErrIllegalState,
			domain.WithInstance(inst.ID), domain.WithTask(taskGUID), domain.WithDetail("state", string(t.State)))
	}

	norm, err := domain.NormalizeData(data)
	if err != nil {
		return err
	}
	merged, err := domain.MergeData(t.Data, norm)
	if err != nil {
		return err
	}
	t.Data = merged

	if err := s.proceed(t, spec); err != nil {
		return err
	}
	return s.result.Err()
}

// Predict adds PREDICTED look-ahead children below every live leaf, depth levels
// deep. Predicted instances never run and are pruned by the next step.
func (e *Engine) Predict(inst *domain.ProcessInstance, depth int) (int, error) {
	s, err := e.begin(context.Background(), inst, "predict")
	if err != nil {
		return 0, err
	}
	if depth <= 0 {
		depth = e.config.PredictDepth
	}

	count := 0
	var grow func(parent *domain.TaskInstance, spec *domain.TaskSpec, level int) error
	grow = func(parent *domain.TaskInstance, spec *domain.TaskSpec, level int) error {
		if level == 0 {
			return nil
		}
		for _, out := range spec.Outputs {
			child, err := s.tree.Predict(parent.GUID, out)
			if err != nil {
				return err
			}
			count++
			childSpec, err := s.tree.SpecOf(child)
			if err != nil {
				return err
			}
			if err := grow(child, childSpec, level-1); err != nil {
				return err
			}
		}
		return nil
	}

	for _, t := range s.tree.Tasks() {
		if !t.State.Live() || len(t.Children) > 0 || t.IsRoot() {
			continue
		}
		spec, err := s.tree.SpecOf(t)
		if err != nil {
			return count, err
		}
		if err := grow(t, spec, depth); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (s *step) setState(t *domain.TaskInstance, to domain.TaskState) error {
	if t.State == to {
		return nil
	}
	if err := s.tree.SetState(t, to); err != nil {
		return err
	}
	s.changed = true
	return nil
}

func (s *step) spawn(parent *domain.TaskInstance, specID string) (*domain.TaskInstance, error) {
	child, err := s.tree.CreateChild(parent.GUID, specID)
	if err != nil {
		return nil, err
	}
	s.changed = true
	return child, nil
}

// cancel removes a subtree through the tree and drops its waiting catches.
func (s *step) cancel(guid string) error {
	affected, err := s.tree.RemoveSubtree(guid, s.config.HardDelete)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil
		}
		return err
	}
	for _, t := range affected {
		s.correlation.Unregister(t.GUID)
	}
	if len(affected) > 0 {
		s.changed = true
	}
	return nil
}

func (s *step) cancelBoundaries(t *domain.TaskInstance) error {
	for _, guid := range t.InternalStrings(keyBoundaries) {
		b, err := s.tree.FindByGUID(guid)
		if err != nil || !b.State.Live() {
			continue
		}
		if err := s.cancel(guid); err != nil {
			return err
		}
	}
	return nil
}

// finish completes t and spawns one child per target.
func (s *step) finish(t *domain.TaskInstance, spec *domain.TaskSpec, targets []string) error {
	if err := s.setState(t, domain.StateCompleted); err != nil {
		return err
	}
	s.correlation.Unregister(t.GUID)
	if err := s.cancelBoundaries(t); err != nil {
		return err
	}
	s.metrics.RecordTaskCompleted(spec.Kind)
	s.result.Completed = append(s.result.Completed, t.GUID)

	for _, target := range targets {
		if _, err := s.spawn(t, target); err != nil {
			return err
		}
	}
	s.logger.Debug("task completed",
		"instance_id", s.inst.ID,
		"task_guid", t.GUID,
		"spec_id", spec.ID,
		"targets", targets)
	return nil
}

// fail moves t to ERROR along legal transitions and records the failure.
func (s *step) fail(t *domain.TaskInstance, spec *domain.TaskSpec, cause error) error {
	te := s.executionError(t, spec, cause)
	if t.State == domain.StateFuture || t.State == domain.StateWaiting {
		if err := s.setState(t, domain.StateReady); err != nil {
			return err
		}
	}
	if err := s.setState(t, domain.StateError); err != nil {
		return err
	}
	s.correlation.Unregister(t.GUID)
	if err := s.cancelBoundaries(t); err != nil {
		return err
	}

	s.result.Failed = append(s.result.Failed, te)
	s.metrics.RecordTaskFailed(spec.Kind)
	s.logger.Error("task failed", append(errorLogAttrs(te), "instance_id", s.inst.ID, "task_guid", t.GUID)...)
	return nil
}

func (s *step) executionError(t *domain.TaskInstance, spec *domain.TaskSpec, cause error) *domain.TaskExecutionError {
	te := &domain.TaskExecutionError{
		TaskGUID: t.GUID,
		SpecID:   spec.ID,
		SpecName: spec.Name,
		GraphID:  s.tree.GraphOf(t),
		Message:  cause.Error(),
		Trace:    s.trace(t),
		Cause:    cause,
	}
	var ee *domain.ExpressionError
	if errors.As(cause, &ee) {
		te.Line, te.Offset = ee.Line, ee.Offset
	}
	return te
}

func (s *step) graphOf(t *domain.TaskInstance) (*domain.Graph, error) {
	return s.graphs.Graph(s.tree.GraphOf(t))
}

// guard evaluates a flow condition. Missing variables make the guard false.
func (s *step) guard(t *domain.TaskInstance, expression string) (bool, error) {
	ok, err := s.evaluator.EvaluateBool(expression, t.Data)
	if err != nil {
		if domain.IsMissingValue(err) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

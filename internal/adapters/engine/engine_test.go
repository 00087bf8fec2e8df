package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/procflow/internal/adapters/correlation"
	"github.com/eleven-am/procflow/internal/adapters/definitions"
	"github.com/eleven-am/procflow/internal/adapters/executor"
	"github.com/eleven-am/procflow/internal/adapters/expression"
	"github.com/eleven-am/procflow/internal/domain"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	engine   *Engine
	graphs   *definitions.Registry
	handlers *executor.Registry
	store    *correlation.Store
}

func newFixture(t *testing.T, config domain.EngineConfig, graphs ...*domain.Graph) *fixture {
	t.Helper()
	logger := testLogger()
	evaluator := expression.NewEvaluator(logger)

	registry := definitions.NewRegistry(logger)
	require.NoError(t, registry.Register(graphs...))

	handlers := executor.NewRegistry(evaluator, logger)
	store := correlation.NewStore(evaluator, logger)
	eng := New(config, registry, evaluator, handlers, store, logger, WithClock(func() time.Time { return epoch }))

	return &fixture{engine: eng, graphs: registry, handlers: handlers, store: store}
}

func (f *fixture) start(graphID string, data map[string]interface{}) *domain.ProcessInstance {
	tree := domain.NewTaskTree(f.graphs, graphID, data)
	return domain.NewProcessInstance("inst-1", graphID, tree, epoch)
}

func (f *fixture) step(t *testing.T, inst *domain.ProcessInstance) *StepResult {
	t.Helper()
	res, err := f.engine.DoEngineSteps(context.Background(), inst)
	require.NoError(t, err)
	return res
}

func (f *fixture) complete(t *testing.T, inst *domain.ProcessInstance, specID string, data map[string]interface{}) {
	t.Helper()
	task := only(t, inst, specID)
	require.NoError(t, f.engine.CompleteTask(context.Background(), inst, task.GUID, data))
	f.step(t, inst)
}

func mustGraph(t *testing.T, id string, specs ...*domain.TaskSpec) *domain.Graph {
	t.Helper()
	g, err := domain.NewGraph(id, "", specs)
	require.NoError(t, err)
	return g
}

func instances(inst *domain.ProcessInstance, specID string) []*domain.TaskInstance {
	var out []*domain.TaskInstance
	for _, task := range inst.Tree.Tasks() {
		if task.SpecID == specID {
			out = append(out, task)
		}
	}
	return out
}

func only(t *testing.T, inst *domain.ProcessInstance, specID string) *domain.TaskInstance {
	t.Helper()
	found := instances(inst, specID)
	require.Len(t, found, 1, "instances of %s", specID)
	return found[0]
}

func states(inst *domain.ProcessInstance) map[string]domain.TaskState {
	out := make(map[string]domain.TaskState)
	for _, task := range inst.Tree.Tasks() {
		out[task.GUID] = task.State
	}
	return out
}

func linear(middle ...*domain.TaskSpec) []*domain.TaskSpec {
	specs := []*domain.TaskSpec{{ID: "start", Kind: domain.KindStart}}
	prev := specs[0]
	for _, m := range middle {
		prev.Outputs = []string{m.ID}
		specs = append(specs, m)
		prev = m
	}
	prev.Outputs = []string{"end"}
	return append(specs, &domain.TaskSpec{ID: "end", Kind: domain.KindEnd})
}

func TestScriptFlowCompletes(t *testing.T) {
	g := mustGraph(t, "calc", linear(
		&domain.TaskSpec{ID: "total", Kind: domain.KindScriptTask, Script: "total = amount\nlabel = 'paid'"})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("calc", map[string]interface{}{"amount": 5.0})

	res := f.step(t, inst)

	assert.True(t, res.Finished)
	assert.Equal(t, domain.ProcessCompleted, inst.Status)
	require.NotNil(t, inst.CompletedAt)
	assert.Equal(t, epoch, *inst.CompletedAt)

	root := inst.Tree.Root()
	assert.Equal(t, domain.StateCompleted, root.State)
	assert.Equal(t, 5.0, root.Data["total"])
	assert.Equal(t, "paid", root.Data["label"])
	assert.Empty(t, inst.Tree.Validate())
}

func TestManualTaskWaitsForCompletion(t *testing.T) {
	g := mustGraph(t, "approve", linear(&domain.TaskSpec{ID: "review", Kind: domain.KindUserTask})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("approve", nil)

	res := f.step(t, inst)
	assert.False(t, res.Finished)
	review := only(t, inst, "review")
	assert.Equal(t, domain.StateReady, review.State)

	f.complete(t, inst, "review", map[string]interface{}{"approved": true})

	assert.Equal(t, domain.ProcessCompleted, inst.Status)
	assert.Equal(t, true, inst.Tree.Root().Data["approved"])
}

func TestCompleteTaskRejections(t *testing.T) {
	g := mustGraph(t, "mixed", linear(
		&domain.TaskSpec{ID: "review", Kind: domain.KindUserTask},
		&domain.TaskSpec{ID: "calc", Kind: domain.KindScriptTask, Script: "x = `1`"})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("mixed", nil)
	f.step(t, inst)

	review := only(t, inst, "review")
	require.NoError(t, f.engine.CompleteTask(context.Background(), inst, review.GUID, nil))

	err := f.engine.CompleteTask(context.Background(), inst, review.GUID, nil)
	assert.True(t, errors.Is(err, domain.ErrIllegalState))

	calc := only(t, inst, "calc")
	err = f.engine.CompleteTask(context.Background(), inst, calc.GUID, nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	err = f.engine.CompleteTask(context.Background(), inst, "missing", nil)
	assert.True(t, domain.IsNotFound(err))
}

func TestStepsAreIdempotentAtFixedPoint(t *testing.T) {
	g := mustGraph(t, "approve", linear(&domain.TaskSpec{ID: "review", Kind: domain.KindUserTask})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("approve", nil)

	f.step(t, inst)
	before := states(inst)
	size := inst.Tree.Len()

	res := f.step(t, inst)
	assert.Equal(t, 1, res.Passes)
	assert.Empty(t, res.Completed)
	assert.Equal(t, before, states(inst))
	assert.Equal(t, size, inst.Tree.Len())
}

func TestStepRequiresRunningInstance(t *testing.T) {
	g := mustGraph(t, "approve", linear(&domain.TaskSpec{ID: "review", Kind: domain.KindUserTask})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("approve", nil)
	inst.Status = domain.ProcessSuspended

	_, err := f.engine.DoEngineSteps(context.Background(), inst)
	assert.True(t, errors.Is(err, domain.ErrNotRunning))
}

func TestStepHonoursCancelledContext(t *testing.T) {
	g := mustGraph(t, "approve", linear(&domain.TaskSpec{ID: "review", Kind: domain.KindUserTask})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("approve", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.DoEngineSteps(ctx, inst)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServiceFailureIsRecorded(t *testing.T) {
	g := mustGraph(t, "pay", linear(
		&domain.TaskSpec{ID: "charge", Name: "Charge card", Kind: domain.KindServiceTask, Operation: "charge"})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	require.NoError(t, f.handlers.Register("charge", func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("gateway unavailable")
	}))
	inst := f.start("pay", nil)

	res, err := f.engine.DoEngineSteps(context.Background(), inst)
	require.Error(t, err)
	require.Len(t, res.Failed, 1)

	te := res.Failed[0]
	assert.Equal(t, "charge", te.SpecID)
	assert.Equal(t, "Charge card", te.SpecName)
	assert.Equal(t, "pay", te.GraphID)
	assert.Contains(t, te.Message, "gateway unavailable")

	var asTE *domain.TaskExecutionError
	assert.ErrorAs(t, err, &asTE)
	assert.Equal(t, domain.StateError, only(t, inst, "charge").State)
	assert.Equal(t, domain.StateWaiting, inst.Tree.Root().State)
	assert.Equal(t, domain.ProcessRunning, inst.Status)
}

func TestScriptFailureCarriesLine(t *testing.T) {
	g := mustGraph(t, "calc", linear(
		&domain.TaskSpec{ID: "calc", Kind: domain.KindScriptTask, Script: "a = `1`\nfail upstream down"})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("calc", nil)

	res, err := f.engine.DoEngineSteps(context.Background(), inst)
	require.Error(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 2, res.Failed[0].Line)
}

func TestPanickingHandlerFailsTask(t *testing.T) {
	g := mustGraph(t, "pay", linear(
		&domain.TaskSpec{ID: "charge", Kind: domain.KindServiceTask, Operation: "charge"})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	require.NoError(t, f.handlers.Register("charge", func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
		panic("nil card")
	}))
	inst := f.start("pay", nil)

	res, err := f.engine.DoEngineSteps(context.Background(), inst)
	require.Error(t, err)
	require.Len(t, res.Failed, 1)

	var panicErr *domain.PanicError
	require.ErrorAs(t, res.Failed[0], &panicErr)
	assert.Equal(t, "nil card", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
}

func TestPredictAddsLookAheadAndStepPrunesIt(t *testing.T) {
	g := mustGraph(t, "approve", linear(
		&domain.TaskSpec{ID: "review", Kind: domain.KindUserTask},
		&domain.TaskSpec{ID: "archive", Kind: domain.KindUserTask})...)
	f := newFixture(t, domain.EngineConfig{PredictDepth: 1}, g)
	inst := f.start("approve", nil)
	f.step(t, inst)

	n, err := f.engine.Predict(inst, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, inst.Tree.TasksInState(domain.StatePredicted), 2)

	f.step(t, inst)
	assert.Empty(t, inst.Tree.TasksInState(domain.StatePredicted))
	assert.Empty(t, inst.Tree.Validate())

	n, err = f.engine.Predict(inst, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

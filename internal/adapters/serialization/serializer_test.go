package serialization

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/procflow/internal/adapters/correlation"
	"github.com/eleven-am/procflow/internal/adapters/definitions"
	"github.com/eleven-am/procflow/internal/adapters/engine"
	"github.com/eleven-am/procflow/internal/adapters/executor"
	"github.com/eleven-am/procflow/internal/adapters/expression"
	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/xjson"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	graphs     *definitions.Registry
	store      *correlation.Store
	engine     *engine.Engine
	serializer *Serializer
}

func newHarness(t *testing.T, config domain.SerializationConfig) *harness {
	t.Helper()
	logger := testLogger()
	evaluator := expression.NewEvaluator(logger)
	graphs := definitions.NewRegistry(logger)
	require.NoError(t, graphs.Register(orderGraph(t), reviewGraph(t)))

	store := correlation.NewStore(evaluator, logger)
	eng := engine.New(domain.EngineConfig{}, graphs, evaluator, executor.NewRegistry(evaluator, logger), store, logger,
		engine.WithClock(func() time.Time { return epoch }))
	if config.RepairPolicy == "" {
		config = domain.DefaultSerializationConfig()
	}
	return &harness{graphs: graphs, store: store, engine: eng, serializer: New(graphs, config, logger)}
}

func orderGraph(t *testing.T) *domain.Graph {
	g, err := domain.NewGraph("order", "Order", []*domain.TaskSpec{
		{ID: "start", Kind: domain.KindStart, Outputs: []string{"fork"}},
		{ID: "fork", Kind: domain.KindParallelGateway, Outputs: []string{"pack", "bill", "ship"}},
		{ID: "pack", Kind: domain.KindUserTask, Outputs: []string{"join"}},
		{ID: "bill", Kind: domain.KindUserTask, Outputs: []string{"join"}},
		{ID: "ship", Kind: domain.KindCatchEvent, Outputs: []string{"join"},
			Event: &domain.EventDefinition{Type: domain.EventTimer, Timer: &domain.TimerDefinition{Type: domain.TimerDuration, Expression: "PT30S"}}},
		{ID: "join", Kind: domain.KindParallelGateway, Outputs: []string{"end"}},
		{ID: "end", Kind: domain.KindEnd},
	})
	require.NoError(t, err)
	return g
}

func reviewGraph(t *testing.T) *domain.Graph {
	g, err := domain.NewGraph("review", "Review", []*domain.TaskSpec{
		{ID: "start", Kind: domain.KindStart, Outputs: []string{"split"}},
		{ID: "split", Kind: domain.KindInclusiveGateway, Outputs: []string{"mail", "sms"},
			Conditions: map[string]string{"mail": "x > `0`", "sms": "x > `5`"}},
		{ID: "mail", Kind: domain.KindUserTask, Outputs: []string{"merge"}},
		{ID: "sms", Kind: domain.KindUserTask, Outputs: []string{"merge"}},
		{ID: "merge", Kind: domain.KindInclusiveGateway, Outputs: []string{"end"}},
		{ID: "end", Kind: domain.KindEnd},
	})
	require.NoError(t, err)
	return g
}

func (h *harness) start(t *testing.T, graphID string, data map[string]interface{}) *domain.ProcessInstance {
	t.Helper()
	inst := domain.NewProcessInstance("inst-1", graphID, domain.NewTaskTree(h.graphs, graphID, data), epoch)
	_, err := h.engine.DoEngineSteps(context.Background(), inst)
	require.NoError(t, err)
	return inst
}

func assertSameInstance(t *testing.T, want, got *domain.ProcessInstance) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.DefinitionID, got.DefinitionID)
	assert.Equal(t, want.Status, got.Status)
	assert.True(t, want.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.JoinList(), got.JoinList())

	wantTasks, gotTasks := want.Tree.Tasks(), got.Tree.Tasks()
	require.Len(t, gotTasks, len(wantTasks))
	for i := range wantTasks {
		w, g := wantTasks[i], gotTasks[i]
		assert.Equal(t, w.GUID, g.GUID)
		assert.Equal(t, w.SpecID, g.SpecID)
		assert.Equal(t, w.GraphID, g.GraphID)
		assert.Equal(t, w.State, g.State, "state of %s", w.SpecID)
		assert.Equal(t, w.Parent, g.Parent)
		assert.Equal(t, w.Children, g.Children)
		assert.Equal(t, w.Data, g.Data)
		assert.Equal(t, w.InternalData, g.InternalData)
		assert.Equal(t, w.Scope(), g.Scope())
		assert.True(t, w.UpdatedAt.Equal(g.UpdatedAt))
	}
}

func TestRoundTripAfterRandomSteps(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 20; round++ {
		h := newHarness(t, domain.SerializationConfig{})
		inst := h.start(t, "order", map[string]interface{}{"order_id": "o-1", "lines": []interface{}{1.0, 2.0}})

		for {
			raw, err := h.serializer.Serialize(inst, h.store.Export(inst.ID))
			require.NoError(t, err)
			restored, corr, err := h.serializer.Deserialize(raw)
			require.NoError(t, err)
			assertSameInstance(t, inst, restored)
			assert.Equal(t, h.store.Export(inst.ID), corr)

			var ready []*domain.TaskInstance
			for _, task := range inst.Tree.TasksInState(domain.StateReady) {
				if task.SpecID == "pack" || task.SpecID == "bill" {
					ready = append(ready, task)
				}
			}
			if len(ready) == 0 {
				break
			}
			pick := ready[rng.Intn(len(ready))]
			require.NoError(t, h.engine.CompleteTask(context.Background(), inst, pick.GUID,
				map[string]interface{}{pick.SpecID: rng.Intn(100)}))
			_, err = h.engine.DoEngineSteps(context.Background(), inst)
			require.NoError(t, err)
		}

		pending := h.store.Pending(inst.ID)
		require.Len(t, pending, 1)
		assert.Equal(t, domain.EventTimer, pending[0].Definition.Type)
	}
}

func TestSerializePrunesPredictedChildren(t *testing.T) {
	h := newHarness(t, domain.SerializationConfig{})
	inst := h.start(t, "order", nil)
	before := inst.Tree.Len()

	n, err := h.engine.Predict(inst, 2)
	require.NoError(t, err)
	require.Positive(t, n)

	raw, err := h.serializer.Serialize(inst, h.store.Export(inst.ID))
	require.NoError(t, err)
	assert.Equal(t, before, inst.Tree.Len())

	restored, _, err := h.serializer.Deserialize(raw)
	require.NoError(t, err)
	assert.Empty(t, restored.Tree.TasksInState(domain.StatePredicted))
}

func corruptDocument(t *testing.T, h *harness, edit func(doc *Document)) []byte {
	t.Helper()
	inst := h.start(t, "order", nil)
	doc, err := h.serializer.Document(inst, h.store.Export(inst.ID))
	require.NoError(t, err)
	edit(doc)
	raw, err := xjson.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func taskIndex(doc *Document, specID string) int {
	for i, t := range doc.Tasks {
		if t.SpecID == specID {
			return i
		}
	}
	return -1
}

func violationCodes(t *testing.T, err error) []string {
	t.Helper()
	var corrupt *domain.CorruptTreeError
	require.ErrorAs(t, err, &corrupt)
	assert.NotEmpty(t, corrupt.InstanceID)
	codes := make([]string, 0, len(corrupt.Violations))
	for _, v := range corrupt.Violations {
		codes = append(codes, v.Code)
	}
	return codes
}

func TestDeserializeRejectsCorruptDocuments(t *testing.T) {
	tests := []struct {
		name string
		edit func(doc *Document)
		code string
	}{
		{"dangling child", func(doc *Document) {
			i := taskIndex(doc, "pack")
			doc.Tasks[i].Children = append(doc.Tasks[i].Children, "ghost")
		}, "DANGLING_CHILD"},
		{"dangling parent", func(doc *Document) {
			doc.Tasks[taskIndex(doc, "pack")].Parent = "ghost"
		}, "DANGLING_PARENT"},
		{"duplicate guid", func(doc *Document) {
			doc.Tasks = append(doc.Tasks, doc.Tasks[taskIndex(doc, "pack")])
		}, "DUPLICATE_GUID"},
		{"predicted instance", func(doc *Document) {
			doc.Tasks[taskIndex(doc, "pack")].State = domain.StatePredicted
		}, "PREDICTED"},
		{"unknown spec", func(doc *Document) {
			doc.Tasks[taskIndex(doc, "pack")].SpecID = "unpack"
		}, "UNKNOWN_SPEC"},
		{"pending event on ready task", func(doc *Document) {
			doc.Correlation.Pending[0].TaskGUID = doc.Tasks[taskIndex(doc, "pack")].GUID
		}, "STALE_PENDING"},
		{"parent cycle", func(doc *Document) {
			i, j := taskIndex(doc, "pack"), taskIndex(doc, "bill")
			doc.Tasks[i].Parent = doc.Tasks[j].GUID
			doc.Tasks[j].Parent = doc.Tasks[i].GUID
		}, "CYCLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, domain.SerializationConfig{})
			raw := corruptDocument(t, h, tt.edit)

			_, _, err := h.serializer.Deserialize(raw)
			require.Error(t, err)
			assert.Contains(t, violationCodes(t, err), tt.code)
		})
	}
}

func TestPruneRepairPolicy(t *testing.T) {
	config := domain.DefaultSerializationConfig()
	config.RepairPolicy = domain.RepairPrune
	h := newHarness(t, config)

	var packGUID string
	raw := corruptDocument(t, h, func(doc *Document) {
		i := taskIndex(doc, "pack")
		packGUID = doc.Tasks[i].GUID
		doc.Tasks[i].State = domain.StatePredicted
		j := taskIndex(doc, "bill")
		doc.Tasks[j].Children = append(doc.Tasks[j].Children, "ghost")
	})

	restored, _, err := h.serializer.Deserialize(raw)
	require.NoError(t, err)
	_, err = restored.Tree.FindByGUID(packGUID)
	assert.True(t, domain.IsNotFound(err))
	for _, task := range restored.Tree.Tasks() {
		assert.NotContains(t, task.Children, "ghost")
		assert.NotContains(t, task.Children, packGUID)
	}
	assert.Empty(t, restored.Tree.Validate())
}

func TestGraphHashMismatch(t *testing.T) {
	h := newHarness(t, domain.SerializationConfig{})
	raw := corruptDocument(t, h, func(doc *Document) { doc.Definition.Hash = "stale" })

	_, _, err := h.serializer.Deserialize(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Equal(t, domain.CategorySerialization, domain.GetErrorCategory(err))

	lenient := domain.DefaultSerializationConfig()
	lenient.VerifyGraphHash = false
	_, _, err = New(h.graphs, lenient, testLogger()).Deserialize(raw)
	assert.NoError(t, err)
}

func TestCompressionAboveThreshold(t *testing.T) {
	config := domain.DefaultSerializationConfig()
	config.CompressThreshold = 64
	h := newHarness(t, config)
	inst := h.start(t, "order", map[string]interface{}{"note": "a long enough note to push the document over the threshold"})

	raw, err := h.serializer.Serialize(inst, h.store.Export(inst.ID))
	require.NoError(t, err)
	assert.True(t, isGzip(raw))

	restored, _, err := h.serializer.Deserialize(raw)
	require.NoError(t, err)
	assertSameInstance(t, inst, restored)

	config.CompressThreshold = 0
	plain, err := New(h.graphs, config, testLogger()).Serialize(inst, h.store.Export(inst.ID))
	require.NoError(t, err)
	assert.False(t, isGzip(plain))
	assert.Equal(t, byte('{'), plain[0])
}

func TestDeserializeRejectsUnsupportedVersions(t *testing.T) {
	h := newHarness(t, domain.SerializationConfig{})

	for _, version := range []int{0, CurrentVersion + 1} {
		raw, err := xjson.Marshal(map[string]interface{}{"version": version, "tasks": []interface{}{}})
		require.NoError(t, err)

		inst, _, err := h.serializer.Deserialize(raw)
		assert.Nil(t, inst)
		var vm *domain.VersionMigrationError
		require.ErrorAs(t, err, &vm)
		assert.Equal(t, version, vm.Version)
		assert.Equal(t, OldestVersion, vm.Oldest)
	}

	_, _, err := h.serializer.Deserialize([]byte("not json"))
	assert.Equal(t, domain.CategorySerialization, domain.GetErrorCategory(err))
}

package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/procflow/internal/domain"
)

func TestSequentialLoopCollectsInOrder(t *testing.T) {
	g := mustGraph(t, "batch", append(linear(
		&domain.TaskSpec{ID: "review", Kind: domain.KindMultiInstance, Loop: &domain.LoopCharacteristics{
			Sequential:       true,
			Body:             "work",
			Collection:       "items",
			Cardinality:      "3",
			ElementVar:       "item",
			OutputCollection: "results",
			OutputElement:    "result",
		}}), &domain.TaskSpec{ID: "work", Kind: domain.KindScriptTask, Script: "result = join('-', [item, item])"})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("batch", map[string]interface{}{"items": []interface{}{"a", "b", "c"}})

	f.step(t, inst)

	assert.Equal(t, domain.ProcessCompleted, inst.Status)
	iterations := instances(inst, "work")
	require.Len(t, iterations, 3)
	for i, it := range iterations {
		assert.Equal(t, i, it.InternalInt(keyMIIndex))
		assert.Equal(t, float64(i), it.Data["loop_index"])
		assert.Equal(t, domain.StateCompleted, it.State)
		if i > 0 {
			assert.Less(t, iterations[i-1].Seq(), it.Seq())
		}
	}
	assert.Equal(t, []interface{}{"a-a", "b-b", "c-c"}, inst.Tree.Root().Data["results"])
}

func TestSequentialLoopRunsOneIterationAtATime(t *testing.T) {
	g := mustGraph(t, "batch", append(linear(
		&domain.TaskSpec{ID: "review", Kind: domain.KindMultiInstance, Loop: &domain.LoopCharacteristics{
			Sequential: true, Body: "approve", Cardinality: "2",
		}}), &domain.TaskSpec{ID: "approve", Kind: domain.KindUserTask})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("batch", nil)

	f.step(t, inst)
	require.Len(t, instances(inst, "approve"), 1)

	f.complete(t, inst, "approve", map[string]interface{}{"item": "first"})
	approvals := instances(inst, "approve")
	require.Len(t, approvals, 2)
	assert.Equal(t, domain.StateReady, approvals[1].State)

	require.NoError(t, f.engine.CompleteTask(context.Background(), inst, approvals[1].GUID, map[string]interface{}{"item": "second"}))
	f.step(t, inst)

	assert.Equal(t, domain.ProcessCompleted, inst.Status)
	assert.Equal(t, []interface{}{"first", "second"}, inst.Tree.Root().Data["review_output"])
}

func TestParallelLoopCompletionCondition(t *testing.T) {
	g := mustGraph(t, "vote", append(linear(
		&domain.TaskSpec{ID: "ballot", Kind: domain.KindMultiInstance, Loop: &domain.LoopCharacteristics{
			Body: "cast", Cardinality: "4", CompletionCondition: "nr_of_completed_instances >= `2`",
		}}), &domain.TaskSpec{ID: "cast", Kind: domain.KindUserTask})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("vote", nil)

	f.step(t, inst)
	casts := instances(inst, "cast")
	require.Len(t, casts, 4)

	for _, c := range casts[:2] {
		require.NoError(t, f.engine.CompleteTask(context.Background(), inst, c.GUID, nil))
		f.step(t, inst)
	}

	assert.Equal(t, domain.ProcessCompleted, inst.Status)
	var cancelled int
	for _, c := range instances(inst, "cast") {
		if c.State == domain.StateCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 2, cancelled)
}

func TestEmptyLoopCompletesImmediately(t *testing.T) {
	g := mustGraph(t, "batch", append(linear(
		&domain.TaskSpec{ID: "review", Kind: domain.KindMultiInstance, Loop: &domain.LoopCharacteristics{
			Body: "work", Collection: "items",
		}}), &domain.TaskSpec{ID: "work", Kind: domain.KindUserTask})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("batch", map[string]interface{}{"items": []interface{}{}})

	f.step(t, inst)

	assert.Equal(t, domain.ProcessCompleted, inst.Status)
	assert.Empty(t, instances(inst, "work"))
	assert.Equal(t, []interface{}{}, only(t, inst, "review").Data["review_output"])
}

func TestLoopRejectsBadCardinality(t *testing.T) {
	tests := []struct {
		name string
		loop domain.LoopCharacteristics
		data map[string]interface{}
	}{
		{"negative", domain.LoopCharacteristics{Body: "work", Cardinality: "-1"}, nil},
		{"fractional", domain.LoopCharacteristics{Body: "work", Cardinality: "1.5"}, nil},
		{"collection not a list", domain.LoopCharacteristics{Body: "work", Collection: "items"}, map[string]interface{}{"items": "abc"}},
		{"larger than collection", domain.LoopCharacteristics{Body: "work", Collection: "items", Cardinality: "5"},
			map[string]interface{}{"items": []interface{}{"a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop := tt.loop
			specs := linear(&domain.TaskSpec{ID: "review", Kind: domain.KindMultiInstance, Loop: &loop})
			specs = append(specs, &domain.TaskSpec{ID: "work", Kind: domain.KindUserTask})
			g := mustGraph(t, "batch", specs...)
			f := newFixture(t, domain.EngineConfig{}, g)
			inst := f.start("batch", tt.data)

			res, err := f.engine.DoEngineSteps(context.Background(), inst)
			require.Error(t, err)
			require.Len(t, res.Failed, 1)
			assert.Equal(t, "review", res.Failed[0].SpecID)
			assert.Equal(t, domain.StateError, only(t, inst, "review").State)
		})
	}
}

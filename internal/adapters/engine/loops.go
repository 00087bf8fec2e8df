package engine

import (
	"fmt"

	"github.com/eleven-am/procflow/internal/domain"
)

// startLoop sizes a multi-instance activity and spawns its first iterations.
func (s *step) startLoop(t *domain.TaskInstance, spec *domain.TaskSpec) error {
	if spec.Loop == nil {
		return s.fail(t, spec, fmt.Errorf("multi-instance %s has no loop characteristics", spec.ID))
	}
	items, n, err := s.cardinality(t, spec.Loop)
	if err != nil {
		return s.fail(t, spec, err)
	}

	t.SetInternalInt(keyMICardinality, n)
	t.SetInternalInt(keyMINext, 0)
	t.SetInternalInt(keyMICompleted, 0)
	if items != nil {
		t.SetInternal(keyMIItems, items)
	}
	t.SetInternal(keyMIResults, make([]interface{}, n))

	if n == 0 {
		return nil
	}
	if spec.Loop.Sequential {
		return s.spawnIteration(t, spec, 0)
	}
	for i := 0; i < n; i++ {
		if err := s.spawnIteration(t, spec, i); err != nil {
			return err
		}
	}
	return nil
}

func (s *step) cardinality(t *domain.TaskInstance, loop *domain.LoopCharacteristics) ([]interface{}, int, error) {
	if loop.Collection == "" && loop.Cardinality == "" {
		return nil, 0, fmt.Errorf("loop needs a cardinality or an input collection")
	}

	var items []interface{}
	if loop.Collection != "" {
		v, err := s.evaluator.Evaluate(loop.Collection, t.Data)
		if err != nil {
			return nil, 0, err
		}
		list, ok := v.([]interface{})
		if !ok {
			return nil, 0, fmt.Errorf("loop collection %q is %T, not a list", loop.Collection, v)
		}
		items = list
	}

	n := len(items)
	if loop.Cardinality != "" {
		v, err := s.evaluator.Evaluate(loop.Cardinality, t.Data)
		if err != nil {
			return nil, 0, err
		}
		num, ok := v.(float64)
		if !ok || num < 0 || num != float64(int(num)) {
			return nil, 0, fmt.Errorf("loop cardinality %q is not a non-negative integer: %v", loop.Cardinality, v)
		}
		n = int(num)
		if items != nil && n > len(items) {
			return nil, 0, fmt.Errorf("loop cardinality %d exceeds collection of %d items", n, len(items))
		}
	}
	return items, n, nil
}

func (s *step) spawnIteration(t *domain.TaskInstance, spec *domain.TaskSpec, index int) error {
	child, err := s.spawn(t, spec.Loop.Body)
	if err != nil {
		return err
	}
	child.SetInternalInt(keyMIIndex, index)
	child.Data["loop_index"] = float64(index)
	if items, ok := t.InternalData[keyMIItems].([]interface{}); ok && index < len(items) {
		child.Data[spec.Loop.Element()] = domain.CloneValue(items[index])
	}
	t.SetInternalInt(keyMINext, index+1)
	return nil
}

// pollLoop collects finished iterations in index order, starts the next
// sequential iteration, and readies the activity once the loop is done.
func (s *step) pollLoop(t *domain.TaskInstance, spec *domain.TaskSpec) error {
	if spec.Loop == nil {
		return nil
	}
	n := t.InternalInt(keyMICardinality)
	results, _ := t.InternalData[keyMIResults].([]interface{})
	if len(results) != n {
		grown := make([]interface{}, n)
		copy(grown, results)
		results = grown
	}

	var done, active, failed int
	collected := false
	for _, c := range s.tree.ChildrenOf(t) {
		if _, ok := c.Internal(keyMIIndex); !ok {
			continue
		}
		switch c.State {
		case domain.StateCompleted:
			done++
			if _, ok := c.Internal(keyMICollected); !ok {
				if idx := c.InternalInt(keyMIIndex); idx < n {
					results[idx] = iterationOutput(c, spec.Loop)
				}
				c.SetInternal(keyMICollected, true)
				collected = true
			}
		case domain.StateCancelled:
			done++
		case domain.StateError:
			failed++
		default:
			active++
		}
	}
	t.SetInternal(keyMIResults, results)
	t.SetInternalInt(keyMICompleted, done)

	finished := done >= n && active == 0
	if !finished && collected && spec.Loop.CompletionCondition != "" {
		vars := domain.CloneData(t.Data)
		vars["nr_of_instances"] = float64(n)
		vars["nr_of_completed_instances"] = float64(done)
		vars["nr_of_active_instances"] = float64(active)
		vars[spec.Loop.OutputVar(spec.ID)] = domain.CloneValue(results)
		ok, err := s.evaluator.EvaluateBool(spec.Loop.CompletionCondition, vars)
		if err != nil && !domain.IsMissingValue(err) {
			return s.fail(t, spec, err)
		}
		if ok {
			for _, c := range s.tree.ChildrenOf(t) {
				if _, isIter := c.Internal(keyMIIndex); isIter && c.State.Live() {
					if err := s.cancel(c.GUID); err != nil {
						return err
					}
				}
			}
			finished = true
		}
	}

	if finished {
		t.Data[spec.Loop.OutputVar(spec.ID)] = domain.CloneValue(results)
		return s.setState(t, domain.StateReady)
	}

	next := t.InternalInt(keyMINext)
	if spec.Loop.Sequential && active == 0 && failed == 0 && next < n {
		return s.spawnIteration(t, spec, next)
	}
	return nil
}

// iterationOutput is the configured output element of an iteration, or its
// element variable.
func iterationOutput(c *domain.TaskInstance, loop *domain.LoopCharacteristics) interface{} {
	key := loop.OutputElement
	if key == "" {
		key = loop.Element()
	}
	return domain.CloneValue(c.Data[key])
}

package engine

import (
	"fmt"
	"time"

	"github.com/eleven-am/procflow/internal/adapters/correlation"
	"github.com/eleven-am/procflow/internal/domain"
)

func (s *step) activateAll() error {
	for _, t := range s.tree.TasksInState(domain.StateFuture) {
		if t.State != domain.StateFuture {
			continue
		}
		if err := s.activate(t); err != nil {
			return err
		}
	}
	return nil
}

// activate moves a FUTURE instance to WAITING or READY depending on its kind.
func (s *step) activate(t *domain.TaskInstance) error {
	spec, err := s.tree.SpecOf(t)
	if err != nil {
		return err
	}

	if spec.Kind == domain.KindRoot {
		return s.activateRoot(t)
	}
	if spec.IsJoin() {
		return s.setState(t, domain.StateWaiting)
	}

	switch spec.Kind {
	case domain.KindStart, domain.KindCatchEvent, domain.KindBoundaryEvent:
		if spec.Event.Is(domain.EventNone) {
			return s.setState(t, domain.StateReady)
		}
		if err := s.setState(t, domain.StateWaiting); err != nil {
			return err
		}
		return s.register(t, spec)

	case domain.KindMultiInstance:
		if err := s.setState(t, domain.StateWaiting); err != nil {
			return err
		}
		if err := s.armBoundaries(t, spec); err != nil {
			return err
		}
		return s.startLoop(t, spec)

	case domain.KindSubWorkflow, domain.KindCallActivity:
		if err := s.setState(t, domain.StateWaiting); err != nil {
			return err
		}
		if err := s.armBoundaries(t, spec); err != nil {
			return err
		}
		return s.startNested(t, spec)

	default:
		if err := s.setState(t, domain.StateReady); err != nil {
			return err
		}
		if spec.Kind.IsActivity() {
			return s.armBoundaries(t, spec)
		}
		return nil
	}
}

// activateRoot spawns the start events of the root's graph. Plain start events
// win over event starts when a graph has both.
func (s *step) activateRoot(root *domain.TaskInstance) error {
	if err := s.setState(root, domain.StateWaiting); err != nil {
		return err
	}
	g, err := s.graphs.Graph(root.GraphID)
	if err != nil {
		return err
	}

	starts := g.Starts()
	var plain []string
	for _, id := range starts {
		spec, err := g.GetSpec(id)
		if err != nil {
			return err
		}
		if spec.Event.Is(domain.EventNone) {
			plain = append(plain, id)
		}
	}
	if len(plain) > 0 {
		starts = plain
	}

	for _, id := range starts {
		if _, err := s.spawn(root, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *step) armBoundaries(activity *domain.TaskInstance, spec *domain.TaskSpec) error {
	g, err := s.graphOf(activity)
	if err != nil {
		return err
	}
	for _, id := range g.Boundaries(spec.ID) {
		if err := s.armBoundary(activity, id, 0); err != nil {
			return err
		}
	}
	return nil
}

// armBoundary spawns a waiting boundary instance as a sibling of the activity.
func (s *step) armBoundary(activity *domain.TaskInstance, boundaryID string, fired int) error {
	parent, err := s.tree.FindByGUID(activity.Parent)
	if err != nil {
		return err
	}
	b, err := s.spawn(parent, boundaryID)
	if err != nil {
		return err
	}
	b.SetInternal(keyAttachedTo, activity.GUID)
	if fired > 0 {
		b.SetInternalInt(keyTimerFired, fired)
	}
	activity.AppendInternalString(keyBoundaries, b.GUID)

	if err := s.setState(b, domain.StateWaiting); err != nil {
		return err
	}
	spec, err := s.tree.SpecOf(b)
	if err != nil {
		return err
	}
	return s.register(b, spec)
}

// register hands the timer, message and signal leaves of a catch to correlation.
// Error, escalation and cancel catches are matched by propagation instead.
func (s *step) register(t *domain.TaskInstance, spec *domain.TaskSpec) error {
	for _, leaf := range spec.Event.Flatten() {
		switch leaf.Type {
		case domain.EventTimer:
			due, remaining, err := s.timerDue(t, leaf)
			if err != nil {
				return s.fail(t, spec, err)
			}
			t.SetInternalInt(keyTimerRemaining, remaining)
			if err := s.correlation.RegisterWaiting(s.inst.ID, t.GUID, leaf, nil, &due, remaining); err != nil {
				return s.fail(t, spec, err)
			}

		case domain.EventMessage, domain.EventSignal:
			expectations, err := s.expectations(t, leaf)
			if err != nil {
				return s.fail(t, spec, err)
			}
			if err := s.correlation.RegisterWaiting(s.inst.ID, t.GUID, leaf, expectations, nil, 0); err != nil {
				return s.fail(t, spec, err)
			}
		}
	}
	return nil
}

// timerDue resolves the timer expression against task data, falling back to the
// literal text, and computes the due time from the engine clock.
func (s *step) timerDue(t *domain.TaskInstance, leaf domain.EventDefinition) (time.Time, int, error) {
	if leaf.Timer == nil {
		return time.Time{}, 0, fmt.Errorf("timer event %q has no timer definition", leaf.Name)
	}
	value := leaf.Timer.Expression
	if v, err := s.evaluator.Evaluate(value, t.Data); err == nil {
		if str, ok := v.(string); ok {
			value = str
		}
	}
	return correlation.NextDue(leaf.Timer.Type, value, s.now(), t.InternalInt(keyTimerFired))
}

// expectations evaluates the expected correlation values of a catch. Properties
// whose expression names absent data stay unbound until a message binds them.
func (s *step) expectations(t *domain.TaskInstance, leaf domain.EventDefinition) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for _, prop := range leaf.Correlation {
		if prop.Expected == "" {
			continue
		}
		v, err := s.evaluator.Evaluate(prop.Expected, t.Data)
		if err != nil {
			if domain.IsMissingValue(err) {
				continue
			}
			return nil, err
		}
		out[prop.Key] = v
	}
	return out, nil
}

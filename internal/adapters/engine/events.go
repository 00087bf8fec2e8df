package engine

import (
	"context"

	"github.com/eleven-am/procflow/internal/domain"
)

// CatchEvent delivers a matched event to the waiting catch named by d. Deliveries
// for tasks that are no longer WAITING are stale and dropped.
func (e *Engine) CatchEvent(inst *domain.ProcessInstance, d domain.Delivery) error {
	s, err := e.begin(context.Background(), inst, "catch_event")
	if err != nil {
		return err
	}

	t, err := s.tree.FindByGUID(d.TaskGUID)
	if err != nil {
		if domain.IsNotFound(err) {
			s.logger.Debug("dropping delivery for removed task", "instance_id", inst.ID, "task_guid", d.TaskGUID)
			return nil
		}
		return err
	}
	if t.State != domain.StateWaiting {
		s.logger.Debug("dropping stale delivery",
			"instance_id", inst.ID,
			"task_guid", t.GUID,
			"state", t.State)
		return nil
	}
	spec, err := s.tree.SpecOf(t)
	if err != nil {
		return err
	}

	leaf := matchingLeaf(spec, d.Event)
	s.deliverPayload(t, spec, leaf, d.Event.Payload)
	if d.Event.Type == domain.EventTimer {
		t.SetInternalInt(keyTimerFired, t.InternalInt(keyTimerFired)+1)
	}
	s.correlation.Unregister(t.GUID)
	if err := s.setState(t, domain.StateReady); err != nil {
		return err
	}

	parent, err := s.tree.FindByGUID(t.Parent)
	if err != nil {
		return nil
	}
	parentSpec, err := s.tree.SpecOf(parent)
	if err != nil || parentSpec.Kind != domain.KindEventBasedGateway {
		return nil
	}
	for _, sibling := range s.tree.ChildrenOf(parent) {
		if sibling.GUID == t.GUID || !sibling.State.Live() {
			continue
		}
		if err := s.cancel(sibling.GUID); err != nil {
			return err
		}
	}
	return nil
}

// matchingLeaf picks the definition of spec that an event satisfied.
func matchingLeaf(spec *domain.TaskSpec, ev domain.Event) domain.EventDefinition {
	leaves := spec.Event.Flatten()
	for _, leaf := range leaves {
		if leaf.Type == ev.Type && (leaf.Name == "" || leaf.Name == ev.Name) {
			return leaf
		}
	}
	if len(leaves) > 0 {
		return leaves[0]
	}
	return domain.EventDefinition{Type: ev.Type, Name: ev.Name}
}

// deliverPayload stores an event payload on t. A result variable receives the
// payload whole; otherwise map payloads merge into task data.
func (s *step) deliverPayload(t *domain.TaskInstance, spec *domain.TaskSpec, leaf domain.EventDefinition, payload interface{}) {
	if m, ok := payload.(map[string]interface{}); ok && m == nil {
		payload = nil
	}
	if payload == nil {
		return
	}
	t.SetInternal(keyEventPayload, domain.CloneValue(payload))

	resultVar := leaf.ResultVar
	if resultVar == "" && spec.Event != nil {
		resultVar = spec.Event.ResultVar
	}
	if resultVar != "" {
		t.Data[resultVar] = domain.CloneValue(payload)
		return
	}
	if leaf.Type == domain.EventTimer {
		return
	}
	if m, ok := payload.(map[string]interface{}); ok {
		if merged, err := domain.MergeData(t.Data, m); err == nil {
			t.Data = merged
		}
	}
}

// runThrow completes a throw or end event after sending what it throws.
func (s *step) runThrow(t *domain.TaskInstance, spec *domain.TaskSpec) error {
	for _, leaf := range spec.Event.Flatten() {
		switch leaf.Type {
		case domain.EventMessage, domain.EventSignal:
			ev, err := s.buildEvent(t, leaf)
			if err != nil {
				return s.fail(t, spec, err)
			}
			s.correlation.Throw(s.inst.ID, ev)
			s.logger.Debug("event thrown",
				"instance_id", s.inst.ID,
				"task_guid", t.GUID,
				"type", leaf.Type,
				"name", leaf.Name)

		case domain.EventError:
			payload, err := s.payloadOf(t, leaf)
			if err != nil {
				return s.fail(t, spec, err)
			}
			caught, err := s.propagate(t, false, domain.EventError, leaf.Name, payload)
			if err != nil {
				return err
			}
			if !caught {
				be := &domain.BpmnError{Code: leaf.Name, Message: "uncaught error event"}
				if m, ok := payload.(map[string]interface{}); ok {
					be.Payload = m
				}
				return s.fail(t, spec, be)
			}

		case domain.EventEscalation, domain.EventCancel:
			payload, err := s.payloadOf(t, leaf)
			if err != nil {
				return s.fail(t, spec, err)
			}
			caught, err := s.propagate(t, false, leaf.Type, leaf.Name, payload)
			if err != nil {
				return err
			}
			if !caught {
				s.logger.Debug("uncaught event ignored",
					"instance_id", s.inst.ID,
					"task_guid", t.GUID,
					"type", leaf.Type,
					"name", leaf.Name)
			}

		case domain.EventTerminate:
			if err := s.terminate(t); err != nil {
				return err
			}
		}
	}
	return s.proceed(t, spec)
}

func (s *step) payloadOf(t *domain.TaskInstance, leaf domain.EventDefinition) (interface{}, error) {
	if leaf.Payload == "" {
		return domain.CloneData(t.Data), nil
	}
	v, err := s.evaluator.Evaluate(leaf.Payload, t.Data)
	if err != nil {
		return nil, err
	}
	return domain.CloneValue(v), nil
}

// buildEvent assembles an outgoing message or signal. Correlation values come
// from the expected expression, the retrieval expression or the key itself, in
// that order; values naming absent data are left out.
func (s *step) buildEvent(t *domain.TaskInstance, leaf domain.EventDefinition) (domain.Event, error) {
	payload, err := s.payloadOf(t, leaf)
	if err != nil {
		return domain.Event{}, err
	}
	ev := domain.Event{Type: leaf.Type, Name: leaf.Name, Payload: payload}

	for _, prop := range leaf.Correlation {
		expr := prop.Expected
		if expr == "" {
			expr = prop.Retrieval
		}
		if expr == "" {
			expr = prop.Key
		}
		v, err := s.evaluator.Evaluate(expr, t.Data)
		if err != nil {
			if domain.IsMissingValue(err) {
				continue
			}
			return domain.Event{}, newEngineError(correlateComponent, "failed to evaluate correlation key", err,
				domain.WithInstance(s.inst.ID),
				domain.WithTask(t.GUID),
				domain.WithDetail("key", prop.Key))
		}
		if ev.Correlations == nil {
			ev.Correlations = make(map[string]interface{})
		}
		ev.Correlations[prop.Key] = v
	}
	return ev, nil
}

// propagate offers a thrown error, escalation or cancel to the boundaries of
// origin (when includeSelf) and then of each enclosing activity, innermost
// first. The first waiting boundary that matches fires.
func (s *step) propagate(origin *domain.TaskInstance, includeSelf bool, eventType domain.EventType, code string, payload interface{}) (bool, error) {
	var chain []*domain.TaskInstance
	if includeSelf {
		chain = append(chain, origin)
	}
	chain = append(chain, s.containers(origin)...)

	for _, activity := range chain {
		if !activity.State.Live() {
			continue
		}
		for _, guid := range activity.InternalStrings(keyBoundaries) {
			b, err := s.tree.FindByGUID(guid)
			if err != nil || b.State != domain.StateWaiting {
				continue
			}
			spec, err := s.tree.SpecOf(b)
			if err != nil {
				return false, err
			}
			leaf, ok := catches(spec, eventType, code)
			if !ok {
				continue
			}

			s.correlation.Unregister(b.GUID)
			s.deliverPayload(b, spec, leaf, payload)
			if code != "" {
				b.SetInternal(keyCaughtCode, code)
			}
			if err := s.setState(b, domain.StateReady); err != nil {
				return false, err
			}
			s.logger.Debug("event caught by boundary",
				"instance_id", s.inst.ID,
				"boundary_guid", b.GUID,
				"attached_guid", activity.GUID,
				"type", eventType,
				"code", code)
			return true, nil
		}
	}
	return false, nil
}

// catches reports whether a boundary listens for the event. An unnamed
// definition catches every code of its type.
func catches(spec *domain.TaskSpec, eventType domain.EventType, code string) (domain.EventDefinition, bool) {
	for _, leaf := range spec.Event.Flatten() {
		if leaf.Type != eventType {
			continue
		}
		if leaf.Name == "" || leaf.Name == code {
			return leaf, true
		}
	}
	return domain.EventDefinition{}, false
}

// terminate cancels every other live instance in the scope of t and marks the
// scope root as terminated.
func (s *step) terminate(t *domain.TaskInstance) error {
	scope := t.Scope()
	for _, other := range s.tree.InScope(scope) {
		if other.GUID == t.GUID || !other.State.Live() {
			continue
		}
		if other.GUID == t.Parent || s.isAncestor(other, t) {
			continue
		}
		if err := s.cancel(other.GUID); err != nil {
			return err
		}
	}
	root, err := s.tree.FindByGUID(scope)
	if err != nil {
		return err
	}
	root.SetInternal(keyTerminated, true)
	s.logger.Info("scope terminated", "instance_id", s.inst.ID, "scope", scope, "task_guid", t.GUID)
	return nil
}

func (s *step) isAncestor(candidate, t *domain.TaskInstance) bool {
	for _, a := range s.tree.Ancestors(t) {
		if a.GUID == candidate.GUID {
			return true
		}
	}
	return false
}

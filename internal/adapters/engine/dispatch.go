package engine

import (
	"errors"

	"github.com/eleven-am/procflow/internal/domain"
)

func (s *step) runAll() error {
	for _, t := range s.tree.TasksInState(domain.StateReady) {
		if t.State != domain.StateReady || s.skip[t.GUID] {
			continue
		}
		if err := s.ctx.Err(); err != nil {
			return err
		}
		if err := s.run(t); err != nil {
			return err
		}
	}
	return nil
}

// run executes one READY instance. The switch covers every task kind.
func (s *step) run(t *domain.TaskInstance) error {
	spec, err := s.tree.SpecOf(t)
	if err != nil {
		return err
	}

	switch spec.Kind {
	case domain.KindRoot:
		return s.completeScope(t)

	case domain.KindSimple, domain.KindManualTask, domain.KindUserTask:
		s.skip[t.GUID] = true
		return nil

	case domain.KindScriptTask, domain.KindServiceTask:
		return s.runTask(t, spec)

	case domain.KindExclusiveGateway:
		return s.runExclusive(t, spec)

	case domain.KindInclusiveGateway:
		return s.runInclusive(t, spec)

	case domain.KindParallelGateway, domain.KindEventBasedGateway:
		return s.finish(t, spec, spec.Outputs)

	case domain.KindBoundaryEvent:
		return s.runBoundary(t, spec)

	case domain.KindThrowEvent, domain.KindEnd:
		return s.runThrow(t, spec)

	case domain.KindStart, domain.KindCatchEvent,
		domain.KindMultiInstance, domain.KindSubWorkflow, domain.KindCallActivity:
		return s.proceed(t, spec)

	default:
		return newEngineError(dispatchComponent, "unsupported task kind", domain.ErrInvalidInput,
			domain.WithInstance(s.inst.ID), domain.WithTask(t.GUID), domain.WithDetail("kind", string(spec.Kind)))
	}
}

func (s *step) runTask(t *domain.TaskInstance, spec *domain.TaskSpec) error {
	if _, caught := t.Internal(keyCaughtError); caught {
		s.skip[t.GUID] = true
		return nil
	}

	out, err := s.executor.ExecuteWithRecovery(s.ctx, s.inst.ID, t, spec)
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var be *domain.BpmnError
		if errors.As(err, &be) {
			caught, perr := s.propagate(t, true, domain.EventError, be.Code, be.Payload)
			if perr != nil {
				return perr
			}
			if caught {
				t.SetInternal(keyCaughtError, be.Code)
				s.skip[t.GUID] = true
				return nil
			}
		}
		return s.fail(t, spec, err)
	}

	norm, err := domain.NormalizeData(out)
	if err != nil {
		return s.fail(t, spec, err)
	}
	merged, err := domain.MergeData(t.Data, norm)
	if err != nil {
		return s.fail(t, spec, err)
	}
	t.Data = merged
	return s.proceed(t, spec)
}

// proceed completes t along the flows selected by its conditions.
func (s *step) proceed(t *domain.TaskInstance, spec *domain.TaskSpec) error {
	targets, err := s.selectOutputs(t, spec)
	if err != nil {
		return s.fail(t, spec, err)
	}
	return s.finish(t, spec, targets)
}

// selectOutputs takes every unconditional flow and every flow whose guard holds,
// falling back to the default flow. An activity has already run by now, so a
// dead end fails it under either no-match policy rather than blocking it for a
// rerun.
func (s *step) selectOutputs(t *domain.TaskInstance, spec *domain.TaskSpec) ([]string, error) {
	if len(spec.Conditions) == 0 {
		return spec.Outputs, nil
	}
	var out []string
	for _, target := range spec.Outputs {
		if target == spec.Default {
			continue
		}
		expr, guarded := spec.Conditions[target]
		if !guarded {
			out = append(out, target)
			continue
		}
		ok, err := s.guard(t, expr)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, target)
		}
	}
	if len(out) == 0 && spec.Default != "" {
		out = []string{spec.Default}
	}
	if len(out) == 0 && len(spec.Outputs) > 0 {
		s.logger.Warn("no outgoing flow condition matched",
			"instance_id", s.inst.ID,
			"task_guid", t.GUID,
			"spec_id", spec.ID)
		return nil, &domain.NoMatchingConditionError{TaskGUID: t.GUID, SpecID: spec.ID}
	}
	return out, nil
}

// runExclusive takes the first flow, in output order, whose guard holds.
func (s *step) runExclusive(t *domain.TaskInstance, spec *domain.TaskSpec) error {
	selected := ""
	for _, target := range spec.Outputs {
		if target == spec.Default {
			continue
		}
		expr, guarded := spec.Conditions[target]
		if !guarded {
			selected = target
			break
		}
		ok, err := s.guard(t, expr)
		if err != nil {
			return s.fail(t, spec, err)
		}
		if ok {
			selected = target
			break
		}
	}
	if selected == "" {
		selected = spec.Default
	}
	if selected == "" {
		return s.noMatch(t, spec)
	}
	return s.finish(t, spec, []string{selected})
}

// runInclusive takes every flow whose guard holds and records the branch count
// for the paired join.
func (s *step) runInclusive(t *domain.TaskInstance, spec *domain.TaskSpec) error {
	var selected []string
	for _, target := range spec.Outputs {
		if target == spec.Default {
			continue
		}
		expr, guarded := spec.Conditions[target]
		if !guarded {
			selected = append(selected, target)
			continue
		}
		ok, err := s.guard(t, expr)
		if err != nil {
			return s.fail(t, spec, err)
		}
		if ok {
			selected = append(selected, target)
		}
	}
	if len(selected) == 0 && spec.Default != "" {
		selected = []string{spec.Default}
	}
	if len(selected) == 0 {
		return s.noMatch(t, spec)
	}

	if spec.Join != "" && len(spec.Outputs) > 1 {
		s.inst.Joins[domain.JoinKey(t.Scope(), spec.Join)] = &domain.JoinState{
			Scope:    t.Scope(),
			JoinID:   spec.Join,
			Expected: len(selected),
			ForkGUID: t.GUID,
		}
	}
	return s.finish(t, spec, selected)
}

// noMatch blocks the gateway in READY for a later retry, or fails it when the
// engine is configured to.
func (s *step) noMatch(t *domain.TaskInstance, spec *domain.TaskSpec) error {
	nm := &domain.NoMatchingConditionError{TaskGUID: t.GUID, SpecID: spec.ID}
	if s.config.NoMatchPolicy == domain.NoMatchError {
		return s.fail(t, spec, nm)
	}
	s.skip[t.GUID] = true
	s.result.Blocked = append(s.result.Blocked, nm)
	s.logger.Warn("gateway blocked without a matching condition",
		"instance_id", s.inst.ID,
		"task_guid", t.GUID,
		"spec_id", spec.ID)
	return nil
}

// runBoundary continues from a fired boundary event. Interrupting boundaries
// cancel the attached activity and its other boundaries; non-interrupting ones
// re-arm while the activity is live.
func (s *step) runBoundary(t *domain.TaskInstance, spec *domain.TaskSpec) error {
	attached, err := s.tree.FindByGUID(t.InternalString(keyAttachedTo))
	if err != nil {
		attached = nil
	}

	if attached != nil {
		switch {
		case !spec.NonInterrupting:
			if attached.State.Live() {
				if err := s.cancel(attached.GUID); err != nil {
					return err
				}
			}
			for _, guid := range attached.InternalStrings(keyBoundaries) {
				if guid == t.GUID {
					continue
				}
				sibling, err := s.tree.FindByGUID(guid)
				if err != nil || !sibling.State.Live() {
					continue
				}
				if err := s.cancel(guid); err != nil {
					return err
				}
			}
		case attached.State.Live() && rearms(t, spec):
			if err := s.armBoundary(attached, spec.ID, t.InternalInt(keyTimerFired)); err != nil {
				return err
			}
		}
	}
	return s.proceed(t, spec)
}

// rearms reports whether a non-interrupting boundary listens again after firing.
// Timers re-arm only while cycle repetitions remain.
func rearms(t *domain.TaskInstance, spec *domain.TaskSpec) bool {
	if spec.Event.Is(domain.EventTimer) {
		return t.InternalInt(keyTimerRemaining) != 0
	}
	return true
}

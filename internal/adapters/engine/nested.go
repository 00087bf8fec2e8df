package engine

import (
	"fmt"

	"github.com/eleven-am/procflow/internal/domain"
)

// startNested begins the called graph as a nested tree under t.
func (s *step) startNested(t *domain.TaskInstance, spec *domain.TaskSpec) error {
	data, err := s.mapData(spec.InputMappings, t.Data)
	if err != nil {
		return s.fail(t, spec, err)
	}
	root, err := s.tree.CreateNestedRoot(t.GUID, spec.CalledElement, data)
	if err != nil {
		return s.fail(t, spec, err)
	}
	s.changed = true
	t.SetInternal(keyNestedRoot, root.GUID)

	s.logger.Debug("nested process started",
		"instance_id", s.inst.ID,
		"task_guid", t.GUID,
		"called_element", spec.CalledElement)
	return nil
}

// pollNested maps a finished nested tree back into the calling task.
func (s *step) pollNested(t *domain.TaskInstance, spec *domain.TaskSpec) error {
	root, err := s.tree.FindByGUID(t.InternalString(keyNestedRoot))
	if err != nil {
		return s.fail(t, spec, fmt.Errorf("nested root of %s is missing: %w", spec.ID, err))
	}
	if root.State != domain.StateCompleted {
		return nil
	}

	out, err := s.mapData(spec.OutputMappings, root.Data)
	if err != nil {
		return s.fail(t, spec, err)
	}
	merged, err := domain.MergeData(t.Data, out)
	if err != nil {
		return err
	}
	t.Data = merged
	return s.setState(t, domain.StateReady)
}

// mapData copies values across a call boundary. Without mappings every variable
// is copied.
func (s *step) mapData(mappings []domain.DataMapping, src map[string]interface{}) (map[string]interface{}, error) {
	if len(mappings) == 0 {
		return domain.CloneData(src), nil
	}
	out := make(map[string]interface{}, len(mappings))
	for _, m := range mappings {
		v, err := s.evaluator.Evaluate(m.Source, src)
		if err != nil {
			return nil, err
		}
		target := m.Target
		if target == "" {
			target = m.Source
		}
		out[target] = domain.CloneValue(v)
	}
	return out, nil
}

// completeScope finishes a scope root, folding the data of its completed end
// events into the root.
func (s *step) completeScope(root *domain.TaskInstance) error {
	data := domain.CloneData(root.Data)
	for _, t := range s.tree.InScope(root.GUID) {
		if t.State != domain.StateCompleted {
			continue
		}
		spec, err := s.tree.SpecOf(t)
		if err != nil {
			return err
		}
		if spec.Kind != domain.KindEnd {
			continue
		}
		if data, err = domain.MergeData(data, t.Data); err != nil {
			return err
		}
	}
	root.Data = data
	if err := s.setState(root, domain.StateCompleted); err != nil {
		return err
	}

	if root.GUID != s.tree.Root().GUID {
		return nil
	}
	now := s.now()
	s.inst.CompletedAt = &now
	s.inst.Status = domain.ProcessCompleted
	if terminated, _ := root.Internal(keyTerminated); terminated == true {
		s.inst.Status = domain.ProcessTerminated
	}
	s.result.Finished = true
	s.logger.Info("process instance finished", "instance_id", s.inst.ID, "status", s.inst.Status)
	return nil
}

// containers lists the activities enclosing t, innermost first: the callers of
// nested trees and the multi-instance parents of iterations.
func (s *step) containers(t *domain.TaskInstance) []*domain.TaskInstance {
	var out []*domain.TaskInstance
	for cur := t; cur.Parent != ""; {
		parent, err := s.tree.FindByGUID(cur.Parent)
		if err != nil {
			break
		}
		if _, iteration := cur.Internal(keyMIIndex); cur.IsRoot() || iteration {
			out = append(out, parent)
		}
		cur = parent
	}
	return out
}

// trace renders the enclosing call chain of t, outermost first.
func (s *step) trace(t *domain.TaskInstance) []string {
	cs := s.containers(t)
	out := make([]string, 0, len(cs))
	for i := len(cs) - 1; i >= 0; i-- {
		out = append(out, s.tree.GraphOf(cs[i])+"/"+cs[i].SpecID)
	}
	return out
}

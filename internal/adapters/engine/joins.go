package engine

import (
	"github.com/eleven-am/procflow/internal/domain"
)

func (s *step) pollAll() error {
	groups := make(map[string][]*domain.TaskInstance)
	var order []string

	for _, t := range s.tree.TasksInState(domain.StateWaiting) {
		if t.State != domain.StateWaiting {
			continue
		}
		spec, err := s.tree.SpecOf(t)
		if err != nil {
			return err
		}

		switch {
		case spec.Kind == domain.KindRoot:
			err = s.pollRoot(t)
		case spec.IsJoin():
			key := domain.JoinKey(t.Scope(), spec.ID)
			if _, ok := groups[key]; !ok {
				order = append(order, key)
			}
			groups[key] = append(groups[key], t)
		case spec.Kind == domain.KindMultiInstance:
			err = s.pollLoop(t, spec)
		case spec.Kind == domain.KindSubWorkflow || spec.Kind == domain.KindCallActivity:
			err = s.pollNested(t, spec)
		}
		if err != nil {
			return err
		}
	}

	for _, key := range order {
		if err := s.pollJoin(key, groups[key]); err != nil {
			return err
		}
	}
	return nil
}

// pollRoot readies a scope root once nothing in its scope can still run. A failed
// task keeps the scope open.
func (s *step) pollRoot(root *domain.TaskInstance) error {
	for _, t := range s.tree.InScope(root.GUID) {
		if t.State.Live() || t.State == domain.StateError {
			return nil
		}
	}
	return s.setState(root, domain.StateReady)
}

// pollJoin fires a join once one arrival per expected incoming branch is waiting.
// The latest of the consumed arrivals carries the merged data forward; the others
// are absorbed.
func (s *step) pollJoin(key string, arrivals []*domain.TaskInstance) error {
	first := arrivals[0]
	spec, err := s.tree.SpecOf(first)
	if err != nil {
		return err
	}

	expected := len(spec.Inputs)
	record, tracked := s.inst.Joins[key]
	if spec.Kind == domain.KindInclusiveGateway && tracked {
		expected = record.Expected
	}
	if expected <= 0 {
		expected = 1
	}

	seen := make(map[string]bool)
	var picked []*domain.TaskInstance
	for _, a := range arrivals {
		source, err := s.arrivalSource(a)
		if err != nil {
			return err
		}
		if seen[source] {
			continue
		}
		seen[source] = true
		picked = append(picked, a)
		if len(picked) == expected {
			break
		}
	}
	if len(picked) < expected {
		return nil
	}

	winner := picked[len(picked)-1]
	merged := map[string]interface{}{}
	guids := make([]string, 0, len(picked))
	for _, a := range picked {
		if merged, err = domain.MergeData(merged, a.Data); err != nil {
			return err
		}
		guids = append(guids, a.GUID)
	}

	for _, a := range picked[:len(picked)-1] {
		a.SetInternal(keyJoinAbsorbed, winner.GUID)
		if err := s.setState(a, domain.StateReady); err != nil {
			return err
		}
		if err := s.setState(a, domain.StateCompleted); err != nil {
			return err
		}
		s.result.Completed = append(s.result.Completed, a.GUID)
	}

	winner.Data = merged
	winner.SetInternalStrings(keyJoinArrivals, guids)
	if tracked {
		delete(s.inst.Joins, key)
	}

	s.logger.Debug("join fired",
		"instance_id", s.inst.ID,
		"spec_id", spec.ID,
		"arrivals", len(picked))
	return s.setState(winner, domain.StateReady)
}

// arrivalSource is the incoming spec a join instance arrived from.
func (s *step) arrivalSource(t *domain.TaskInstance) (string, error) {
	parent, err := s.tree.FindByGUID(t.Parent)
	if err != nil {
		return "", err
	}
	return parent.SpecID, nil
}

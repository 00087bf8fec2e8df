package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/eleven-am/procflow/internal/xjson"
)

// Graph is the immutable definition of one process. Specs are stored in an arena
// keyed by id; edges are id lists.
type Graph struct {
	id         string
	name       string
	specs      map[string]*TaskSpec
	order      []string
	boundaries map[string][]string
	starts     []string
	reach      map[string]map[string]struct{}
	hash       string
}

// NewGraph validates the specs and freezes them into a Graph. Empty input lists are
// derived from the outputs of the other specs, preserving declaration order.
func NewGraph(id, name string, specs []*TaskSpec) (*Graph, error) {
	if id == "" {
		return nil, NewValidationError("graph id is required", ErrInvalidInput)
	}

	g := &Graph{
		id:         id,
		name:       name,
		specs:      make(map[string]*TaskSpec, len(specs)),
		order:      make([]string, 0, len(specs)),
		boundaries: make(map[string][]string),
	}

	derive := make(map[string]bool)
	for _, s := range specs {
		if s == nil || s.ID == "" {
			return nil, NewValidationError("task spec id is required", ErrInvalidInput, WithDetail("graph", id))
		}
		if _, dup := g.specs[s.ID]; dup {
			return nil, NewValidationError("duplicate task spec id", ErrInvalidInput, WithDetail("spec", s.ID))
		}
		if !s.Kind.Valid() {
			return nil, NewValidationError(fmt.Sprintf("task spec %s has invalid kind %q", s.ID, s.Kind), ErrInvalidInput)
		}
		c := copySpec(s)
		derive[c.ID] = len(c.Inputs) == 0
		g.specs[c.ID] = c
		g.order = append(g.order, c.ID)
	}

	for _, sid := range g.order {
		s := g.specs[sid]
		for _, out := range s.Outputs {
			target, ok := g.specs[out]
			if !ok {
				return nil, &UnknownSpecError{GraphID: id, SpecID: out}
			}
			if derive[out] && !contains(target.Inputs, sid) {
				target.Inputs = append(target.Inputs, sid)
			}
		}
	}

	for _, sid := range g.order {
		s := g.specs[sid]
		if err := g.checkRefs(s); err != nil {
			return nil, err
		}
		if s.Kind == KindBoundaryEvent {
			g.boundaries[s.AttachedTo] = append(g.boundaries[s.AttachedTo], s.ID)
		}
		if s.Kind == KindStart && len(s.Inputs) == 0 {
			g.starts = append(g.starts, s.ID)
		}
	}
	if len(g.starts) == 0 {
		return nil, NewValidationError("graph has no start event", ErrInvalidInput, WithDetail("graph", id))
	}

	g.computeReachability()
	for _, sid := range g.order {
		s := g.specs[sid]
		if s.Kind == KindInclusiveGateway && len(s.Outputs) > 1 && s.Join == "" {
			s.Join = g.pairJoin(s)
		}
	}

	hash, err := g.computeHash()
	if err != nil {
		return nil, err
	}
	g.hash = hash
	return g, nil
}

func (g *Graph) checkRefs(s *TaskSpec) error {
	refs := append([]string{}, s.Inputs...)
	if s.Default != "" {
		if !contains(s.Outputs, s.Default) {
			return NewValidationError(fmt.Sprintf("default flow of %s is not an output", s.ID), ErrInvalidInput)
		}
	}
	for target := range s.Conditions {
		if !contains(s.Outputs, target) {
			return NewValidationError(fmt.Sprintf("condition of %s targets %s which is not an output", s.ID, target), ErrInvalidInput)
		}
	}
	if s.Join != "" {
		refs = append(refs, s.Join)
	}
	switch s.Kind {
	case KindBoundaryEvent:
		if s.AttachedTo == "" {
			return NewValidationError(fmt.Sprintf("boundary event %s is not attached", s.ID), ErrInvalidInput)
		}
		refs = append(refs, s.AttachedTo)
	case KindMultiInstance:
		if s.Loop == nil || s.Loop.Body == "" {
			return NewValidationError(fmt.Sprintf("multi-instance %s has no loop body", s.ID), ErrInvalidInput)
		}
		refs = append(refs, s.Loop.Body)
	case KindSubWorkflow, KindCallActivity:
		if s.CalledElement == "" {
			return NewValidationError(fmt.Sprintf("%s has no called element", s.ID), ErrInvalidInput)
		}
	}
	for _, ref := range refs {
		if _, ok := g.specs[ref]; !ok {
			return &UnknownSpecError{GraphID: g.id, SpecID: ref}
		}
	}
	if s.Kind == KindBoundaryEvent && !g.specs[s.AttachedTo].Kind.IsActivity() {
		return NewValidationError(fmt.Sprintf("boundary event %s attached to non-activity %s", s.ID, s.AttachedTo), ErrInvalidInput)
	}
	return nil
}

func (g *Graph) ID() string   { return g.id }
func (g *Graph) Name() string { return g.name }

// Hash is the content hash documents use to reference the definition.
func (g *Graph) Hash() string { return g.hash }

func (g *Graph) GetSpec(id string) (*TaskSpec, error) {
	s, ok := g.specs[id]
	if !ok {
		return nil, &UnknownSpecError{GraphID: g.id, SpecID: id}
	}
	return s, nil
}

func (g *Graph) Outgoing(id string) ([]string, error) {
	s, err := g.GetSpec(id)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), s.Outputs...), nil
}

func (g *Graph) Incoming(id string) ([]string, error) {
	s, err := g.GetSpec(id)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), s.Inputs...), nil
}

// Boundaries lists the boundary events attached to an activity in declaration order.
func (g *Graph) Boundaries(activityID string) []string {
	return append([]string(nil), g.boundaries[activityID]...)
}

func (g *Graph) Starts() []string {
	return append([]string(nil), g.starts...)
}

func (g *Graph) SpecIDs() []string {
	return append([]string(nil), g.order...)
}

// CanReach reports whether to is reachable from from along sequence flows.
func (g *Graph) CanReach(from, to string) bool {
	_, ok := g.reach[from][to]
	return ok
}

func (g *Graph) computeReachability() {
	g.reach = make(map[string]map[string]struct{}, len(g.order))
	for _, sid := range g.order {
		seen := make(map[string]struct{})
		queue := append([]string(nil), g.specs[sid].Outputs...)
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if _, ok := seen[cur]; ok {
				continue
			}
			seen[cur] = struct{}{}
			queue = append(queue, g.specs[cur].Outputs...)
		}
		g.reach[sid] = seen
	}
}

// pairJoin finds the closest inclusive join reachable from every output of fork.
func (g *Graph) pairJoin(fork *TaskSpec) string {
	best, bestDist := "", -1
	for _, cand := range g.order {
		c := g.specs[cand]
		if c.Kind != KindInclusiveGateway || len(c.Inputs) < 2 || cand == fork.ID {
			continue
		}
		worst := 0
		ok := true
		for _, out := range fork.Outputs {
			d := g.distance(out, cand)
			if d < 0 {
				ok = false
				break
			}
			if d > worst {
				worst = d
			}
		}
		if ok && (bestDist < 0 || worst < bestDist) {
			best, bestDist = cand, worst
		}
	}
	return best
}

func (g *Graph) distance(from, to string) int {
	if from == to {
		return 0
	}
	dist := map[string]int{from: 0}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.specs[cur].Outputs {
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = dist[cur] + 1
			if next == to {
				return dist[next]
			}
			queue = append(queue, next)
		}
	}
	return -1
}

func (g *Graph) computeHash() (string, error) {
	ids := append([]string(nil), g.order...)
	sort.Strings(ids)
	canonical := struct {
		ID    string      `json:"id"`
		Name  string      `json:"name"`
		Specs []*TaskSpec `json:"specs"`
	}{ID: g.id, Name: g.name}
	for _, sid := range ids {
		canonical.Specs = append(canonical.Specs, g.specs[sid])
	}
	raw, err := xjson.Marshal(canonical)
	if err != nil {
		return "", NewSerializationError("failed to hash graph", err, WithDetail("graph", g.id))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func copySpec(s *TaskSpec) *TaskSpec {
	c := *s
	c.Inputs = append([]string(nil), s.Inputs...)
	c.Outputs = append([]string(nil), s.Outputs...)
	if s.Conditions != nil {
		c.Conditions = make(map[string]string, len(s.Conditions))
		for k, v := range s.Conditions {
			c.Conditions[k] = v
		}
	}
	if s.Loop != nil {
		loop := *s.Loop
		c.Loop = &loop
	}
	if s.Event != nil {
		ev := copyEvent(*s.Event)
		c.Event = &ev
	}
	c.InputMappings = append([]DataMapping(nil), s.InputMappings...)
	c.OutputMappings = append([]DataMapping(nil), s.OutputMappings...)
	return &c
}

func copyEvent(d EventDefinition) EventDefinition {
	if d.Timer != nil {
		timer := *d.Timer
		d.Timer = &timer
	}
	d.Correlation = append([]CorrelationProperty(nil), d.Correlation...)
	if d.Definitions != nil {
		nested := make([]EventDefinition, len(d.Definitions))
		for i := range d.Definitions {
			nested[i] = copyEvent(d.Definitions[i])
		}
		d.Definitions = nested
	}
	return d
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

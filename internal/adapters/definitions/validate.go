package definitions

import (
	"fmt"
	"strings"

	"github.com/eleven-am/procflow/internal/domain"
)

type Finding struct {
	GraphID string
	SpecID  string
	Code    string
	Message string
}

type ValidationResult struct {
	Errors   []Finding
	Warnings []Finding
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	parts := make([]string, 0, len(r.Errors))
	for _, f := range r.Errors {
		parts = append(parts, fmt.Sprintf("%s %s/%s: %s", f.Code, f.GraphID, f.SpecID, f.Message))
	}
	return domain.NewValidationError("invalid definition: "+strings.Join(parts, "; "), domain.ErrInvalidInput,
		domain.WithComponent("definitions"))
}

func (r *ValidationResult) addError(graphID, specID, code, message string) {
	r.Errors = append(r.Errors, Finding{GraphID: graphID, SpecID: specID, Code: code, Message: message})
}

func (r *ValidationResult) addWarning(graphID, specID, code, message string) {
	r.Warnings = append(r.Warnings, Finding{GraphID: graphID, SpecID: specID, Code: code, Message: message})
}

// Validate checks graphs for problems NewGraph cannot see on its own: call targets
// across graphs, routing shapes and unreachable specs.
func Validate(graphs []*domain.Graph, known map[string]*domain.Graph) *ValidationResult {
	result := &ValidationResult{}
	for _, g := range graphs {
		validateRouting(g, result)
		validateCalls(g, known, result)
		validateReachability(g, result)
	}
	return result
}

func validateRouting(g *domain.Graph, result *ValidationResult) {
	for _, id := range g.SpecIDs() {
		s, _ := g.GetSpec(id)
		if s.Kind.IsGateway() && len(s.Outputs) == 0 {
			result.addError(g.ID(), id, "GATEWAY_WITHOUT_OUTPUTS", "gateway has no outgoing flows")
		}
		switch s.Kind {
		case domain.KindEnd:
			if len(s.Outputs) > 0 {
				result.addError(g.ID(), id, "END_WITH_OUTPUTS", "end events cannot have outgoing flows")
			}
		case domain.KindEventBasedGateway:
			outputs, _ := g.Outgoing(id)
			for _, out := range outputs {
				target, _ := g.GetSpec(out)
				if target.Kind != domain.KindCatchEvent {
					result.addError(g.ID(), id, "EVENT_GATEWAY_TARGET", fmt.Sprintf("output %s is not a catch event", out))
				}
			}
		case domain.KindCatchEvent, domain.KindBoundaryEvent:
			if s.Event == nil || s.Event.Type == domain.EventNone {
				result.addError(g.ID(), id, "CATCH_WITHOUT_EVENT", "catching event has no event definition")
			}
		case domain.KindMultiInstance:
			body, _ := g.GetSpec(s.Loop.Body)
			if len(body.Inputs) > 0 || len(body.Outputs) > 0 {
				result.addError(g.ID(), id, "LOOP_BODY_CONNECTED", "loop body must not carry sequence flows")
			}
			if s.Loop.Cardinality == "" && s.Loop.Collection == "" {
				result.addError(g.ID(), id, "LOOP_WITHOUT_CARDINALITY", "multi-instance needs a cardinality or a collection")
			}
		}
		if s.Kind == domain.KindExclusiveGateway && len(s.Outputs) > 1 && s.Default == "" && len(s.Conditions) < len(s.Outputs) {
			result.addWarning(g.ID(), id, "UNGUARDED_OUTPUT", "outputs without condition and no default flow")
		}
	}
}

func validateCalls(g *domain.Graph, known map[string]*domain.Graph, result *ValidationResult) {
	for _, id := range g.SpecIDs() {
		s, _ := g.GetSpec(id)
		if s.Kind != domain.KindSubWorkflow && s.Kind != domain.KindCallActivity {
			continue
		}
		if _, ok := known[s.CalledElement]; !ok {
			result.addError(g.ID(), id, "UNKNOWN_CALLED_ELEMENT", fmt.Sprintf("called element %s is not registered", s.CalledElement))
		}
		if s.CalledElement == g.ID() {
			result.addWarning(g.ID(), id, "RECURSIVE_CALL", "activity calls its own definition")
		}
	}
}

func validateReachability(g *domain.Graph, result *ValidationResult) {
	entries := g.Starts()
	bodies := make(map[string]bool)
	for _, id := range g.SpecIDs() {
		s, _ := g.GetSpec(id)
		switch s.Kind {
		case domain.KindBoundaryEvent:
			entries = append(entries, id)
		case domain.KindMultiInstance:
			bodies[s.Loop.Body] = true
		}
	}

	for _, id := range g.SpecIDs() {
		if bodies[id] {
			continue
		}
		reachable := false
		for _, entry := range entries {
			if entry == id || g.CanReach(entry, id) {
				reachable = true
				break
			}
		}
		if !reachable {
			result.addWarning(g.ID(), id, "UNREACHABLE", "spec is not reachable from any start or boundary event")
		}
	}
}

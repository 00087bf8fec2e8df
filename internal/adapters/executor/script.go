package executor

import (
	"errors"
	"regexp"
	"strings"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

var assignment = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(.+)$`)

// ScriptRunner runs scripts made of one statement per line:
//
//	total = sum(lines[].amount)
//	raise CreditDenied customer over limit
//	fail upstream unavailable
//
// Blank lines and lines starting with # are skipped. Assignments see the values of
// earlier assignments. Only assigned variables are returned.
type ScriptRunner struct {
	evaluator ports.ExpressionEvaluator
}

func NewScriptRunner(evaluator ports.ExpressionEvaluator) *ScriptRunner {
	return &ScriptRunner{evaluator: evaluator}
}

func (s *ScriptRunner) Run(script string, data map[string]interface{}) (map[string]interface{}, error) {
	scope := domain.CloneData(data)
	out := make(map[string]interface{})

	for i, raw := range strings.Split(script, "\n") {
		line := strings.TrimSpace(raw)
		lineNo := i + 1
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if rest, ok := cutKeyword(line, "raise"); ok {
			code, message, _ := strings.Cut(rest, " ")
			return nil, &domain.BpmnError{Code: code, Message: strings.TrimSpace(message), Payload: out}
		}
		if rest, ok := cutKeyword(line, "fail"); ok {
			return nil, &domain.ExpressionError{Expression: line, Message: rest, Line: lineNo}
		}

		m := assignment.FindStringSubmatch(line)
		if m == nil {
			return nil, &domain.ExpressionError{Expression: line, Message: "expected an assignment", Line: lineNo, Offset: 1}
		}
		value, err := s.evaluator.Evaluate(m[2], scope)
		if err != nil {
			var xerr *domain.ExpressionError
			if errors.As(err, &xerr) {
				located := *xerr
				located.Line = lineNo
				located.Offset += strings.Index(raw, m[2]) + 1
				return nil, &located
			}
			return nil, err
		}
		scope[m[1]] = value
		out[m[1]] = value
	}
	return out, nil
}

func cutKeyword(line, keyword string) (string, bool) {
	if line == keyword {
		return "", true
	}
	if strings.HasPrefix(line, keyword+" ") {
		return strings.TrimSpace(line[len(keyword)+1:]), true
	}
	return "", false
}

package expression

import (
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/jmespath/go-jmespath"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/xjson"
)

var identifierPath = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Evaluator evaluates JMESPath expressions against task data. Plain JSON literals
// short-circuit, and dotted identifier paths are resolved strictly so that absent
// variables surface as missing-value errors instead of null.
type Evaluator struct {
	compiled sync.Map
	logger   *slog.Logger
}

func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger.With("component", "expression")}
}

func (e *Evaluator) Evaluate(expression string, data map[string]interface{}) (interface{}, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return nil, &domain.ExpressionError{Expression: expression, Message: "empty expression"}
	}

	if v, ok := literal(expr); ok {
		return v, nil
	}

	scope, err := xjson.NormalizeMap(data)
	if err != nil {
		return nil, &domain.ExpressionError{Expression: expr, Message: "data is not JSON serializable", Cause: err}
	}

	if identifierPath.MatchString(expr) {
		return lookup(expr, scope)
	}

	compiled, err := e.compile(expr)
	if err != nil {
		return nil, err
	}
	result, err := compiled.Search(scope)
	if err != nil {
		e.logger.Debug("expression search failed", "expression", expr, "error", err)
		return nil, &domain.ExpressionError{Expression: expr, Message: err.Error(), Cause: err}
	}
	return result, nil
}

func (e *Evaluator) EvaluateBool(expression string, data map[string]interface{}) (bool, error) {
	v, err := e.Evaluate(expression, data)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func (e *Evaluator) compile(expr string) (*jmespath.JMESPath, error) {
	if cached, ok := e.compiled.Load(expr); ok {
		return cached.(*jmespath.JMESPath), nil
	}
	compiled, err := jmespath.Compile(expr)
	if err != nil {
		xerr := &domain.ExpressionError{Expression: expr, Message: "malformed expression", Cause: err}
		var syntax jmespath.SyntaxError
		if errors.As(err, &syntax) {
			xerr.Offset = syntax.Offset
		}
		return nil, xerr
	}
	e.compiled.Store(expr, compiled)
	return compiled, nil
}

func literal(expr string) (interface{}, bool) {
	switch expr[0] {
	case '"', '[', '{', '-', 't', 'f', 'n', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
	default:
		return nil, false
	}
	var v interface{}
	if err := xjson.Unmarshal([]byte(expr), &v); err != nil {
		return nil, false
	}
	return v, true
}

func lookup(path string, scope map[string]interface{}) (interface{}, error) {
	var cur interface{} = scope
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, &domain.ExpressionError{Expression: path, Message: "cannot select " + part + " from a non-object", Missing: true}
		}
		next, ok := m[part]
		if !ok {
			return nil, &domain.ExpressionError{Expression: path, Message: "variable " + part + " is not defined", Missing: true}
		}
		cur = next
	}
	return cur, nil
}

// Truthy applies JMESPath truthiness: null, false, empty strings, lists and objects
// are false, everything else is true.
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}

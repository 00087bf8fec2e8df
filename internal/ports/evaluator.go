package ports

// ExpressionEvaluator evaluates gateway guards, cardinalities, mappings, and
// correlation retrievals against a variable scope.
type ExpressionEvaluator interface {
	// Evaluate fails with *domain.ExpressionError on malformed expressions or missing variables.
	Evaluate(expression string, data map[string]interface{}) (interface{}, error)
	EvaluateBool(expression string, data map[string]interface{}) (bool, error)
}

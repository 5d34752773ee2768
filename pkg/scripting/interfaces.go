package scripting

// ExpressionEvaluator evaluates JavaScript expressions over a set of variables
type ExpressionEvaluator interface {
	// Evaluate runs an expression, with or without the ${...} wrapper
	Evaluate(expression string, vars map[string]any) (any, error)

	// EvaluateBool runs an expression and coerces the result with JavaScript truthiness
	EvaluateBool(expression string, vars map[string]any) (bool, error)

	// EvaluateInObject evaluates every ${...} string found in obj
	EvaluateInObject(obj map[string]any, vars map[string]any) (map[string]any, error)
}

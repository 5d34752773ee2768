// Package scripting evaluates JavaScript predicates and transforms for flows.
package scripting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/tcmartin/stepflow/pkg/models"
)

// DefaultTimeout bounds a single evaluation
const DefaultTimeout = 250 * time.Millisecond

// ErrTimeout is returned when an expression runs longer than the evaluator allows
var ErrTimeout = errors.New("expression timed out")

// JSExpressionEvaluator evaluates expressions with goja.
// Every evaluation runs in a fresh runtime, so one evaluator may be shared
// between goroutines.
type JSExpressionEvaluator struct {
	timeout time.Duration
}

// NewJSExpressionEvaluator creates a new JSExpressionEvaluator
func NewJSExpressionEvaluator() *JSExpressionEvaluator {
	return &JSExpressionEvaluator{timeout: DefaultTimeout}
}

// WithTimeout returns a copy of the evaluator using the given timeout
func (e *JSExpressionEvaluator) WithTimeout(timeout time.Duration) *JSExpressionEvaluator {
	return &JSExpressionEvaluator{timeout: timeout}
}

// IsExpression reports whether s uses the ${...} wrapper
func IsExpression(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

func unwrap(expression string) string {
	if IsExpression(expression) {
		return expression[2 : len(expression)-1]
	}
	return expression
}

func (e *JSExpressionEvaluator) run(expression string, vars map[string]any) (goja.Value, error) {
	expr := strings.TrimSpace(unwrap(expression))
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	// goja binds Go maps and slices by reference; scripts get copies
	for key, value := range vars {
		if err := vm.Set(key, models.DeepCopy(value)); err != nil {
			return nil, fmt.Errorf("failed to bind variable %s: %w", key, err)
		}
	}

	if e.timeout > 0 {
		timer := time.AfterFunc(e.timeout, func() {
			vm.Interrupt(ErrTimeout)
		})
		defer timer.Stop()
	}

	value, err := vm.RunString(expr)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("failed to evaluate expression '%s': %w", expr, ErrTimeout)
		}
		return nil, fmt.Errorf("failed to evaluate expression '%s': %w", expr, err)
	}
	return value, nil
}

// Evaluate runs an expression and exports the result to a Go value
func (e *JSExpressionEvaluator) Evaluate(expression string, vars map[string]any) (any, error) {
	value, err := e.run(expression, vars)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

// EvaluateBool runs an expression and returns its truthiness
func (e *JSExpressionEvaluator) EvaluateBool(expression string, vars map[string]any) (bool, error) {
	value, err := e.run(expression, vars)
	if err != nil {
		return false, err
	}
	return value.ToBoolean(), nil
}

// EvaluateInObject evaluates every ${...} string in obj, recursing into maps and slices.
// Plain strings are copied unchanged.
func (e *JSExpressionEvaluator) EvaluateInObject(obj map[string]any, vars map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(obj))
	for key, value := range obj {
		evaluated, err := e.evaluateValue(value, vars)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		result[key] = evaluated
	}
	return result, nil
}

func (e *JSExpressionEvaluator) evaluateValue(value any, vars map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if !IsExpression(v) {
			return v, nil
		}
		return e.Evaluate(v, vars)
	case map[string]any:
		return e.EvaluateInObject(v, vars)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			evaluated, err := e.evaluateValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = evaluated
		}
		return out, nil
	default:
		return value, nil
	}
}

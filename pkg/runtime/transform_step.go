package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tcmartin/stepflow/pkg/models"
	"github.com/tcmartin/stepflow/pkg/scripting"
	"github.com/tcmartin/stepflow/pkg/utils"
)

// TransformFunc reshapes the input of a transform step
type TransformFunc func(input any, c models.Context, rules map[string]any) (any, error)

var (
	transformsMu sync.RWMutex
	transforms   = map[string]TransformFunc{
		"passthrough":    transformPassthrough,
		"trim":           transformTrim,
		"parse_json":     transformParseJSON,
		"parse_yaml":     transformParseYAML,
		"require_fields": transformRequireFields,
		"pick":           transformPick,
		"wrap":           transformWrap,
		"merge_metadata": transformMergeMetadata,
		"script":         transformScript,
		"shape":          transformShape,
	}
)

// RegisterTransform adds or replaces a named transform operation
func RegisterTransform(name string, fn TransformFunc) {
	transformsMu.Lock()
	defer transformsMu.Unlock()
	transforms[name] = fn
}

// TransformOperations lists the registered transform operation names
func TransformOperations() []string {
	transformsMu.RLock()
	defer transformsMu.RUnlock()
	names := make([]string, 0, len(transforms))
	for name := range transforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TransformStep applies a named pure operation to the context input
type TransformStep struct {
	id        string
	name      string
	operation string
	rules     map[string]any
	fn        TransformFunc
}

// NewTransformStep creates a transform step. The operation is resolved here,
// so unknown operations fail at definition time.
func NewTransformStep(id, name, operation string, rules map[string]any) (*TransformStep, error) {
	transformsMu.RLock()
	fn, ok := transforms[operation]
	transformsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("step %s: unknown transform operation %q", id, operation)
	}
	if name == "" {
		name = id
	}
	return &TransformStep{id: id, name: name, operation: operation, rules: rules, fn: fn}, nil
}

func (s *TransformStep) ID() string        { return s.id }
func (s *TransformStep) Name() string      { return s.name }
func (s *TransformStep) Kind() StepKind    { return KindTransform }
func (s *TransformStep) Operation() string { return s.operation }

// Execute applies the operation. Errors and panics become failed results
// carrying the unchanged input.
func (s *TransformStep) Execute(_ context.Context, c models.Context) (result models.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = models.FailureResult(c.Input, fmt.Sprintf("transform %s panicked: %v", s.operation, r))
			result.Metadata.StepID = s.id
		}
	}()

	out, err := s.fn(c.Input, c, s.rules)
	if err != nil {
		result = models.FailureResult(c.Input, fmt.Sprintf("transform %s: %v", s.operation, err))
	} else {
		result = models.SuccessResult(out)
	}
	result.Metadata.StepID = s.id
	return result
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

func transformPassthrough(input any, _ models.Context, _ map[string]any) (any, error) {
	return input, nil
}

func transformTrim(input any, _ models.Context, _ map[string]any) (any, error) {
	s, ok := input.(string)
	if !ok {
		return nil, fmt.Errorf("expected a string input, got %T", input)
	}
	return strings.TrimSpace(s), nil
}

func transformParseJSON(input any, _ models.Context, _ map[string]any) (any, error) {
	switch t := input.(type) {
	case map[string]any, []any:
		return t, nil
	case string:
		var out any
		if err := utils.ParseJSON(t, &out); err != nil {
			return nil, fmt.Errorf("input is not valid JSON: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a string input, got %T", input)
}

func transformParseYAML(input any, _ models.Context, _ map[string]any) (any, error) {
	s, ok := input.(string)
	if !ok {
		return nil, fmt.Errorf("expected a string input, got %T", input)
	}
	var out any
	if err := utils.ParseYAML(s, &out); err != nil {
		return nil, fmt.Errorf("input is not valid YAML: %w", err)
	}
	return out, nil
}

func transformRequireFields(input any, _ models.Context, rules map[string]any) (any, error) {
	m, ok := input.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object input, got %T", input)
	}
	var missing []string
	for _, f := range stringList(rules["fields"]) {
		if v, ok := m[f]; !ok || v == nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return m, nil
}

func transformPick(input any, _ models.Context, rules map[string]any) (any, error) {
	m, ok := input.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object input, got %T", input)
	}
	out := make(map[string]any)
	for _, f := range stringList(rules["fields"]) {
		if v, ok := m[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

func transformWrap(input any, _ models.Context, rules map[string]any) (any, error) {
	key, _ := rules["key"].(string)
	if key == "" {
		key = "input"
	}
	return map[string]any{key: input}, nil
}

func transformMergeMetadata(input any, c models.Context, rules map[string]any) (any, error) {
	key, _ := rules["input_key"].(string)
	if key == "" {
		key = "input"
	}
	out := map[string]any{key: input}
	for _, k := range stringList(rules["keys"]) {
		if v, ok := c.Metadata[k]; ok {
			out[k] = v
		}
	}
	if c.TargetLanguage != "" {
		out["targetLanguage"] = c.TargetLanguage
	}
	if c.SourceLanguage != "" {
		out["sourceLanguage"] = c.SourceLanguage
	}
	return out, nil
}

func scriptVars(input any, c models.Context) map[string]any {
	return map[string]any{
		"input":          input,
		"previousOutput": c.PreviousOutput,
		"metadata":       c.Metadata,
		"targetLanguage": c.TargetLanguage,
		"sourceLanguage": c.SourceLanguage,
	}
}

func transformScript(input any, c models.Context, rules map[string]any) (any, error) {
	expr, _ := rules["expr"].(string)
	if expr == "" {
		return nil, fmt.Errorf("script transform requires an expr rule")
	}
	return scripting.NewJSExpressionEvaluator().Evaluate(expr, scriptVars(input, c))
}

func transformShape(input any, c models.Context, rules map[string]any) (any, error) {
	fields, ok := rules["fields"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("shape transform requires a fields object")
	}
	return scripting.NewJSExpressionEvaluator().EvaluateInObject(fields, scriptVars(input, c))
}

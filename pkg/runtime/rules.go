package runtime

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/tcmartin/stepflow/pkg/models"
	"github.com/tcmartin/stepflow/pkg/scripting"
)

// PredicateFunc decides a condition or validation over a step result
type PredicateFunc func(result models.Result, args map[string]any) (bool, error)

// RouteInput is what a custom router sees after a step
type RouteInput struct {
	StepID    string
	StepIndex int
	StepIDs   []string
	Result    models.Result
	Context   models.Context
}

// RouterFunc picks the next step id. handled=false defers to conditions and
// sequential order, an empty next with handled=true completes the flow.
type RouterFunc func(in RouteInput, args map[string]any) (next string, handled bool, err error)

// HandlerInput is what an operation handler sees when a caller picks an operation
type HandlerInput struct {
	Operation Operation
	StepID    string
	UserText  string
	Outputs   map[string]any
	Context   models.Context
	Args      map[string]any
}

// HandlerFunc builds the replacement context for a restart-class operation
type HandlerFunc func(in HandlerInput) (models.Context, error)

// Rules is the lookup table definitions refer to by name
type Rules struct {
	mu         sync.RWMutex
	predicates map[string]PredicateFunc
	routers    map[string]RouterFunc
	handlers   map[string]HandlerFunc
}

// NewRules creates an empty rule table
func NewRules() *Rules {
	return &Rules{
		predicates: make(map[string]PredicateFunc),
		routers:    make(map[string]RouterFunc),
		handlers:   make(map[string]HandlerFunc),
	}
}

// DefaultRules creates a rule table holding the built-in entries
func DefaultRules() *Rules {
	r := NewRules()
	r.RegisterPredicate("always", func(models.Result, map[string]any) (bool, error) { return true, nil })
	r.RegisterPredicate("never", func(models.Result, map[string]any) (bool, error) { return false, nil })
	r.RegisterPredicate("success", func(res models.Result, _ map[string]any) (bool, error) { return res.Success, nil })
	r.RegisterPredicate("has_fields", predicateHasFields)
	r.RegisterPredicate("non_empty", predicateNonEmpty)
	r.RegisterPredicate("min_items", predicateMinItems)
	r.RegisterPredicate("script", predicateScript)

	r.RegisterRouter("sequential", routeSequential)
	r.RegisterRouter("by_output_field", routeByOutputField)

	r.RegisterHandler("extend", handleExtend)
	r.RegisterHandler("replace_input", handleReplaceInput)
	return r
}

// RegisterPredicate adds or replaces a predicate
func (r *Rules) RegisterPredicate(name string, fn PredicateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = fn
}

// RegisterRouter adds or replaces a router
func (r *Rules) RegisterRouter(name string, fn RouterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routers[name] = fn
}

// RegisterHandler adds or replaces an operation handler
func (r *Rules) RegisterHandler(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

func (r *Rules) HasPredicate(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.predicates[name]
	return ok
}

func (r *Rules) HasRouter(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routers[name]
	return ok
}

func (r *Rules) HasHandler(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names lists registered entries per kind, for diagnostics
func (r *Rules) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{}
	for name := range r.predicates {
		out["predicates"] = append(out["predicates"], name)
	}
	for name := range r.routers {
		out["routers"] = append(out["routers"], name)
	}
	for name := range r.handlers {
		out["handlers"] = append(out["handlers"], name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}

// Evaluate runs the predicate named by ref
func (r *Rules) Evaluate(ref Ref, result models.Result) (bool, error) {
	r.mu.RLock()
	fn, ok := r.predicates[ref.Name]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown predicate %q", ref.Name)
	}
	return fn(result, ref.Args)
}

// Route runs the router named by ref
func (r *Rules) Route(ref Ref, in RouteInput) (string, bool, error) {
	r.mu.RLock()
	fn, ok := r.routers[ref.Name]
	r.mu.RUnlock()
	if !ok {
		return "", false, fmt.Errorf("unknown router %q", ref.Name)
	}
	return fn(in, ref.Args)
}

// Handle runs the operation handler named by ref
func (r *Rules) Handle(ref Ref, in HandlerInput) (models.Context, error) {
	r.mu.RLock()
	fn, ok := r.handlers[ref.Name]
	r.mu.RUnlock()
	if !ok {
		return models.Context{}, fmt.Errorf("unknown handler %q", ref.Name)
	}
	in.Args = ref.Args
	return fn(in)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}

func fieldValue(output any, field string) any {
	if field == "" {
		return output
	}
	if m, ok := output.(map[string]any); ok {
		return m[field]
	}
	return nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

func predicateHasFields(res models.Result, args map[string]any) (bool, error) {
	m, ok := res.Output.(map[string]any)
	if !ok {
		return false, nil
	}
	for _, f := range stringList(args["fields"]) {
		if v, ok := m[f]; !ok || v == nil {
			return false, nil
		}
	}
	return true, nil
}

func predicateNonEmpty(res models.Result, args map[string]any) (bool, error) {
	field, _ := args["field"].(string)
	return !isEmpty(fieldValue(res.Output, field)), nil
}

func predicateMinItems(res models.Result, args map[string]any) (bool, error) {
	minItems, ok := toInt(args["min"])
	if !ok {
		return false, fmt.Errorf("min_items requires a numeric min argument")
	}
	field, _ := args["field"].(string)
	v := fieldValue(res.Output, field)
	if v == nil {
		return minItems <= 0, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false, nil
	}
	return rv.Len() >= minItems, nil
}

func predicateScript(res models.Result, args map[string]any) (bool, error) {
	expr, _ := args["expr"].(string)
	if expr == "" {
		return false, fmt.Errorf("script predicate requires an expr argument")
	}
	return scripting.NewJSExpressionEvaluator().EvaluateBool(expr, map[string]any{
		"output":  res.Output,
		"success": res.Success,
		"error":   res.Error,
	})
}

func routeSequential(in RouteInput, _ map[string]any) (string, bool, error) {
	if in.StepIndex+1 < len(in.StepIDs) {
		return in.StepIDs[in.StepIndex+1], true, nil
	}
	return "", true, nil
}

func routeByOutputField(in RouteInput, args map[string]any) (string, bool, error) {
	field, _ := args["field"].(string)
	if field == "" {
		return "", false, fmt.Errorf("by_output_field requires a field argument")
	}
	routes, _ := args["routes"].(map[string]any)
	if v := fieldValue(in.Result.Output, field); v != nil {
		if target, ok := routes[fmt.Sprint(v)].(string); ok {
			return target, true, nil
		}
	}
	if def, ok := args["default"].(string); ok {
		return def, true, nil
	}
	return "", false, nil
}

func carryContext(c models.Context) models.Context {
	return models.Context{
		TargetLanguage: c.TargetLanguage,
		SourceLanguage: c.SourceLanguage,
		Metadata:       c.Clone().Metadata,
	}
}

// handleExtend selects an earlier output as the new previous output and pairs
// it with the caller's text. Named earlier outputs ride along as references.
func handleExtend(in HandlerInput) (models.Context, error) {
	source, _ := in.Args["source"].(string)
	if source == "" {
		source = in.StepID
	}
	base, ok := in.Outputs[source]
	if !ok {
		return models.Context{}, fmt.Errorf("step %s has no output to extend", source)
	}

	key, _ := in.Args["text_key"].(string)
	if key == "" {
		key = "instruction"
	}
	input := map[string]any{"base": base, key: in.UserText}

	refs := make(map[string]any)
	for _, id := range stringList(in.Args["references"]) {
		if v, ok := in.Outputs[id]; ok {
			refs[id] = v
		}
	}
	if len(refs) > 0 {
		input["references"] = refs
	}

	c := carryContext(in.Context)
	c.Input = input
	c.PreviousOutput = base
	return c, nil
}

// handleReplaceInput restarts with the caller's text as the new input
func handleReplaceInput(in HandlerInput) (models.Context, error) {
	c := carryContext(in.Context)
	c.Input = in.UserText
	if in.UserText == "" {
		c.Input = in.Context.Input
	}
	if source, _ := in.Args["source"].(string); source != "" {
		c.PreviousOutput = in.Outputs[source]
	}
	return c, nil
}

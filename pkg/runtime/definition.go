package runtime

import (
	"errors"
	"fmt"

	"github.com/tcmartin/stepflow/pkg/models"
)

// DefaultMaxRetries is the retry budget of a step that does not set one
const DefaultMaxRetries = 3

// Ref names an entry of the rule table together with its arguments
type Ref struct {
	Name string         `json:"name" yaml:"name"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// Condition routes on a predicate over the step result
type Condition struct {
	Predicate Ref    `json:"predicate"`
	OnTrue    string `json:"on_true,omitempty"`
	OnFalse   string `json:"on_false,omitempty"`
}

// ValidationCheck decides whether a step result is acceptable
type ValidationCheck struct {
	Predicate   Ref    `json:"predicate"`
	MaxRetries  *int   `json:"max_retries,omitempty"`
	RetryTarget string `json:"retry_target,omitempty"`
}

// Limit returns the retry budget of the check
func (v ValidationCheck) Limit() int {
	if v.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *v.MaxRetries
}

// Operation is offered to the caller when a flow parks after a step
type Operation struct {
	Name    string `json:"name"`
	Label   string `json:"label,omitempty"`
	Target  string `json:"target,omitempty"`
	Handler *Ref   `json:"handler,omitempty"`
}

// Info returns the public description of the operation
func (o Operation) Info() models.OperationInfo {
	return models.OperationInfo{Name: o.Name, Label: o.Label}
}

// Definition is an immutable flow template: ordered steps plus routing
// metadata keyed by step id
type Definition struct {
	ID          string
	Name        string
	Description string
	Steps       []Step
	Conditions  map[string]Condition
	Validations map[string]ValidationCheck
	Operations  map[string][]Operation
	Router      *Ref
}

// IndexOf returns the position of a step id, or -1
func (d *Definition) IndexOf(id string) int {
	for i, s := range d.Steps {
		if s.ID() == id {
			return i
		}
	}
	return -1
}

// StepIDs returns the step ids in order
func (d *Definition) StepIDs() []string {
	ids := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		ids[i] = s.ID()
	}
	return ids
}

// Validate checks that every referenced step id and rule name exists
func (d *Definition) Validate(rules *Rules) error {
	if d.ID == "" {
		return errors.New("flow definition requires an id")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("flow %s has no steps", d.ID)
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s == nil || s.ID() == "" {
			return fmt.Errorf("flow %s has a step without an id", d.ID)
		}
		if seen[s.ID()] {
			return fmt.Errorf("flow %s has duplicate step id %q", d.ID, s.ID())
		}
		seen[s.ID()] = true
	}

	checkStep := func(owner, target string) error {
		if target != "" && !seen[target] {
			return fmt.Errorf("flow %s: %s refers to %w %q", d.ID, owner, ErrUnknownStep, target)
		}
		return nil
	}

	for id, c := range d.Conditions {
		if err := checkStep("condition", id); err != nil {
			return err
		}
		if !rules.HasPredicate(c.Predicate.Name) {
			return fmt.Errorf("flow %s: condition on %s uses unknown predicate %q", d.ID, id, c.Predicate.Name)
		}
		if err := checkStep("condition on "+id, c.OnTrue); err != nil {
			return err
		}
		if err := checkStep("condition on "+id, c.OnFalse); err != nil {
			return err
		}
	}

	for id, v := range d.Validations {
		if err := checkStep("validation", id); err != nil {
			return err
		}
		if !rules.HasPredicate(v.Predicate.Name) {
			return fmt.Errorf("flow %s: validation on %s uses unknown predicate %q", d.ID, id, v.Predicate.Name)
		}
		if v.MaxRetries != nil && *v.MaxRetries < 0 {
			return fmt.Errorf("flow %s: validation on %s has negative max_retries", d.ID, id)
		}
		if err := checkStep("validation on "+id, v.RetryTarget); err != nil {
			return err
		}
	}

	for id, ops := range d.Operations {
		if err := checkStep("operations", id); err != nil {
			return err
		}
		names := make(map[string]bool, len(ops))
		for _, op := range ops {
			if op.Name == "" {
				return fmt.Errorf("flow %s: operation on %s has no name", d.ID, id)
			}
			if names[op.Name] {
				return fmt.Errorf("flow %s: duplicate operation %q on %s", d.ID, op.Name, id)
			}
			names[op.Name] = true
			if err := checkStep("operation "+op.Name, op.Target); err != nil {
				return err
			}
			if op.Handler != nil && !rules.HasHandler(op.Handler.Name) {
				return fmt.Errorf("flow %s: operation %s uses unknown handler %q", d.ID, op.Name, op.Handler.Name)
			}
		}
	}

	if d.Router != nil && !rules.HasRouter(d.Router.Name) {
		return fmt.Errorf("flow %s uses unknown router %q", d.ID, d.Router.Name)
	}
	return nil
}

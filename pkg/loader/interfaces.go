// Package loader turns YAML flow documents into runtime definitions.
package loader

import (
	"github.com/tcmartin/stepflow/pkg/runtime"
)

// YAMLLoader parses and validates flow documents
type YAMLLoader interface {
	// Parse converts a YAML document into a runtime definition
	Parse(yamlContent string) (*runtime.Definition, error)

	// Validate checks a YAML document without keeping the result
	Validate(yamlContent string) error
}

// FlowDocument is the on-disk shape of a flow definition
type FlowDocument struct {
	ID          string                         `yaml:"id" json:"id"`
	Name        string                         `yaml:"name,omitempty" json:"name,omitempty"`
	Description string                         `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []StepDocument                 `yaml:"steps" json:"steps"`
	Conditions  map[string]ConditionDocument   `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Validations map[string]ValidationDocument  `yaml:"validations,omitempty" json:"validations,omitempty"`
	Operations  map[string][]OperationDocument `yaml:"operations,omitempty" json:"operations,omitempty"`
	Router      *runtime.Ref                   `yaml:"router,omitempty" json:"router,omitempty"`
}

// StepDocument describes one step. Fields that do not apply to the step
// type are ignored.
type StepDocument struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	Type string `yaml:"type" json:"type"`

	// transform
	Operation string         `yaml:"operation,omitempty" json:"operation,omitempty"`
	Rules     map[string]any `yaml:"rules,omitempty" json:"rules,omitempty"`

	// call
	Provider    string  `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model       string  `yaml:"model,omitempty" json:"model,omitempty"`
	Prompt      string  `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	System      string  `yaml:"system,omitempty" json:"system,omitempty"`
	Format      string  `yaml:"format,omitempty" json:"format,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// ConditionDocument routes on a predicate. A condition without a predicate
// always takes the on_true branch.
type ConditionDocument struct {
	Predicate *runtime.Ref `yaml:"predicate,omitempty" json:"predicate,omitempty"`
	OnTrue    string       `yaml:"on_true,omitempty" json:"on_true,omitempty"`
	OnFalse   string       `yaml:"on_false,omitempty" json:"on_false,omitempty"`
}

// ValidationDocument guards a step result with a retry budget
type ValidationDocument struct {
	Predicate   runtime.Ref `yaml:"predicate" json:"predicate"`
	MaxRetries  *int        `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryTarget string      `yaml:"retry_target,omitempty" json:"retry_target,omitempty"`
}

// OperationDocument is a named action offered at a checkpoint
type OperationDocument struct {
	Name    string       `yaml:"name" json:"name"`
	Label   string       `yaml:"label,omitempty" json:"label,omitempty"`
	Target  string       `yaml:"target,omitempty" json:"target,omitempty"`
	Handler *runtime.Ref `yaml:"handler,omitempty" json:"handler,omitempty"`
}

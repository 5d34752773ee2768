package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tcmartin/stepflow/pkg/runtime"
	"gopkg.in/yaml.v3"
)

// DefaultYAMLLoader implements the YAMLLoader interface
type DefaultYAMLLoader struct {
	factories map[string]StepFactory
	rules     *runtime.Rules
}

// NewYAMLLoader creates a new YAML loader. A nil rule table means the
// built-in rules.
func NewYAMLLoader(factories map[string]StepFactory, rules *runtime.Rules) *DefaultYAMLLoader {
	if rules == nil {
		rules = runtime.DefaultRules()
	}
	if factories == nil {
		factories = DefaultStepFactories(nil)
	}
	return &DefaultYAMLLoader{factories: factories, rules: rules}
}

// RegisterStepType adds a factory for a custom step type
func (l *DefaultYAMLLoader) RegisterStepType(stepType string, factory StepFactory) {
	l.factories[stepType] = factory
}

// Rules returns the rule table definitions are validated against
func (l *DefaultYAMLLoader) Rules() *runtime.Rules {
	return l.rules
}

// Decode reads a flow document, rejecting unknown fields
func Decode(content []byte) (*FlowDocument, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var doc FlowDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty flow document")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &doc, nil
}

// Parse converts a YAML string into a runtime definition
func (l *DefaultYAMLLoader) Parse(yamlContent string) (*runtime.Definition, error) {
	doc, err := Decode([]byte(yamlContent))
	if err != nil {
		return nil, err
	}
	return l.Build(doc)
}

// ParseFile reads and parses a flow file
func (l *DefaultYAMLLoader) ParseFile(path string) (*runtime.Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}
	def, err := l.Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Validate parses the document and checks every reference
func (l *DefaultYAMLLoader) Validate(yamlContent string) error {
	_, err := l.Parse(yamlContent)
	return err
}

// Build turns a decoded document into a validated definition
func (l *DefaultYAMLLoader) Build(doc *FlowDocument) (*runtime.Definition, error) {
	def := &runtime.Definition{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Steps:       make([]runtime.Step, 0, len(doc.Steps)),
		Conditions:  make(map[string]runtime.Condition, len(doc.Conditions)),
		Validations: make(map[string]runtime.ValidationCheck, len(doc.Validations)),
		Operations:  make(map[string][]runtime.Operation, len(doc.Operations)),
		Router:      doc.Router,
	}
	if def.Name == "" {
		def.Name = def.ID
	}

	for i, stepDoc := range doc.Steps {
		if stepDoc.ID == "" {
			return nil, fmt.Errorf("step %d has no id", i)
		}
		factory, ok := l.factories[stepDoc.Type]
		if !ok {
			return nil, fmt.Errorf("unknown step type '%s' in step '%s'", stepDoc.Type, stepDoc.ID)
		}
		step, err := factory.CreateStep(stepDoc)
		if err != nil {
			return nil, fmt.Errorf("failed to create step '%s': %w", stepDoc.ID, err)
		}
		def.Steps = append(def.Steps, step)
	}

	for id, c := range doc.Conditions {
		pred := runtime.Ref{Name: "always"}
		if c.Predicate != nil {
			pred = *c.Predicate
		}
		def.Conditions[id] = runtime.Condition{Predicate: pred, OnTrue: c.OnTrue, OnFalse: c.OnFalse}
	}

	for id, v := range doc.Validations {
		if v.Predicate.Name == "" {
			return nil, fmt.Errorf("validation on '%s' has no predicate", id)
		}
		def.Validations[id] = runtime.ValidationCheck{
			Predicate:   v.Predicate,
			MaxRetries:  v.MaxRetries,
			RetryTarget: v.RetryTarget,
		}
	}

	for id, ops := range doc.Operations {
		list := make([]runtime.Operation, 0, len(ops))
		for _, op := range ops {
			list = append(list, runtime.Operation{
				Name:    op.Name,
				Label:   op.Label,
				Target:  op.Target,
				Handler: op.Handler,
			})
		}
		def.Operations[id] = list
	}

	if err := def.Validate(l.rules); err != nil {
		return nil, err
	}
	return def, nil
}

package loader

import (
	"fmt"

	"github.com/tcmartin/stepflow/pkg/runtime"
	"github.com/tcmartin/stepflow/pkg/utils"
)

// StepFactory builds a runtime step from its document
type StepFactory interface {
	CreateStep(doc StepDocument) (runtime.Step, error)
}

// StepFactoryFunc adapts a function to the StepFactory interface
type StepFactoryFunc func(doc StepDocument) (runtime.Step, error)

// CreateStep calls f(doc)
func (f StepFactoryFunc) CreateStep(doc StepDocument) (runtime.Step, error) {
	return f(doc)
}

// TransformStepFactory creates transform steps
type TransformStepFactory struct{}

func (f *TransformStepFactory) CreateStep(doc StepDocument) (runtime.Step, error) {
	if doc.Operation == "" {
		return nil, fmt.Errorf("step %s: transform step requires an operation", doc.ID)
	}
	return runtime.NewTransformStep(doc.ID, doc.Name, doc.Operation, doc.Rules)
}

// CallStepFactory creates call steps bound to a generator resolver
type CallStepFactory struct {
	Resolver runtime.GeneratorResolver
}

func (f *CallStepFactory) CreateStep(doc StepDocument) (runtime.Step, error) {
	prompt, err := utils.NewPromptTemplate(doc.Prompt)
	if err != nil {
		return nil, fmt.Errorf("step %s: invalid prompt: %w", doc.ID, err)
	}
	if doc.Prompt == "" {
		prompt = nil
	}

	var system *utils.PromptTemplate
	if doc.System != "" {
		system, err = utils.NewPromptTemplate(doc.System)
		if err != nil {
			return nil, fmt.Errorf("step %s: invalid system prompt: %w", doc.ID, err)
		}
	}

	return runtime.NewCallStep(runtime.CallStepConfig{
		ID:          doc.ID,
		Name:        doc.Name,
		Provider:    doc.Provider,
		Model:       doc.Model,
		Prompt:      prompt,
		System:      system,
		Format:      runtime.ResponseFormat(doc.Format),
		Temperature: doc.Temperature,
		MaxTokens:   doc.MaxTokens,
	}, f.Resolver)
}

// DefaultStepFactories returns the factories for the built-in step types.
// Without a resolver, call steps resolve providers from request credentials.
func DefaultStepFactories(resolver runtime.GeneratorResolver) map[string]StepFactory {
	if resolver == nil {
		resolver = runtime.NewLLMResolver(nil)
	}
	return map[string]StepFactory{
		string(runtime.KindTransform): &TransformStepFactory{},
		string(runtime.KindCall):      &CallStepFactory{Resolver: resolver},
	}
}

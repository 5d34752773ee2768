// Package runtime executes step flows: steps, routing rules, the flow state
// machine, sessions and the streaming executor.
package runtime

import (
	"context"

	"github.com/tcmartin/stepflow/pkg/models"
)

// StepKind distinguishes pure transforms from external calls
type StepKind string

const (
	// KindTransform steps reshape data without I/O
	KindTransform StepKind = "transform"

	// KindCall steps send one request to an external generator
	KindCall StepKind = "call"
)

// Step is a unit of work inside a flow. Execute never panics past its
// boundary and reports failures through Result.Success.
type Step interface {
	ID() string
	Name() string
	Kind() StepKind
	Execute(ctx context.Context, c models.Context) models.Result
}

// ChunkFunc receives text fragments while a step is producing output
type ChunkFunc func(chunk string)

// StreamingStep is a Step that can report partial output as it arrives
type StreamingStep interface {
	Step
	ExecuteStream(ctx context.Context, c models.Context, onChunk ChunkFunc) models.Result
}

// GenerateRequest is a single request to a text generator
type GenerateRequest struct {
	Provider    string
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Generator produces text for call steps
type Generator interface {
	// Generate returns the whole reply
	Generate(ctx context.Context, req GenerateRequest) (string, error)

	// Stream reports fragments through onChunk and returns the assembled reply
	Stream(ctx context.Context, req GenerateRequest, onChunk ChunkFunc) (string, error)
}

// GeneratorResolver returns the generator for a provider id. Credentials are
// taken from ctx for the duration of the request only.
type GeneratorResolver interface {
	Resolve(ctx context.Context, provider string) (Generator, error)
}

// SecretSource is implemented by resolvers that hold configured provider
// keys. Call steps redact these in addition to the request credentials.
type SecretSource interface {
	Secrets() []string
}

// DefinitionSource looks up flow definitions by id
type DefinitionSource interface {
	Get(id string) (*Definition, error)
}

// ArtifactSaver receives the final output of completed flows
type ArtifactSaver interface {
	Save(ctx context.Context, artifact models.Artifact) error
}

// EventSink receives a copy of every event the executor produces
type EventSink interface {
	Publish(event models.Event)
}

// EmitFunc forwards a flow event
type EmitFunc func(event models.Event)

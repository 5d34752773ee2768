package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/tcmartin/stepflow/pkg/auth"
	"github.com/tcmartin/stepflow/pkg/models"
	"github.com/tcmartin/stepflow/pkg/utils"
)

// ResponseFormat tells a call step how to interpret the reply
type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
)

// CallStepConfig configures a CallStep
type CallStepConfig struct {
	ID          string
	Name        string
	Provider    string
	Model       string
	Prompt      *utils.PromptTemplate
	System      *utils.PromptTemplate
	Format      ResponseFormat
	Temperature float64
	MaxTokens   int
}

// CallStep renders a prompt from the context and sends exactly one request
// to the generator of its provider
type CallStep struct {
	cfg      CallStepConfig
	resolver GeneratorResolver
}

// NewCallStep creates a call step
func NewCallStep(cfg CallStepConfig, resolver GeneratorResolver) (*CallStep, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("call step requires an id")
	}
	if cfg.Prompt == nil {
		return nil, fmt.Errorf("step %s: call step requires a prompt", cfg.ID)
	}
	if cfg.Provider == "" {
		return nil, fmt.Errorf("step %s: call step requires a provider", cfg.ID)
	}
	if resolver == nil {
		return nil, fmt.Errorf("step %s: no generator resolver configured", cfg.ID)
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatText
	case FormatText, FormatJSON:
	default:
		return nil, fmt.Errorf("step %s: unknown response format %q", cfg.ID, cfg.Format)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	return &CallStep{cfg: cfg, resolver: resolver}, nil
}

func (s *CallStep) ID() string             { return s.cfg.ID }
func (s *CallStep) Name() string           { return s.cfg.Name }
func (s *CallStep) Kind() StepKind         { return KindCall }
func (s *CallStep) Provider() string       { return s.cfg.Provider }
func (s *CallStep) Format() ResponseFormat { return s.cfg.Format }

// Execute runs the call without reporting fragments
func (s *CallStep) Execute(ctx context.Context, c models.Context) models.Result {
	return s.ExecuteStream(ctx, c, nil)
}

// ExecuteStream runs the call, forwarding reply fragments to onChunk when set.
// The request itself is detached from ctx cancellation so an in-flight call
// always finishes.
func (s *CallStep) ExecuteStream(ctx context.Context, c models.Context, onChunk ChunkFunc) (result models.Result) {
	start := time.Now()
	secrets := auth.CredentialsFromContext(ctx).Secrets()
	if src, ok := s.resolver.(SecretSource); ok {
		secrets = append(secrets, src.Secrets()...)
	}
	redactor := auth.NewRedactor(secrets...)
	defer func() {
		if r := recover(); r != nil {
			result = models.FailureResult(c.Input, redactor.Redact(fmt.Sprintf("call step %s panicked: %v", s.cfg.ID, r)))
		}
		result.Metadata = models.ResultMetadata{
			StepID:   s.cfg.ID,
			Provider: s.cfg.Provider,
			Model:    s.cfg.Model,
			Duration: time.Since(start),
		}
	}()

	gen, err := s.resolver.Resolve(ctx, s.cfg.Provider)
	if err != nil {
		return models.FailureResult(c.Input, redactor.Redact(fmt.Sprintf("provider %s: %v", s.cfg.Provider, err)))
	}

	req := GenerateRequest{
		Provider:    s.cfg.Provider,
		Model:       s.cfg.Model,
		Prompt:      s.cfg.Prompt.Render(c),
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	}
	if s.cfg.System != nil {
		req.System = s.cfg.System.Render(c)
	}

	callCtx := context.WithoutCancel(ctx)
	var text string
	if onChunk != nil {
		text, err = gen.Stream(callCtx, req, onChunk)
	} else {
		text, err = gen.Generate(callCtx, req)
	}
	if err != nil {
		return models.FailureResult(c.Input, redactor.Redact(fmt.Sprintf("provider %s: %v", s.cfg.Provider, err)))
	}

	if s.cfg.Format == FormatJSON {
		var parsed any
		if err := utils.ParseJSON(text, &parsed); err != nil {
			return models.FailureResult(c.Input, fmt.Sprintf("step %s: reply is not valid JSON: %v", s.cfg.ID, err))
		}
		return models.SuccessResult(parsed)
	}
	return models.SuccessResult(text)
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tcmartin/stepflow/pkg/auth"
	"github.com/tcmartin/stepflow/pkg/utils"
)

// ProviderSettings describes how to reach one provider
type ProviderSettings struct {
	Type    utils.LLMProvider
	BaseURL string
	Model   string
	APIKey  string
}

// LLMResolver builds generators from per-request credentials, falling back to
// configured provider settings
type LLMResolver struct {
	mu        sync.RWMutex
	providers map[string]ProviderSettings
}

// NewLLMResolver creates a resolver over the given provider settings
func NewLLMResolver(providers map[string]ProviderSettings) *LLMResolver {
	r := &LLMResolver{providers: make(map[string]ProviderSettings, len(providers))}
	for id, p := range providers {
		r.providers[id] = p
	}
	return r
}

// SetProvider adds or replaces provider settings
func (r *LLMResolver) SetProvider(id string, p ProviderSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
}

// Secrets returns the configured API keys
func (r *LLMResolver) Secrets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, p := range r.providers {
		if p.APIKey != "" {
			out = append(out, p.APIKey)
		}
	}
	return out
}

// Resolve implements GeneratorResolver
func (r *LLMResolver) Resolve(ctx context.Context, provider string) (Generator, error) {
	r.mu.RLock()
	settings, known := r.providers[provider]
	r.mu.RUnlock()

	cred, hasCred := auth.CredentialsFromContext(ctx).Get(provider)
	if !known && !hasCred {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	if settings.Type == "" {
		settings.Type = utils.LLMProvider(provider)
	}
	if hasCred {
		if cred.APIKey != "" {
			settings.APIKey = cred.APIKey
		}
		if cred.BaseURL != "" {
			settings.BaseURL = cred.BaseURL
		}
		if cred.Model != "" {
			settings.Model = cred.Model
		}
	}
	if settings.APIKey == "" && settings.Type != utils.Generic {
		return nil, fmt.Errorf("no API key configured for provider %q", provider)
	}

	client, err := utils.NewLLMClient(settings.Type, settings.APIKey, utils.ClientOptions{BaseURL: settings.BaseURL})
	if err != nil {
		return nil, err
	}
	return &llmGenerator{
		client:       client,
		defaultModel: settings.Model,
		redactor:     auth.NewRedactor(settings.APIKey),
	}, nil
}

// llmGenerator strips its own key from errors, since providers may echo the
// request headers in an error body
type llmGenerator struct {
	client       *utils.LLMClient
	defaultModel string
	redactor     *auth.Redactor
}

func (g *llmGenerator) redact(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(g.redactor.Redact(err.Error()))
}

func (g *llmGenerator) request(req GenerateRequest) utils.LLMRequest {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}
	var messages []utils.Message
	if req.System != "" {
		messages = append(messages, utils.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, utils.Message{Role: "user", Content: req.Prompt})
	return utils.LLMRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

func (g *llmGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	resp, err := g.client.Complete(ctx, g.request(req))
	if err != nil {
		return "", g.redact(err)
	}
	return resp.Content(), nil
}

func (g *llmGenerator) Stream(ctx context.Context, req GenerateRequest, onChunk ChunkFunc) (string, error) {
	text, err := g.client.Stream(ctx, g.request(req), onChunk)
	return text, g.redact(err)
}

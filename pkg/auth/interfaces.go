// Package auth carries per-request provider credentials and API authentication contracts.
package auth

import (
	"context"
	"sort"
)

// TokenValidator verifies a bearer token and returns the subject it was issued to
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// ProviderCredential holds what is needed to call one LLM provider
type ProviderCredential struct {
	// APIKey is the secret key (never logged, never persisted)
	APIKey string `json:"api_key,omitempty"`

	// BaseURL overrides the provider endpoint
	BaseURL string `json:"base_url,omitempty"`

	// Model overrides the default model of the provider
	Model string `json:"model,omitempty"`
}

// Credentials maps a provider id to its credential
type Credentials map[string]ProviderCredential

// Get returns the credential for a provider
func (c Credentials) Get(provider string) (ProviderCredential, bool) {
	cred, ok := c[provider]
	return cred, ok
}

// Secrets returns every secret value, longest first
func (c Credentials) Secrets() []string {
	var out []string
	for _, cred := range c {
		if cred.APIKey != "" {
			out = append(out, cred.APIKey)
		}
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

type credentialsKey struct{}

// WithCredentials returns a context carrying the credentials for the lifetime of one request
func WithCredentials(ctx context.Context, creds Credentials) context.Context {
	if len(creds) == 0 {
		return ctx
	}
	return context.WithValue(ctx, credentialsKey{}, creds)
}

// CredentialsFromContext returns the credentials carried by ctx
func CredentialsFromContext(ctx context.Context) Credentials {
	creds, _ := ctx.Value(credentialsKey{}).(Credentials)
	return creds
}

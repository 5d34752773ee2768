package auth

import (
	"sort"
	"strings"
)

const redactedMarker = "[REDACTED]"

// Redactor removes known secret values from messages
type Redactor struct {
	secrets []string
}

// NewRedactor creates a redactor for the given secrets. Short values are
// ignored so that ordinary words are never masked. Longer secrets are
// replaced first.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if len(s) >= 6 {
			r.secrets = append(r.secrets, s)
		}
	}
	sort.Slice(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })
	return r
}

// Redact replaces every occurrence of a known secret with a marker
func (r *Redactor) Redact(msg string) string {
	if r == nil {
		return msg
	}
	for _, s := range r.secrets {
		msg = strings.ReplaceAll(msg, s, redactedMarker)
	}
	return msg
}

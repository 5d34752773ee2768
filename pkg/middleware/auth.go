// Package middleware provides HTTP middleware for the stepflow API.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tcmartin/stepflow/pkg/auth"
	"github.com/tcmartin/stepflow/pkg/logging"
)

// Key type for context values
type contextKey string

// Context keys
const (
	SubjectKey contextKey = "subject"
)

// AuthMiddleware authenticates bearer tokens
type AuthMiddleware struct {
	validator   auth.TokenValidator
	rateLimiter *RateLimiter
	logger      logging.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(validator auth.TokenValidator, logger logging.Logger) *AuthMiddleware {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &AuthMiddleware{
		validator:   validator,
		rateLimiter: NewRateLimiter(10, time.Minute), // 10 failed attempts per minute
		logger:      logger,
	}
}

// bearerToken reads the token from the Authorization header, or from the
// access_token query parameter for clients that cannot set headers
// (EventSource, browser websockets).
func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		return strings.TrimSpace(token), ok
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, true
	}
	return "", false
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Authenticate is middleware that authenticates requests
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS preflight
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		client := clientID(r)
		if m.rateLimiter.IsLimited(client) {
			http.Error(w, "Too many authentication attempts, please try again later", http.StatusTooManyRequests)
			return
		}

		token, ok := bearerToken(r)
		if !ok || token == "" {
			http.Error(w, "Bearer token required", http.StatusUnauthorized)
			return
		}

		subject, err := m.validator.ValidateToken(token)
		if err != nil {
			m.rateLimiter.Record(client)
			m.logger.Warn("Authentication failed",
				logging.String("client", client),
				logging.String("path", r.URL.Path),
			)
			http.Error(w, "Authentication failed", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), SubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSubject retrieves the authenticated subject from the request context
func GetSubject(r *http.Request) (string, bool) {
	subject, ok := r.Context().Value(SubjectKey).(string)
	return subject, ok
}

// RateLimiter counts failed attempts per client inside a sliding window
type RateLimiter struct {
	attempts   map[string][]time.Time
	limit      int
	window     time.Duration
	mu         sync.Mutex
	cleanupInt time.Duration
	lastClean  time.Time
	now        func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:   make(map[string][]time.Time),
		limit:      limit,
		window:     window,
		cleanupInt: 5 * time.Minute,
		lastClean:  time.Now(),
		now:        time.Now,
	}
}

// IsLimited checks if a client is rate limited
func (r *RateLimiter) IsLimited(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastClean) > r.cleanupInt {
		r.cleanup(now)
		r.lastClean = now
	}

	cutoff := now.Add(-r.window)
	count := 0
	for _, t := range r.attempts[clientID] {
		if t.After(cutoff) {
			count++
		}
	}
	return count >= r.limit
}

// Record records a failed attempt
func (r *RateLimiter) Record(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[clientID] = append(r.attempts[clientID], r.now())
}

func (r *RateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-r.window)
	for clientID, attempts := range r.attempts {
		var valid []time.Time
		for _, t := range attempts {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		if len(valid) > 0 {
			r.attempts[clientID] = valid
		} else {
			delete(r.attempts, clientID)
		}
	}
}

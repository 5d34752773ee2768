package services

import (
	"errors"
	"fmt"

	"github.com/tcmartin/stepflow/pkg/auth"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned when no validator accepts a token
var ErrInvalidToken = errors.New("invalid token")

// APITokenService accepts static API tokens stored as bcrypt hashes
type APITokenService struct {
	hashes [][]byte
}

// NewAPITokenService creates a service over bcrypt hashes
func NewAPITokenService(hashes []string) *APITokenService {
	s := &APITokenService{hashes: make([][]byte, 0, len(hashes))}
	for _, h := range hashes {
		if h != "" {
			s.hashes = append(s.hashes, []byte(h))
		}
	}
	return s
}

// HashToken returns the bcrypt hash to put in the configuration for token
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// Len returns the number of configured tokens
func (s *APITokenService) Len() int {
	return len(s.hashes)
}

// ValidateToken implements auth.TokenValidator. The subject is the position
// of the matching hash.
func (s *APITokenService) ValidateToken(token string) (string, error) {
	for i, h := range s.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(token)) == nil {
			return fmt.Sprintf("api-token-%d", i), nil
		}
	}
	return "", ErrInvalidToken
}

// ChainValidator tries each validator in order
type ChainValidator []auth.TokenValidator

// ValidateToken returns the subject from the first validator that accepts token
func (c ChainValidator) ValidateToken(token string) (string, error) {
	for _, v := range c {
		if v == nil {
			continue
		}
		if subject, err := v.ValidateToken(token); err == nil {
			return subject, nil
		}
	}
	return "", ErrInvalidToken
}

package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/stepflow/pkg/auth"
)

type staticValidator struct {
	token   string
	subject string
}

func (v staticValidator) ValidateToken(token string) (string, error) {
	if token != v.token {
		return "", errors.New("no match")
	}
	return v.subject, nil
}

func TestAPITokenService(t *testing.T) {
	h1, err := HashToken("token-one")
	require.NoError(t, err)
	h2, err := HashToken("token-two")
	require.NoError(t, err)
	assert.NotEqual(t, "token-one", h1)

	s := NewAPITokenService([]string{h1, "", h2})
	assert.Equal(t, 2, s.Len())

	subject, err := s.ValidateToken("token-two")
	require.NoError(t, err)
	assert.Equal(t, "api-token-1", subject)

	_, err = s.ValidateToken("token-three")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = HashToken("")
	assert.Error(t, err)
}

func TestChainValidator(t *testing.T) {
	chain := ChainValidator{
		nil,
		staticValidator{token: "a", subject: "first"},
		staticValidator{token: "b", subject: "second"},
	}
	var _ auth.TokenValidator = chain

	subject, err := chain.ValidateToken("b")
	require.NoError(t, err)
	assert.Equal(t, "second", subject)

	_, err = chain.ValidateToken("c")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ChainValidator{}.ValidateToken("a")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

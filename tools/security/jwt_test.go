package security

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret-0123456789")

func TestGenerateAndVerify(t *testing.T) {
	opts := DefaultOptions(secret)
	tok, exp, err := Generate(opts, 42)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	c, err := Verify(opts, tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), c.UserID)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	tok, _, err := Generate(DefaultOptions(secret), 42)
	require.NoError(t, err)

	_, err = Verify(DefaultOptions([]byte("other")), tok)
	assert.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	claims := jwtlib.MapClaims{"sub": "9", "exp": time.Now().Add(-time.Minute).Unix()}
	tok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = Verify(DefaultOptions(secret), tok)
	assert.Error(t, err)
}

func TestVerifyAcceptsNumericIDClaim(t *testing.T) {
	claims := jwtlib.MapClaims{"id": 17, "exp": time.Now().Add(time.Hour).Unix()}
	tok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	c, err := Verify(DefaultOptions(secret), tok)
	require.NoError(t, err)
	assert.Equal(t, int64(17), c.UserID)
}

func TestVerifyEmpty(t *testing.T) {
	_, err := Verify(DefaultOptions(secret), "  ")
	assert.ErrorIs(t, err, ErrTokenEmpty)
}

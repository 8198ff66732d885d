package security

import (
	"testing"
	"time"

	"chatfleet/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret-0123456789")

func TestGenerateValidateRoundTrip(t *testing.T) {
	opts := DefaultOptions(secret)
	tok, exp, err := Generate(opts, 1234)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	a, err := NewAuthenticator(opts)
	require.NoError(t, err)
	uid, err := a.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), uid)
}

func TestValidateRejects(t *testing.T) {
	a, err := NewAuthenticator(DefaultOptions(secret))
	require.NoError(t, err)

	other, _, err := Generate(DefaultOptions([]byte("another-secret")), 1)
	require.NoError(t, err)

	expired := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "5",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	expiredTok, err := expired.SignedString(secret)
	require.NoError(t, err)

	notNumeric := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{"sub": "alice"})
	notNumericTok, err := notNumeric.SignedString(secret)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"wrong secret": other,
		"expired":      expiredTok,
		"non numeric":  notNumericTok,
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Validate(tok)
			require.Error(t, err)
			assert.True(t, errs.ErrUnauthorized.Is(err))
		})
	}
}

func TestNewAuthenticatorConfig(t *testing.T) {
	_, err := NewAuthenticator(Options{})
	assert.Error(t, err)
	_, err = NewAuthenticator(Options{Secret: secret, Alg: "RS256"})
	assert.Error(t, err)
}

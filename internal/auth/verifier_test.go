package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://securetoken.google.com/learnstack"
	testAudience = "learnstack"
)

var testNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return testNow }

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("unused-secret"))
	require.NoError(t, err)
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-123",
		"email": "ada@example.com",
		"iss":   testIssuer,
		"aud":   testAudience,
		"exp":   testNow.Add(time.Hour).Unix(),
	}
}

func TestClaimsVerifier_Verify(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(jwt.MapClaims)
		wantErr bool
	}{
		{name: "valid token", mutate: func(jwt.MapClaims) {}},
		{name: "wrong issuer", mutate: func(c jwt.MapClaims) { c["iss"] = "https://accounts.example.com" }, wantErr: true},
		{name: "missing issuer", mutate: func(c jwt.MapClaims) { delete(c, "iss") }, wantErr: true},
		{name: "audience without project id", mutate: func(c jwt.MapClaims) { c["aud"] = "other-project" }, wantErr: true},
		{name: "audience containing project id", mutate: func(c jwt.MapClaims) { c["aud"] = "learnstack-prod" }},
		{name: "audience list with project id", mutate: func(c jwt.MapClaims) { c["aud"] = []string{"a", "learnstack"} }},
		{name: "audience list without project id", mutate: func(c jwt.MapClaims) { c["aud"] = []string{"a", "learnstack-prod"} }, wantErr: true},
		{name: "single-element audience list needs exact match", mutate: func(c jwt.MapClaims) { c["aud"] = []string{"learnstack-dev"} }, wantErr: true},
		{name: "single-element audience list with project id", mutate: func(c jwt.MapClaims) { c["aud"] = []string{"learnstack"} }},
		{name: "empty audience list", mutate: func(c jwt.MapClaims) { c["aud"] = []string{} }, wantErr: true},
		{name: "non-string audience", mutate: func(c jwt.MapClaims) { c["aud"] = 42 }, wantErr: true},
		{name: "missing audience", mutate: func(c jwt.MapClaims) { delete(c, "aud") }, wantErr: true},
		{name: "expired", mutate: func(c jwt.MapClaims) { c["exp"] = testNow.Add(-time.Second).Unix() }, wantErr: true},
		{name: "expires exactly now", mutate: func(c jwt.MapClaims) { c["exp"] = testNow.Unix() }, wantErr: true},
		{name: "missing exp", mutate: func(c jwt.MapClaims) { delete(c, "exp") }, wantErr: true},
		{name: "missing sub", mutate: func(c jwt.MapClaims) { delete(c, "sub") }, wantErr: true},
		{name: "missing email is allowed", mutate: func(c jwt.MapClaims) { delete(c, "email") }},
	}

	v := NewClaimsVerifier("securetoken.google.com", testAudience, WithClock(fixedClock))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims()
			tt.mutate(claims)

			got, err := v.Verify(context.Background(), mintToken(t, claims))
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrInvalidToken), "error should wrap ErrInvalidToken: %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "user-123", got.Subject)
			require.Equal(t, testIssuer, got.Issuer)
			require.Equal(t, testNow.Add(time.Hour).Unix(), got.ExpiresAt)
		})
	}
}

func TestClaimsVerifier_EmailDefaultsToEmpty(t *testing.T) {
	v := NewClaimsVerifier("securetoken.google.com", testAudience, WithClock(fixedClock))
	claims := validClaims()
	delete(claims, "email")

	got, err := v.Verify(context.Background(), mintToken(t, claims))
	require.NoError(t, err)
	require.Empty(t, got.Email)
}

func TestClaimsVerifier_Malformed(t *testing.T) {
	v := NewClaimsVerifier("securetoken.google.com", testAudience, WithClock(fixedClock))
	for _, raw := range []string{"", "abc", "a.b", "e30.!!!.sig", "e30.bm90LWpzb24.sig"} {
		_, err := v.Verify(context.Background(), raw)
		require.ErrorIs(t, err, ErrInvalidToken, "token %q", raw)
	}
}

func TestClaimsVerifier_SignatureVerification(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	v := NewClaimsVerifier("securetoken.google.com", testAudience,
		WithClock(fixedClock),
		WithKeyFunc(func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil }),
	)

	sign := func(k *rsa.PrivateKey) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims()).SignedString(k)
		require.NoError(t, err)
		return s
	}

	got, err := v.Verify(context.Background(), sign(key))
	require.NoError(t, err)
	require.Equal(t, "user-123", got.Subject)

	_, err = v.Verify(context.Background(), sign(other))
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(context.Background(), mintToken(t, validClaims()))
	require.ErrorIs(t, err, ErrInvalidToken, "HS256 tokens must be rejected when signatures are checked")
}

func TestClaimsVerifier_KeySourceReceivesRequestContext(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	type ctxKey struct{}
	var seen any
	v := NewClaimsVerifier("securetoken.google.com", testAudience,
		WithClock(fixedClock),
		WithKeySource(func(ctx context.Context) jwt.Keyfunc {
			seen = ctx.Value(ctxKey{})
			return func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil }
		}),
	)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims()).SignedString(key)
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), ctxKey{}, "req-7")
	_, err = v.Verify(ctx, signed)
	require.NoError(t, err)
	require.Equal(t, "req-7", seen)
}

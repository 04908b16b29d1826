// Package auth turns bearer tokens into verified claim sets.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for every rejected token. The wrapped reason is
// for logs only and is never shown to the client.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the validated subset of a token payload used for identity and
// rate limiting.
type Claims struct {
	Subject   string `json:"sub"`
	Email     string `json:"email,omitempty"`
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
}

// Verifier produces a claim set from a raw bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

type tokenClaims struct {
	Email    string   `json:"email,omitempty"`
	Audience audience `json:"aud"`
	jwt.RegisteredClaims
}

// audience keeps the JSON shape of the aud claim, which jwt.ClaimStrings
// flattens: a one-element list must still match exactly.
type audience struct {
	values []string
	list   bool
}

func (a *audience) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		a.values, a.list = []string{single}, false
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("aud must be a string or a list of strings: %w", err)
	}
	a.values, a.list = many, true
	return nil
}

// KeySource returns a key function whose lookups run under ctx.
type KeySource func(ctx context.Context) jwt.Keyfunc

// ClaimsVerifier decodes the token payload and checks issuer, audience and
// expiry. Without a key function it performs no signature check.
type ClaimsVerifier struct {
	issuer   string
	audience string
	keys     KeySource
	now      func() time.Time
	parser   *jwt.Parser
}

// Option configures a ClaimsVerifier.
type Option func(*ClaimsVerifier)

// WithKeyFunc enables RS256 signature verification with keys from kf.
func WithKeyFunc(kf jwt.Keyfunc) Option {
	return WithKeySource(func(context.Context) jwt.Keyfunc { return kf })
}

// WithKeySource enables RS256 signature verification with keys resolved
// under the request context, such as keys.Cache.KeyfuncContext.
func WithKeySource(ks KeySource) Option {
	return func(v *ClaimsVerifier) { v.keys = ks }
}

// WithClock overrides the time source used for the expiry check.
func WithClock(now func() time.Time) Option {
	return func(v *ClaimsVerifier) { v.now = now }
}

// NewClaimsVerifier creates a verifier that accepts tokens whose issuer
// contains issuerSubstring and whose audience contains audience.
func NewClaimsVerifier(issuerSubstring, audience string, opts ...Option) *ClaimsVerifier {
	v := &ClaimsVerifier{
		issuer:   issuerSubstring,
		audience: audience,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.keys != nil {
		v.parser = jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithoutClaimsValidation(),
			jwt.WithPaddingAllowed(),
		)
	} else {
		v.parser = jwt.NewParser(jwt.WithPaddingAllowed())
	}
	return v
}

// Verify implements Verifier.
func (v *ClaimsVerifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	tc := &tokenClaims{}
	if v.keys == nil {
		if _, _, err := v.parser.ParseUnverified(raw, tc); err != nil {
			return nil, invalid("malformed: %v", err)
		}
	} else {
		tok, err := v.parser.ParseWithClaims(raw, tc, v.keys(ctx))
		if err != nil {
			return nil, invalid("signature: %v", err)
		}
		if !tok.Valid {
			return nil, invalid("signature: token not valid")
		}
	}
	return v.check(tc)
}

func (v *ClaimsVerifier) check(tc *tokenClaims) (*Claims, error) {
	if tc.Issuer == "" || !strings.Contains(tc.Issuer, v.issuer) {
		return nil, invalid("issuer %q", tc.Issuer)
	}
	aud, ok := matchAudience(tc.Audience, v.audience)
	if !ok {
		return nil, invalid("audience %v", tc.Audience.values)
	}
	if tc.ExpiresAt == nil || tc.ExpiresAt.Unix()*1000 <= v.now().UnixMilli() {
		return nil, invalid("expired")
	}
	if tc.Subject == "" {
		return nil, invalid("missing sub")
	}
	return &Claims{
		Subject:   tc.Subject,
		Email:     tc.Email,
		Issuer:    tc.Issuer,
		Audience:  aud,
		ExpiresAt: tc.ExpiresAt.Unix(),
	}, nil
}

// matchAudience accepts a string audience containing want as a substring, or
// a list with an element equal to want.
func matchAudience(aud audience, want string) (string, bool) {
	if !aud.list {
		if len(aud.values) == 1 && strings.Contains(aud.values[0], want) {
			return aud.values[0], true
		}
		return "", false
	}
	for _, a := range aud.values {
		if a == want {
			return a, true
		}
	}
	return "", false
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidToken, fmt.Sprintf(format, args...))
}

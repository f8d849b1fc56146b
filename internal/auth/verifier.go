// Package auth verifies access tokens issued by the hosted auth service.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultAudience = "authenticated"
	defaultLeeway   = 30 * time.Second
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// TokenVerifier is implemented by Verifier and by test doubles.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// Verifier validates signed access tokens against the issuer's JWKS.
type Verifier struct {
	issuer   string
	audience string
	keys     jwt.Keyfunc
	parser   *jwt.Parser
}

// IssuerFor returns the token issuer for a project base URL.
func IssuerFor(projectURL string) string {
	return strings.TrimRight(strings.TrimSpace(projectURL), "/") + "/auth/v1"
}

// NewVerifier builds a Verifier. An empty jwksURL resolves to the issuer's
// well-known key set. The key set is fetched in the background and refreshed
// until ctx is canceled.
func NewVerifier(ctx context.Context, issuer, audience, jwksURL string) (*Verifier, error) {
	issuer = strings.TrimRight(strings.TrimSpace(issuer), "/")
	if issuer == "" {
		return nil, errors.New("auth: issuer must not be empty")
	}
	if strings.TrimSpace(audience) == "" {
		audience = DefaultAudience
	}
	if jwksURL == "" {
		jwksURL = issuer + "/.well-known/jwks.json"
	}

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("auth: init jwks: %w", err)
	}
	return newVerifier(issuer, audience, k.Keyfunc), nil
}

func newVerifier(issuer, audience string, keys jwt.Keyfunc) *Verifier {
	return &Verifier{
		issuer:   issuer,
		audience: audience,
		keys:     keys,
		parser: jwt.NewParser(
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithLeeway(defaultLeeway),
			jwt.WithExpirationRequired(),
			jwt.WithValidMethods([]string{
				jwt.SigningMethodRS256.Name,
				jwt.SigningMethodES256.Name,
			}),
		),
	}
}

// Verify parses token and returns its claims. Every failure wraps
// ErrInvalidToken.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	parsed, err := v.parser.Parse(token, v.keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	claims := &Claims{
		Subject:   stringClaim(mc, "sub"),
		Email:     stringClaim(mc, "email"),
		Issuer:    stringClaim(mc, "iss"),
		Audience:  audienceClaim(mc["aud"]),
		ExpiresAt: expiryClaim(mc["exp"]),
		Raw:       mc,
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func stringClaim(mc jwt.MapClaims, key string) string {
	s, _ := mc[key].(string)
	return s
}

func audienceClaim(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func expiryClaim(raw any) time.Time {
	switch v := raw.(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Unix(n, 0).UTC()
		}
	}
	return time.Time{}
}

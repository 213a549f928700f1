package mcp

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator validates the bearer token of an inbound HTTP request and returns the
// identity that is attached to every message the request carries.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthenticatorFunc adapts a function into an Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (*AuthInfo, error)

// ErrUnauthorized is wrapped by authentication failures caused by the presented token.
var ErrUnauthorized = errors.New("unauthorized")

// JWTAuthenticator validates JWT access tokens signed with a static key. The token must carry
// an expiry and a subject.
//
// Instances must be created with NewJWTAuthenticator.
type JWTAuthenticator struct {
	key       any
	algs      []string
	issuer    string
	audiences []string
	leeway    time.Duration
}

// JWTAuthenticatorOption configures a JWTAuthenticator.
type JWTAuthenticatorOption func(*JWTAuthenticator)

const defaultJWTLeeway = 60 * time.Second

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (*AuthInfo, error) {
	return f(ctx, token)
}

// WithJWTIssuer requires the "iss" claim to equal issuer.
func WithJWTIssuer(issuer string) JWTAuthenticatorOption {
	return func(a *JWTAuthenticator) {
		a.issuer = issuer
	}
}

// WithJWTAudiences requires the "aud" claim to contain at least one of audiences.
func WithJWTAudiences(audiences ...string) JWTAuthenticatorOption {
	return func(a *JWTAuthenticator) {
		a.audiences = append(a.audiences, audiences...)
	}
}

// WithJWTAlgorithms restricts the accepted signing algorithms. By default the algorithms
// matching the key type are accepted.
func WithJWTAlgorithms(algs ...string) JWTAuthenticatorOption {
	return func(a *JWTAuthenticator) {
		a.algs = algs
	}
}

// WithJWTLeeway sets the clock skew tolerated for time based claims.
func WithJWTLeeway(leeway time.Duration) JWTAuthenticatorOption {
	return func(a *JWTAuthenticator) {
		a.leeway = leeway
	}
}

// NewJWTAuthenticator creates an authenticator that verifies token signatures with key: a
// []byte secret for HMAC, or an *rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey.
func NewJWTAuthenticator(key any, options ...JWTAuthenticatorOption) *JWTAuthenticator {
	a := &JWTAuthenticator{
		key:    key,
		leeway: defaultJWTLeeway,
	}
	for _, opt := range options {
		opt(a)
	}
	if len(a.algs) == 0 {
		a.algs = algorithmsForKey(key)
	}
	return a
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.algs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parser := jwt.NewParser(opts...)

	parsed, err := parser.Parse(token, func(*jwt.Token) (any, error) {
		return a.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %w", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	if len(a.audiences) > 0 {
		aud, err := claims.GetAudience()
		if err != nil || !audienceIntersects(aud, a.audiences) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
		}
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return &AuthInfo{
		Subject: sub,
		Token:   token,
		Claims:  map[string]any(claims),
	}, nil
}

func audienceIntersects(aud jwt.ClaimStrings, wants []string) bool {
	for _, a := range aud {
		for _, w := range wants {
			if a == w {
				return true
			}
		}
	}
	return false
}

func algorithmsForKey(key any) []string {
	switch key.(type) {
	case []byte:
		return []string{"HS256", "HS384", "HS512"}
	case *rsa.PublicKey:
		return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
	case *ecdsa.PublicKey:
		return []string{"ES256", "ES384", "ES512"}
	case ed25519.PublicKey:
		return []string{"EdDSA"}
	default:
		return []string{"RS256"}
	}
}

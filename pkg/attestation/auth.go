package attestation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
)

// Authorizer performs the per-call check a verifier must pass in addition
// to set membership.
type Authorizer interface {
	Authorize(ctx context.Context, verifier string) error
}

// SetOnly accepts every verifier already in the authorized set.
type SetOnly struct{}

func (SetOnly) Authorize(context.Context, string) error { return nil }

type tokenKey struct{}

// WithToken attaches a verifier's bearer token to ctx.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the bearer token carried on ctx.
func TokenFromContext(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(tokenKey{}).(string)
	return tok, ok && tok != ""
}

// VerifierClaims is the JWT body a verifier presents.
type VerifierClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

const attestScope = "attest"

// JWTAuthorizer requires an HS256 token on the context whose subject is the
// verifier and whose scope allows attesting.
type JWTAuthorizer struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewJWTAuthorizer creates an authorizer for tokens signed with secret.
func NewJWTAuthorizer(secret []byte, issuer string) *JWTAuthorizer {
	return &JWTAuthorizer{secret: secret, issuer: issuer, clock: time.Now}
}

// WithClock overrides the time source used for expiry checks.
func (a *JWTAuthorizer) WithClock(clock func() time.Time) *JWTAuthorizer {
	a.clock = clock
	return a
}

// Issue mints a token for verifier valid for ttl.
func (a *JWTAuthorizer) Issue(verifier string, ttl time.Duration) (string, error) {
	now := a.clock().UTC()
	claims := VerifierClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   verifier,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: attestScope,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *JWTAuthorizer) Authorize(ctx context.Context, verifier string) error {
	raw, ok := TokenFromContext(ctx)
	if !ok {
		return protoerr.New(protoerr.KindUnauthorized, namespace, "missing verifier token")
	}
	token, err := jwt.ParseWithClaims(raw, &VerifierClaims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return protoerr.Wrap(protoerr.KindUnauthorized, namespace, err, "invalid verifier token")
	}
	claims, ok := token.Claims.(*VerifierClaims)
	if !ok || !token.Valid {
		return protoerr.Wrap(protoerr.KindUnauthorized, namespace, errors.New("token signature invalid"), "invalid verifier token")
	}
	if claims.Subject != verifier {
		return protoerr.New(protoerr.KindUnauthorized, namespace, fmt.Sprintf("token subject %q does not match verifier", claims.Subject))
	}
	if claims.Scope != attestScope {
		return protoerr.New(protoerr.KindUnauthorized, namespace, "token scope does not allow attesting")
	}
	return nil
}

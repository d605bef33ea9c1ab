package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification: bad
// signature, expired, malformed or missing identity claims.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the identity extracted from a verified token.
type Claims struct {
	UserID string
	Email  string
}

// Verifier validates a bearer credential. Implementations must fail closed.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// VerifierFunc is an adapter to allow the use of ordinary functions as verifiers.
type VerifierFunc func(token string) (Claims, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(token string) (Claims, error) {
	return f(token)
}

// tokenClaims mirrors the payload minted by the HTTP API: {userId, email}
// plus the registered claims (exp, iat, iss).
type tokenClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HMAC-signed JWTs issued with the shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// Option configures a JWTVerifier.
type Option func(*JWTVerifier)

// WithIssuer enforces the iss claim.
func WithIssuer(issuer string) Option {
	return func(v *JWTVerifier) {
		v.issuer = strings.TrimSpace(issuer)
	}
}

// WithLeeway tolerates clock skew when checking exp/nbf/iat.
func WithLeeway(d time.Duration) Option {
	return func(v *JWTVerifier) {
		v.leeway = d
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *JWTVerifier) {
		v.now = now
	}
}

// NewJWTVerifier constructs a verifier for the provided secret.
func NewJWTVerifier(secret []byte, opts ...Option) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty jwt secret")
	}
	v := &JWTVerifier{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	var claims tokenClaims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return Claims{}, fmt.Errorf("%w: missing userId claim", ErrInvalidToken)
	}

	return Claims{UserID: claims.UserID, Email: claims.Email}, nil
}

// BearerToken extracts the credential from an Authorization header value.
// A bare token without the "Bearer " prefix is accepted as well.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// SignToken mints an HS256 token carrying c. It is the counterpart of
// JWTVerifier for tools and tests that act as the HTTP API.
func SignToken(secret []byte, c Claims, issuer string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("auth: empty jwt secret")
	}
	now := time.Now()
	claims := tokenClaims{
		UserID: c.UserID,
		Email:  c.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

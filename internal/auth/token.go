// ABOUTME: Token verification for WebSocket handshakes and producer requests
// ABOUTME: HS256 JWTs identify users; verifiers return an Identity or an error wrapping ErrUnauthorized

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is wrapped by every verification failure.
var ErrUnauthorized = errors.New("unauthorized")

// Token errors
var (
	ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrUnauthorized)
	ErrExpiredToken = fmt.Errorf("%w: token expired", ErrUnauthorized)
	ErrMissingClaim = fmt.Errorf("%w: missing required claim", ErrUnauthorized)
	ErrInactive     = fmt.Errorf("%w: principal inactive", ErrUnauthorized)
)

// MinSecretLength is the shortest accepted HS256 secret, in bytes.
const MinSecretLength = 32

// Identity kinds
const (
	KindUser    = "user"
	KindService = "service"
)

// Identity is the authenticated principal behind a credential.
type Identity struct {
	PrincipalID string
	Kind        string
	Claims      map[string]any
}

// TokenVerifier validates a credential. Implementations must not mutate state.
type TokenVerifier interface {
	Verify(token string) (*Identity, error)
}

// JWTOptions adds optional claim checks.
type JWTOptions struct {
	Issuer   string
	Audience string
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
	opts   JWTOptions
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier. The secret must be at least
// MinSecretLength bytes.
func NewJWTVerifier(secret []byte, opts JWTOptions) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}

	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	return &JWTVerifier{
		secret: secret,
		opts:   opts,
		parser: jwt.NewParser(parserOpts...),
	}, nil
}

// Verify validates the token and builds an Identity from its "sub" claim.
// A token carrying "active": false is refused.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if active, ok := claims["active"].(bool); ok && !active {
		return nil, ErrInactive
	}

	return &Identity{
		PrincipalID: sub,
		Kind:        KindUser,
		Claims:      map[string]any(claims),
	}, nil
}

// Generate mints a token for principalID expiring after expiresIn. Extra
// claims are copied in but cannot override sub, iat or exp.
func (v *JWTVerifier) Generate(principalID string, expiresIn time.Duration, extra map[string]any) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{}
	for k, val := range extra {
		claims[k] = val
	}
	claims["sub"] = principalID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(expiresIn).Unix()
	if v.opts.Issuer != "" {
		claims["iss"] = v.opts.Issuer
	}
	if v.opts.Audience != "" {
		claims["aud"] = v.opts.Audience
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

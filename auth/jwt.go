package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type JWTOptions struct {
	Secret     []byte        // HMAC key shared with the token issuer
	Alg        string        // HS256/HS384/HS512 (default HS256)
	Issuer     string        // optional; enforced when set
	Leeway     time.Duration // clock skew tolerance for exp/nbf
	RequireExp bool
}

// JWTGate verifies HMAC-signed JWTs. The owner is the "sub" claim.
type JWTGate struct {
	opts   JWTOptions
	parser *jwt.Parser
}

func NewJWTGate(opts JWTOptions) (*JWTGate, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithLeeway(opts.Leeway),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.RequireExp {
		parserOpts = append(parserOpts, jwt.WithExpirationRequired())
	}
	return &JWTGate{opts: opts, parser: jwt.NewParser(parserOpts...)}, nil
}

func (g *JWTGate) Authenticate(_ context.Context, token string) (Identity, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := g.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return g.opts.Secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return Identity{OwnerID: claims.Subject}, nil
}

// Sign mints a token for ownerID. It exists for tests and local tooling; production
// tokens come from the external issuer.
func Sign(opts JWTOptions, ownerID string, ttl time.Duration) (string, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   ownerID,
		Issuer:    opts.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(method, claims).SignedString(opts.Secret)
}

func signingMethod(alg string) (jwt.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}

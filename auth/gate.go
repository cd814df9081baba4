// Package auth validates bearer tokens presented on connection establishment.
// Token issuance lives elsewhere; this package only answers "who owns this token".
package auth

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrOwnerMismatch = fmt.Errorf("%w: token owner does not match user", ErrUnauthorized)
)

// Identity is what the gate knows about a token.
type Identity struct {
	OwnerID string
}

type Gate interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, token string) (Identity, error)

func (f GateFunc) Authenticate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// Authorize authenticates token and checks it belongs to userID. Every failure
// wraps ErrUnauthorized; an owner mismatch is additionally ErrOwnerMismatch.
func Authorize(ctx context.Context, gate Gate, token, userID string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	id, err := gate.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if id.OwnerID != userID {
		return Identity{}, ErrOwnerMismatch
	}
	return id, nil
}

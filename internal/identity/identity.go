// Package identity turns the bearer credential presented on a WebSocket
// handshake into a verified user identity. The Guard runs once per connection
// attempt, before the transport admits the connection.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrNoCredential is returned when the handshake carries no token at all.
	ErrNoCredential = errors.New("identity: no credential presented")

	// ErrInvalidCredential is returned when a token is present but fails
	// verification (expired, malformed, bad signature, missing subject).
	ErrInvalidCredential = errors.New("identity: invalid credential")
)

// Identity is the verified user bound to a connection for its lifetime.
type Identity struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	Activated bool   `json:"activated"`
}

// Decoder verifies a raw bearer token and returns the identity it carries.
type Decoder interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

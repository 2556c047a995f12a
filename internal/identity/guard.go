package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

// Guard admits or rejects a connection attempt based on its credential.
type Guard struct {
	decoder Decoder
	timeout time.Duration
	logger  *zap.Logger
}

// NewGuard returns a Guard that verifies tokens with decoder. A positive
// timeout bounds each verification.
func NewGuard(decoder Decoder, timeout time.Duration, logger *zap.Logger) *Guard {
	return &Guard{decoder: decoder, timeout: timeout, logger: logger}
}

// TokenFromRequest extracts the bearer credential from the Authorization
// header, falling back to the "token" query parameter. A malformed
// Authorization header yields an empty token.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, bearerPrefix) {
			return ""
		}
		return strings.TrimSpace(auth[len(bearerPrefix):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Admit verifies the credential carried by r. It returns ErrNoCredential when
// none is present and an error wrapping ErrInvalidCredential when verification
// fails.
func (g *Guard) Admit(ctx context.Context, r *http.Request) (Identity, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return Identity{}, ErrNoCredential
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	ident, err := g.decoder.Verify(ctx, token)
	if err != nil {
		g.logger.Debug("credential rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		if errors.Is(err, ErrInvalidCredential) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if ident.ID == "" {
		return Identity{}, fmt.Errorf("%w: empty identity", ErrInvalidCredential)
	}
	return ident, nil
}

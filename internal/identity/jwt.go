package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token body issued by the platform's auth service.
type Claims struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	Activated bool   `json:"activated"`
	jwt.RegisteredClaims
}

// JWTDecoder verifies HS256-signed tokens against a shared secret.
type JWTDecoder struct {
	key    []byte
	issuer string
}

// NewJWTDecoder returns a decoder for the given secret. When issuer is
// non-empty the token's iss claim must match it.
func NewJWTDecoder(secret []byte, issuer string) *JWTDecoder {
	return &JWTDecoder{key: secret, issuer: issuer}
}

// Verify parses the token, checks signature and expiry, and maps the claims
// onto an Identity. Every failure wraps ErrInvalidCredential.
func (d *JWTDecoder) Verify(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if d.issuer != "" {
		opts = append(opts, jwt.WithIssuer(d.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return d.key, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, jwt.ErrSignatureInvalid)
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return Identity{}, fmt.Errorf("%w: token has no user id", ErrInvalidCredential)
	}

	return Identity{
		ID:        id,
		Email:     claims.Email,
		Username:  claims.Username,
		Activated: claims.Activated,
	}, nil
}

// Issue signs a token for ident valid for ttl. The gateway itself never issues
// credentials; this exists for tooling and tests that need a token the decoder
// accepts.
func (d *JWTDecoder) Issue(ident Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:    ident.ID,
		Email:     ident.Email,
		Username:  ident.Username,
		Activated: ident.Activated,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.ID,
			Issuer:    d.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.key)
}

package identity

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var alice = Identity{ID: "u-alice", Email: "alice@example.com", Username: "alice", Activated: true}

func TestJWTDecoder_RoundTrip(t *testing.T) {
	req := require.New(t)
	dec := NewJWTDecoder([]byte("test-secret"), "sparkmatch")

	token, err := dec.Issue(alice, time.Minute)
	req.NoError(err)

	got, err := dec.Verify(context.Background(), token)
	req.NoError(err)
	req.Equal(alice, got)
}

func TestJWTDecoder_Rejects(t *testing.T) {
	good := NewJWTDecoder([]byte("test-secret"), "")

	expired, err := good.Issue(alice, -time.Minute)
	require.NoError(t, err)

	otherKey, err := NewJWTDecoder([]byte("other-secret"), "").Issue(alice, time.Minute)
	require.NoError(t, err)

	wrongIssuer, err := NewJWTDecoder([]byte("test-secret"), "elsewhere").Issue(alice, time.Minute)
	require.NoError(t, err)

	noSubject, err := good.Issue(Identity{Username: "ghost"}, time.Minute)
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	strict := NewJWTDecoder([]byte("test-secret"), "sparkmatch")

	tests := []struct {
		name  string
		dec   *JWTDecoder
		token string
	}{
		{"expired", good, expired},
		{"bad signature", good, otherKey},
		{"malformed", good, "not.a.jwt"},
		{"wrong issuer", strict, wrongIssuer},
		{"no subject", good, noSubject},
		{"alg none", good, noneAlg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.dec.Verify(context.Background(), tt.token)
			require.ErrorIs(t, err, ErrInvalidCredential)
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := require.New(t)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	req.Equal("abc", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws?token=xyz", nil)
	req.Equal("xyz", TokenFromRequest(r))

	// Header wins over query parameter.
	r = httptest.NewRequest("GET", "/ws?token=xyz", nil)
	r.Header.Set("Authorization", "Bearer abc")
	req.Equal("abc", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws?token=xyz", nil)
	r.Header.Set("Authorization", "Basic abc")
	req.Empty(TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	req.Empty(TokenFromRequest(r))
}

type decoderFunc func(ctx context.Context, token string) (Identity, error)

func (f decoderFunc) Verify(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

func TestGuard_Admit(t *testing.T) {
	calls := 0
	dec := decoderFunc(func(ctx context.Context, token string) (Identity, error) {
		calls++
		switch token {
		case "good":
			return alice, nil
		case "broken":
			return Identity{}, errors.New("decoder unavailable")
		default:
			return Identity{}, ErrInvalidCredential
		}
	})
	guard := NewGuard(dec, time.Second, zap.NewNop())

	t.Run("no token", func(t *testing.T) {
		calls = 0
		_, err := guard.Admit(context.Background(), httptest.NewRequest("GET", "/ws", nil))
		require.ErrorIs(t, err, ErrNoCredential)
		require.NotErrorIs(t, err, ErrInvalidCredential)
		require.Zero(t, calls, "decoder must not run without a token")
	})

	t.Run("invalid token", func(t *testing.T) {
		_, err := guard.Admit(context.Background(), httptest.NewRequest("GET", "/ws?token=bad", nil))
		require.ErrorIs(t, err, ErrInvalidCredential)
		require.NotErrorIs(t, err, ErrNoCredential)
	})

	t.Run("decoder failure is an invalid credential", func(t *testing.T) {
		_, err := guard.Admit(context.Background(), httptest.NewRequest("GET", "/ws?token=broken", nil))
		require.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("valid token", func(t *testing.T) {
		got, err := guard.Admit(context.Background(), httptest.NewRequest("GET", "/ws?token=good", nil))
		require.NoError(t, err)
		require.Equal(t, alice, got)
	})
}

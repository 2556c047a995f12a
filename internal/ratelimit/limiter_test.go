package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestLimiter connects to a local Redis on localhost:6379. Tests skip when
// Redis is unavailable.
func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, zap.NewNop()), client
}

func TestAllow_BlocksAfterLimit(t *testing.T) {
	req := require.New(t)
	limiter, client := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 5 * time.Second}
	client.Del(ctx, rule.Key+"u1")
	t.Cleanup(func() { client.Del(ctx, rule.Key+"u1") })

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "u1", rule)
		req.NoError(err)
		req.True(ok, "request %d", i+1)
	}

	ok, err := limiter.Allow(ctx, "u1", rule)
	req.NoError(err)
	req.False(ok)

	wait, err := limiter.RetryAfter(ctx, "u1", rule)
	req.NoError(err)
	req.Greater(wait, time.Duration(0))
	req.LessOrEqual(wait, rule.Window)
}

func TestRetryAfter_FreshKey(t *testing.T) {
	limiter, client := newTestLimiter(t)
	ctx := context.Background()
	rule := PresenceRule(30, 10*time.Second)
	client.Del(ctx, rule.Key+"test_fresh")

	wait, err := limiter.RetryAfter(ctx, "test_fresh", rule)
	require.NoError(t, err)
	require.Zero(t, wait)
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { client.Close() })
	limiter := NewLimiter(client, zap.NewNop())

	ok, err := limiter.Allow(context.Background(), "u1", ChatRule(1, time.Second))
	require.Error(t, err)
	require.True(t, ok)
}

// Package profile holds the slice of user profile state the gateway writes:
// the last time a user was seen online. Records are Redis hashes:
//
//	Key:    profile:<user_id>
//	Fields: last_online (unix seconds), last_server
package profile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ProfilePrefix is the Redis key prefix for profile hashes.
	ProfilePrefix = "profile:"

	// ProfileTTL keeps idle profile hashes from living forever; the durable
	// profile lives in the platform's primary database.
	ProfileTTL = 30 * 24 * time.Hour
)

// Store writes last-online timestamps to Redis.
type Store struct {
	client     *redis.Client
	serverName string // gateway instance that observed the disconnect
}

// Dial connects to Redis and verifies the connection with a PING.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("profile: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore returns a Store using client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// SetLastOnline records at as the user's last-online time and refreshes the
// key TTL.
func (s *Store) SetLastOnline(ctx context.Context, userID string, at time.Time) error {
	key := ProfilePrefix + userID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_online", at.Unix(), "last_server", s.serverName)
	pipe.Expire(ctx, key, ProfileTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("profile: set last online %s: %w", userID, err)
	}
	return nil
}

// LastOnline returns the recorded last-online time. ok is false when nothing
// has been recorded for the user.
func (s *Store) LastOnline(ctx context.Context, userID string) (at time.Time, ok bool, err error) {
	raw, err := s.client.HGet(ctx, ProfilePrefix+userID, "last_online").Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("profile: get last online %s: %w", userID, err)
	}

	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("profile: corrupt last_online for %s: %w", userID, err)
	}
	return time.Unix(secs, 0), true, nil
}

// Delete removes the user's profile hash.
func (s *Store) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, ProfilePrefix+userID).Err()
}

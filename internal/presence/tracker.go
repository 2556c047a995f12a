// Package presence answers "is this user reachable right now" and keeps the
// session registry in step with connection admission and teardown.
package presence

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/sparkmatch/gateway/internal/metrics"
	"github.com/sparkmatch/gateway/internal/registry"
)

// Tracker wraps the session registry with connect/disconnect semantics.
type Tracker struct {
	sessions *registry.Registry
	profiles ProfileStore
	logger   *zap.Logger
	now      func() time.Time
}

// NewTracker returns a Tracker over sessions. profiles may be nil, in which
// case full disconnects are not recorded anywhere.
func NewTracker(sessions *registry.Registry, profiles ProfileStore, logger *zap.Logger) *Tracker {
	return &Tracker{
		sessions: sessions,
		profiles: profiles,
		logger:   logger,
		now:      time.Now,
	}
}

// Connect registers sessionID under the verified userID.
func (t *Tracker) Connect(userID, sessionID string) {
	if t.sessions.Add(userID, sessionID) {
		t.logger.Debug("user online", zap.String("user_id", userID), zap.String("session_id", sessionID))
	}
	metrics.OnlineUsers.Set(float64(t.sessions.Users()))
}

// Disconnect removes sessionID. When it was the user's last live session the
// last-online timestamp is written once; write failures are logged and
// dropped. It reports whether the user went fully offline.
func (t *Tracker) Disconnect(ctx context.Context, userID, sessionID string) bool {
	emptied := t.sessions.Remove(userID, sessionID)
	metrics.OnlineUsers.Set(float64(t.sessions.Users()))
	if !emptied {
		return false
	}

	t.logger.Debug("user offline", zap.String("user_id", userID), zap.String("session_id", sessionID))
	if t.profiles == nil {
		return true
	}

	if err := t.profiles.SetLastOnline(ctx, userID, t.now()); err != nil {
		// TODO: surface repeated last-online write failures to an alert instead of only logging them.
		metrics.LastOnlineWrites.WithLabelValues("error").Inc()
		t.logger.Warn("last online write failed", zap.String("user_id", userID), zap.Error(err))
		return true
	}
	metrics.LastOnlineWrites.WithLabelValues("ok").Inc()
	return true
}

// QueryOnline reports liveness for each requested id. Duplicates collapse into
// a single entry. The answer is a snapshot with no side effects.
func (t *Tracker) QueryOnline(userIDs []string) map[string]bool {
	ids := lo.Uniq(userIDs)
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = t.sessions.Has(id)
	}
	return out
}

// SessionsOf returns a snapshot of userID's live sessions.
func (t *Tracker) SessionsOf(userID string) []string {
	return t.sessions.SessionsOf(userID)
}

// IsOnline reports whether userID has at least one live session.
func (t *Tracker) IsOnline(userID string) bool {
	return t.sessions.Has(userID)
}

// OnlineUsers returns the number of users with a live session.
func (t *Tracker) OnlineUsers() int {
	return t.sessions.Users()
}

// Package notify fans events out to every live session of a user.
//
// Delivery is best effort: the session list is a snapshot taken at publish
// time, a failed write to one session does not affect the others, and nothing
// is queued for users without a live session.
package notify

import (
	"encoding/json"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/sparkmatch/gateway/internal/metrics"
	"github.com/sparkmatch/gateway/internal/protocol"
)

// SessionLookup returns the live session ids of a user.
type SessionLookup interface {
	SessionsOf(userID string) []string
}

// Sender writes one encoded frame to one session.
type Sender interface {
	SendMessage(sessionID string, data []byte) error
}

// Bus delivers frames to users through their live sessions.
type Bus struct {
	lookup SessionLookup
	sender Sender
	logger *zap.Logger
}

// NewBus returns a Bus resolving sessions through lookup.
func NewBus(lookup SessionLookup, sender Sender, logger *zap.Logger) *Bus {
	return &Bus{lookup: lookup, sender: sender, logger: logger}
}

// Publish wraps payload in a notification frame and delivers it to every live
// session of targetUserID. It returns the number of sessions written. A user
// with no live session is a silent no-op.
func (b *Bus) Publish(targetUserID string, payload json.RawMessage) int {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	frame, err := protocol.NewServerMessage(protocol.TypeNotification, protocol.NotificationMsg{Payload: payload})
	if err != nil {
		b.logger.Warn("notification encode failed", zap.String("user_id", targetUserID), zap.Error(err))
		return 0
	}

	sessions := b.lookup.SessionsOf(targetUserID)
	if len(sessions) == 0 {
		metrics.Notifications.WithLabelValues("no_sessions").Inc()
		return 0
	}
	return b.deliverTo(frame, targetUserID, sessions)
}

// Broadcast delivers an already encoded frame to every live session of each
// listed user. Repeated ids are delivered once.
func (b *Bus) Broadcast(frame []byte, userIDs ...string) int {
	total := 0
	for _, userID := range lo.Uniq(userIDs) {
		total += b.deliver(frame, userID)
	}
	return total
}

func (b *Bus) deliver(frame []byte, userID string) int {
	return b.deliverTo(frame, userID, b.lookup.SessionsOf(userID))
}

// deliverTo writes frame to each of sessions. Failed writes count as dropped.
func (b *Bus) deliverTo(frame []byte, userID string, sessions []string) int {
	delivered := 0
	for _, sessionID := range sessions {
		if err := b.sender.SendMessage(sessionID, frame); err != nil {
			metrics.Notifications.WithLabelValues("dropped").Inc()
			b.logger.Debug("session write failed",
				zap.String("user_id", userID), zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		metrics.Notifications.WithLabelValues("delivered").Inc()
		delivered++
	}
	return delivered
}

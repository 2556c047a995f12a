package notify

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// SubjectPrefix is the NATS subject prefix for per-user notifications. The
// final subject token is the target user id.
const SubjectPrefix = "notify.user."

// Subject returns the notification subject for userID.
func Subject(userID string) string {
	return SubjectPrefix + userID
}

// TargetFromSubject extracts the target user id from a notification subject.
func TargetFromSubject(subject string) (string, bool) {
	userID, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok || userID == "" || strings.Contains(userID, ".") {
		return "", false
	}
	return userID, true
}

// HandleEvent publishes an ingress event received on subject. Events with an
// unusable subject or a body that is not valid JSON are dropped.
func (b *Bus) HandleEvent(subject string, data []byte) int {
	userID, ok := TargetFromSubject(subject)
	if !ok {
		b.logger.Warn("notification dropped: bad subject", zap.String("subject", subject))
		return 0
	}
	if !json.Valid(data) {
		b.logger.Warn("notification dropped: payload is not JSON", zap.String("user_id", userID))
		return 0
	}
	return b.Publish(userID, json.RawMessage(data))
}

//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_presence.go -package=mocks
package presence

import (
	"context"
	"time"
)

// ProfileStore is the external profile collaborator. The tracker only ever
// writes the last-online timestamp.
type ProfileStore interface {
	SetLastOnline(ctx context.Context, userID string, at time.Time) error
}

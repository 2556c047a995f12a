//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_chat.go -package=mocks
package chat

import "context"

// RelationshipStore answers point-in-time relationship predicates. Results are
// never cached by the gate.
type RelationshipStore interface {
	// IsBlocked reports whether either user has blocked the other.
	IsBlocked(ctx context.Context, a, b string) (bool, error)
	// IsMatched reports whether a and b have liked each other.
	IsMatched(ctx context.Context, a, b string) (bool, error)
}

// MessageLog is the durable chat message log.
type MessageLog interface {
	Append(ctx context.Context, m Message) error
	// History returns up to limit messages exchanged between a and b with a
	// timestamp strictly before the given unix-millisecond bound, newest first.
	History(ctx context.Context, a, b string, before int64, limit int) ([]Message, error)
}

// Relayer delivers an encoded frame to every live session of the given users
// and returns the number of sessions written.
type Relayer interface {
	Broadcast(frame []byte, userIDs ...string) int
}

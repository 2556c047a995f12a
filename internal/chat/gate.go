package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sparkmatch/gateway/internal/metrics"
	"github.com/sparkmatch/gateway/internal/protocol"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// Gate runs the chat acceptance pipeline.
type Gate struct {
	relations RelationshipStore
	log       MessageLog
	relay     Relayer
	logger    *zap.Logger
	newID     func() string
}

// NewGate returns a Gate over the given collaborators.
func NewGate(relations RelationshipStore, log MessageLog, relay Relayer, logger *zap.Logger) *Gate {
	return &Gate{
		relations: relations,
		log:       log,
		relay:     relay,
		logger:    logger,
		newID:     func() string { return uuid.New().String() },
	}
}

// Send validates m on behalf of the verified senderID, appends it to the
// message log and relays it to every live session of both participants. The
// steps run strictly in order and the first failure stops the pipeline; in
// that case nothing is persisted or relayed. The accepted message, with its
// assigned ID, is returned.
func (g *Gate) Send(ctx context.Context, senderID string, m Message) (Message, error) {
	start := time.Now()

	if err := ValidateShape(m); err != nil {
		return g.reject(m, err)
	}
	if m.From != senderID {
		return g.reject(m, ErrSenderMismatch)
	}
	if m.From == m.To {
		return g.reject(m, ErrSelfSend)
	}
	if err := g.checkRelationship(ctx, m.From, m.To); err != nil {
		return g.reject(m, err)
	}

	m.ID = g.newID()
	if err := g.log.Append(ctx, m); err != nil {
		g.logger.Warn("chat append failed",
			zap.String("from", m.From), zap.String("to", m.To), zap.Error(err))
		return g.reject(m, fmt.Errorf("%w: %v", ErrStoreFailed, err))
	}

	frame, err := protocol.NewServerMessage(protocol.TypeChatMessage, m.Wire())
	if err != nil {
		// The message is durable; a client will see it in history.
		g.logger.Error("chat frame encode failed", zap.String("id", m.ID), zap.Error(err))
		return m, nil
	}
	delivered := g.relay.Broadcast(frame, m.To, m.From)

	metrics.ChatMessages.WithLabelValues("relayed").Inc()
	metrics.ChatLatency.Observe(time.Since(start).Seconds())
	g.logger.Debug("chat relayed",
		zap.String("id", m.ID), zap.String("from", m.From), zap.String("to", m.To),
		zap.Int("sessions", delivered))
	return m, nil
}

// History returns stored messages between userID and withUserID, newest
// first. It applies the same self, block and match checks as Send. A limit
// outside 1..MaxHistoryLimit is replaced by the default or clamped; a
// non-positive before means "now".
func (g *Gate) History(ctx context.Context, userID, withUserID string, before int64, limit int) ([]Message, error) {
	if userID == "" || withUserID == "" {
		return nil, fmt.Errorf("%w: missing peer", ErrInvalidFormat)
	}
	if userID == withUserID {
		return nil, ErrSelfSend
	}
	if err := g.checkRelationship(ctx, userID, withUserID); err != nil {
		return nil, err
	}

	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	if before <= 0 {
		before = time.Now().UnixMilli() + 1
	}

	msgs, err := g.log.History(ctx, userID, withUserID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: history %s/%s: %w", userID, withUserID, err)
	}
	return msgs, nil
}

// checkRelationship runs the block check and then the match check.
func (g *Gate) checkRelationship(ctx context.Context, a, b string) error {
	blocked, err := g.relations.IsBlocked(ctx, a, b)
	if err != nil {
		g.logger.Warn("block lookup failed", zap.String("a", a), zap.String("b", b), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrRelationshipQuery, err)
	}
	if blocked {
		return ErrBlocked
	}

	matched, err := g.relations.IsMatched(ctx, a, b)
	if err != nil {
		g.logger.Warn("match lookup failed", zap.String("a", a), zap.String("b", b), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrRelationshipQuery, err)
	}
	if !matched {
		return ErrNotMatched
	}
	return nil
}

func (g *Gate) reject(m Message, err error) (Message, error) {
	r := Reject(err)
	metrics.ChatMessages.WithLabelValues(r.Code).Inc()
	g.logger.Debug("chat rejected",
		zap.String("from", m.From), zap.String("to", m.To), zap.String("code", r.Code))
	return Message{}, err
}

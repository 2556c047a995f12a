// Package gateway binds client events to the presence tracker and the chat
// gate. Every handler answers only the session the event arrived on; fan-out
// to other sessions happens through the notification bus.
package gateway

import (
	"context"
	"math"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/sparkmatch/gateway/internal/chat"
	"github.com/sparkmatch/gateway/internal/identity"
	"github.com/sparkmatch/gateway/internal/presence"
	"github.com/sparkmatch/gateway/internal/protocol"
	"github.com/sparkmatch/gateway/internal/ratelimit"
	"github.com/sparkmatch/gateway/internal/ws"
)

// Peer is the session an event arrived on.
type Peer interface {
	SessionID() string
	Identity() identity.Identity
	WriteMessage(data []byte) error
}

// Limiter throttles client events per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// Options tunes the gateway handlers.
type Options struct {
	RequestTimeout   time.Duration
	MaxPresenceQuery int
	ChatRule         ratelimit.Rule
	PresenceRule     ratelimit.Rule
}

// Gateway routes client events for admitted sessions.
type Gateway struct {
	tracker *presence.Tracker
	gate    *chat.Gate
	limiter Limiter
	opts    Options
	logger  *zap.Logger
}

// New returns a Gateway. limiter may be nil to disable throttling.
func New(tracker *presence.Tracker, gate *chat.Gate, limiter Limiter, opts Options, logger *zap.Logger) *Gateway {
	return &Gateway{
		tracker: tracker,
		gate:    gate,
		limiter: limiter,
		opts:    opts,
		logger:  logger,
	}
}

// Register installs the gateway's handlers on d. A chat_send whose fields
// do not decode is rejected the same way as one failing the shape check.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypePresenceQuery, func(c *ws.Connection, msg interface{}) {
		g.HandlePresenceQuery(c, msg.(protocol.PresenceQueryMsg))
	})
	d.Register(protocol.TypeChatSend, func(c *ws.Connection, msg interface{}) {
		g.HandleChatSend(c, msg.(protocol.ChatSendMsg))
	})
	shape := chat.Reject(chat.ErrInvalidFormat)
	d.RegisterInvalid(protocol.TypeChatSend, shape.Code, shape.Message)
	d.Register(protocol.TypeChatHistory, func(c *ws.Connection, msg interface{}) {
		g.HandleChatHistory(c, msg.(protocol.ChatHistoryMsg))
	})
}

// HandleConnect registers the peer's session under its verified identity.
func (g *Gateway) HandleConnect(p Peer) {
	g.tracker.Connect(p.Identity().ID, p.SessionID())
}

// HandleDisconnect unregisters the peer's session. The last-online write, if
// any, is bounded by the request timeout.
func (g *Gateway) HandleDisconnect(p Peer) {
	ctx, cancel := g.requestContext()
	defer cancel()
	g.tracker.Disconnect(ctx, p.Identity().ID, p.SessionID())
}

// HandlePresenceQuery answers which of the requested users are online.
func (g *Gateway) HandlePresenceQuery(p Peer, m protocol.PresenceQueryMsg) {
	if !g.allow(p, g.opts.PresenceRule) {
		return
	}

	ids := lo.Uniq(m.UserIDs)
	if lo.Contains(ids, "") {
		g.sendError(p, protocol.CodeInvalidRequest, "user ids must be non-empty")
		return
	}
	if g.opts.MaxPresenceQuery > 0 && len(ids) > g.opts.MaxPresenceQuery {
		g.sendError(p, protocol.CodeInvalidRequest, "too many user ids")
		return
	}

	g.send(p, protocol.TypePresenceAnswer, protocol.PresenceAnswerMsg{
		Online: g.tracker.QueryOnline(ids),
	})
}

// HandleChatSend runs a chat message through the gate on behalf of the
// peer's verified identity. Rejections are reported to the peer only; an
// accepted message reaches the peer through the relay.
func (g *Gateway) HandleChatSend(p Peer, m protocol.ChatSendMsg) {
	if !g.allow(p, g.opts.ChatRule) {
		return
	}

	ctx, cancel := g.requestContext()
	defer cancel()

	if _, err := g.gate.Send(ctx, p.Identity().ID, chat.FromWire(m)); err != nil {
		r := chat.Reject(err)
		g.sendError(p, r.Code, r.Message)
	}
}

// HandleChatHistory returns stored messages exchanged with another user.
func (g *Gateway) HandleChatHistory(p Peer, m protocol.ChatHistoryMsg) {
	if !g.allow(p, g.opts.ChatRule) {
		return
	}

	ctx, cancel := g.requestContext()
	defer cancel()

	msgs, err := g.gate.History(ctx, p.Identity().ID, m.WithUserID, m.Before, m.Limit)
	if err != nil {
		r := chat.Reject(err)
		if r.Code == chat.CodeInternal {
			g.logger.Warn("chat history failed", zap.String("user_id", p.Identity().ID), zap.Error(err))
		}
		g.sendError(p, r.Code, r.Message)
		return
	}

	g.send(p, protocol.TypeChatHistory, protocol.ChatHistoryResultMsg{
		WithUserID: m.WithUserID,
		Messages: lo.Map(msgs, func(msg chat.Message, _ int) protocol.ChatMessageMsg {
			return msg.Wire()
		}),
	})
}

// allow reports whether the peer may proceed under rule. A throttled peer is
// told when to retry. Limiter failures fail open.
func (g *Gateway) allow(p Peer, rule ratelimit.Rule) bool {
	if g.limiter == nil || rule.Limit <= 0 {
		return true
	}

	ctx, cancel := g.requestContext()
	defer cancel()

	userID := p.Identity().ID
	ok, err := g.limiter.Allow(ctx, userID, rule)
	if err != nil || ok {
		return true
	}

	wait, err := g.limiter.RetryAfter(ctx, userID, rule)
	if err != nil || wait <= 0 {
		wait = rule.Window
	}
	g.send(p, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(wait.Seconds())),
	})
	return false
}

func (g *Gateway) requestContext() (context.Context, context.CancelFunc) {
	if g.opts.RequestTimeout > 0 {
		return context.WithTimeout(context.Background(), g.opts.RequestTimeout)
	}
	return context.WithCancel(context.Background())
}

func (g *Gateway) send(p Peer, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.logger.Error("failed to build message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := p.WriteMessage(data); err != nil {
		g.logger.Debug("write failed", zap.String("session_id", p.SessionID()), zap.Error(err))
	}
}

func (g *Gateway) sendError(p Peer, code, message string) {
	g.send(p, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

package ws

import (
	"errors"

	"go.uber.org/zap"

	"github.com/sparkmatch/gateway/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.PresenceQueryMsg, protocol.ChatSendMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping internally and sends structured
// error responses for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	invalid  map[string]protocol.ErrorMsg // reply for a known type whose payload does not decode
	logger   *zap.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(logger *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		invalid:  make(map[string]protocol.ErrorMsg),
		logger:   logger,
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// RegisterInvalid sets the error reported for a frame of msgType whose fields
// do not decode, e.g. a string where a number is expected. Types without one
// are answered with parse_error.
func (d *MessageDispatcher) RegisterInvalid(msgType, code, message string) {
	d.invalid[msgType] = protocol.ErrorMsg{Code: code, Message: message}
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Errors are reported to the sending session only.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			d.logger.Debug("unsupported message type", zap.String("type", msgType), zap.String("session_id", conn.ID))
			d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		if reply, ok := d.invalid[msgType]; ok && errors.Is(err, protocol.ErrInvalidPayload) {
			d.logger.Debug("invalid payload", zap.String("type", msgType), zap.String("session_id", conn.ID), zap.Error(err))
			d.sendError(conn, reply.Code, reply.Message)
			return
		}
		d.logger.Debug("dispatch parse error", zap.String("session_id", conn.ID), zap.Error(err))
		d.sendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	// Built-in ping handler: respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("no handler for message type", zap.String("type", msgType), zap.String("session_id", conn.ID))
		d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewError(code, message)
	if err != nil {
		d.logger.Error("failed to build error message", zap.String("session_id", conn.ID), zap.Error(err))
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		d.logger.Debug("failed to send error message", zap.String("session_id", conn.ID), zap.Error(err))
	}
}

// sendPong responds to a client ping with a pong message.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.logger.Error("failed to build pong message", zap.String("session_id", conn.ID), zap.Error(err))
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		d.logger.Debug("failed to send pong message", zap.String("session_id", conn.ID), zap.Error(err))
	}
}

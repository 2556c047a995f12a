// Package chat gates one-to-one chat between users. A message is accepted only
// when it is well formed, addressed to someone else, not blocked in either
// direction and between mutually matched users. Accepted messages are appended
// to the durable message log before being relayed to every live session of
// both participants.
package chat

import "github.com/sparkmatch/gateway/internal/protocol"

// Message is a chat message. ID is assigned by the gate on acceptance;
// Timestamp is the client's unix-millisecond send time.
type Message struct {
	ID        string
	From      string
	To        string
	Content   string
	Timestamp int64
}

// FromWire converts a chat_send event into a Message.
func FromWire(m protocol.ChatSendMsg) Message {
	return Message{
		From:      m.FromUserID,
		To:        m.ToUserID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
}

// Wire converts the message into its relayed form.
func (m Message) Wire() protocol.ChatMessageMsg {
	return protocol.ChatMessageMsg{
		Type:       protocol.TypeChatMessage,
		ID:         m.ID,
		FromUserID: m.From,
		ToUserID:   m.To,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
	}
}

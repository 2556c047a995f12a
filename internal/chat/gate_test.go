package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/sparkmatch/gateway/internal/chat"
	"github.com/sparkmatch/gateway/internal/mocks"
	"github.com/sparkmatch/gateway/internal/notify"
	"github.com/sparkmatch/gateway/internal/protocol"
	"github.com/sparkmatch/gateway/internal/registry"
)

type fixture struct {
	relations *mocks.MockRelationshipStore
	log       *mocks.MockMessageLog
	relay     *mocks.MockRelayer
	gate      *chat.Gate
}

func newFixture(t *testing.T) fixture {
	ctrl := gomock.NewController(t)
	f := fixture{
		relations: mocks.NewMockRelationshipStore(ctrl),
		log:       mocks.NewMockMessageLog(ctrl),
		relay:     mocks.NewMockRelayer(ctrl),
	}
	f.gate = chat.NewGate(f.relations, f.log, f.relay, zap.NewNop())
	return f
}

func validMessage() chat.Message {
	return chat.Message{From: "A", To: "B", Content: "hello", Timestamp: 1_700_000_000_000}
}

// captureSender records every frame written per session.
type captureSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func (c *captureSender) SendMessage(sessionID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frames == nil {
		c.frames = make(map[string][][]byte)
	}
	c.frames[sessionID] = append(c.frames[sessionID], data)
	return nil
}

func TestSend_InvalidShape(t *testing.T) {
	cases := []struct {
		name string
		edit func(*chat.Message)
	}{
		{"missing from", func(m *chat.Message) { m.From = "" }},
		{"missing to", func(m *chat.Message) { m.To = "" }},
		{"missing content", func(m *chat.Message) { m.Content = "" }},
		{"missing timestamp", func(m *chat.Message) { m.Timestamp = 0 }},
		{"too many bytes", func(m *chat.Message) { m.Content = strings.Repeat("a", chat.MaxMessageBytes+1) }},
		{"too many chars", func(m *chat.Message) { m.Content = strings.Repeat("é", chat.MaxTextChars+1) }},
		{"invalid utf8", func(m *chat.Message) { m.Content = "\xff\xfe" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			m := validMessage()
			tc.edit(&m)

			_, err := f.gate.Send(context.Background(), "A", m)
			require.ErrorIs(t, err, chat.ErrInvalidFormat)
			require.Equal(t, chat.CodeInvalidFormat, chat.Reject(err).Code)
		})
	}
}

func TestSend_SelfSendRejectedBeforeAnyCollaborator(t *testing.T) {
	f := newFixture(t)
	f.relations.EXPECT().IsBlocked(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	f.relations.EXPECT().IsMatched(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	f.log.EXPECT().Append(gomock.Any(), gomock.Any()).Times(0)

	m := validMessage()
	m.To = "A"
	_, err := f.gate.Send(context.Background(), "A", m)

	require.ErrorIs(t, err, chat.ErrSelfSend)
	require.Equal(t, chat.Rejection{Code: chat.CodeSelfSend, Message: "cannot send message to yourself"}, chat.Reject(err))
}

func TestSend_SenderMustMatchIdentity(t *testing.T) {
	f := newFixture(t)

	_, err := f.gate.Send(context.Background(), "C", validMessage())
	require.ErrorIs(t, err, chat.ErrSenderMismatch)
}

func TestSend_Blocked(t *testing.T) {
	f := newFixture(t)
	f.relations.EXPECT().IsBlocked(gomock.Any(), "A", "B").Return(true, nil).Times(1)
	f.relations.EXPECT().IsMatched(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	f.log.EXPECT().Append(gomock.Any(), gomock.Any()).Times(0)

	_, err := f.gate.Send(context.Background(), "A", validMessage())

	require.ErrorIs(t, err, chat.ErrBlocked)
	require.Equal(t, "blocked", chat.Reject(err).Message)
}

func TestSend_NotMatchedChecksBlockFirst(t *testing.T) {
	f := newFixture(t)
	gomock.InOrder(
		f.relations.EXPECT().IsBlocked(gomock.Any(), "A", "B").Return(false, nil),
		f.relations.EXPECT().IsMatched(gomock.Any(), "A", "B").Return(false, nil),
	)
	f.log.EXPECT().Append(gomock.Any(), gomock.Any()).Times(0)

	_, err := f.gate.Send(context.Background(), "A", validMessage())

	require.ErrorIs(t, err, chat.ErrNotMatched)
	require.Equal(t, chat.CodeNotMatched, chat.Reject(err).Code)
}

func TestSend_RelationshipLookupFailure(t *testing.T) {
	f := newFixture(t)
	f.relations.EXPECT().IsBlocked(gomock.Any(), "A", "B").Return(false, errors.New("conn reset"))

	_, err := f.gate.Send(context.Background(), "A", validMessage())

	require.ErrorIs(t, err, chat.ErrRelationshipQuery)
	rej := chat.Reject(err)
	require.Equal(t, chat.CodeInternal, rej.Code)
	require.NotContains(t, rej.Message, "conn reset")
}

func TestSend_StoreFailureIsNotRelayed(t *testing.T) {
	f := newFixture(t)
	f.relations.EXPECT().IsBlocked(gomock.Any(), "A", "B").Return(false, nil)
	f.relations.EXPECT().IsMatched(gomock.Any(), "A", "B").Return(true, nil)
	f.log.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("disk full")).Times(1)
	f.relay.EXPECT().Broadcast(gomock.Any(), gomock.Any()).Times(0)

	_, err := f.gate.Send(context.Background(), "A", validMessage())

	require.ErrorIs(t, err, chat.ErrStoreFailed)
	require.Equal(t, chat.Rejection{Code: chat.CodeStoreFailed, Message: "failed to store"}, chat.Reject(err))
}

func TestSend_RelaysToBothParticipants(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.relations.EXPECT().IsBlocked(gomock.Any(), "A", "B").Return(false, nil)
	f.relations.EXPECT().IsMatched(gomock.Any(), "A", "B").Return(true, nil)
	f.log.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil).Times(1)
	f.relay.EXPECT().Broadcast(gomock.Any(), "B", "A").Return(3).Times(1)

	got, err := f.gate.Send(context.Background(), "A", validMessage())

	req.NoError(err)
	req.NotEmpty(got.ID)
	req.Equal("hello", got.Content)
}

// A has sessions s1 and s2, B has s3 and an unrelated user C has s4. A valid
// message from A to B reaches s1, s2 and s3 exactly once, and never s4.
func TestSend_FanOutScenario(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	relations := mocks.NewMockRelationshipStore(ctrl)
	log := mocks.NewMockMessageLog(ctrl)

	sessions := registry.New()
	sessions.Add("A", "s1")
	sessions.Add("A", "s2")
	sessions.Add("B", "s3")
	sessions.Add("C", "s4")
	sender := &captureSender{}
	bus := notify.NewBus(sessions, sender, zap.NewNop())
	gate := chat.NewGate(relations, log, bus, zap.NewNop())

	relations.EXPECT().IsBlocked(gomock.Any(), "A", "B").Return(false, nil)
	relations.EXPECT().IsMatched(gomock.Any(), "A", "B").Return(true, nil)
	log.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	sent, err := gate.Send(context.Background(), "A", validMessage())
	req.NoError(err)

	for _, sid := range []string{"s1", "s2", "s3"} {
		req.Len(sender.frames[sid], 1, "session %s", sid)

		var relayed protocol.ChatMessageMsg
		req.NoError(json.Unmarshal(sender.frames[sid][0], &relayed))
		req.Equal(protocol.TypeChatMessage, relayed.Type)
		req.Equal(sent.ID, relayed.ID)
		req.Equal("A", relayed.FromUserID)
		req.Equal("B", relayed.ToUserID)
		req.Equal("hello", relayed.Content)
	}
	req.Empty(sender.frames["s4"])
}

func TestHistory(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	want := []chat.Message{{ID: "m2", From: "B", To: "A", Content: "yo", Timestamp: 2}}

	f.relations.EXPECT().IsBlocked(gomock.Any(), "A", "B").Return(false, nil)
	f.relations.EXPECT().IsMatched(gomock.Any(), "A", "B").Return(true, nil)
	f.log.EXPECT().History(gomock.Any(), "A", "B", int64(500), chat.MaxHistoryLimit).Return(want, nil)

	got, err := f.gate.History(context.Background(), "A", "B", 500, 1000)
	req.NoError(err)
	req.Equal(want, got)
}

func TestHistory_DefaultLimit(t *testing.T) {
	f := newFixture(t)
	f.relations.EXPECT().IsBlocked(gomock.Any(), "A", "B").Return(false, nil)
	f.relations.EXPECT().IsMatched(gomock.Any(), "A", "B").Return(true, nil)
	f.log.EXPECT().History(gomock.Any(), "A", "B", gomock.Any(), chat.DefaultHistoryLimit).Return(nil, nil)

	_, err := f.gate.History(context.Background(), "A", "B", 0, 0)
	require.NoError(t, err)
}

func TestHistory_Rejections(t *testing.T) {
	t.Run("self", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.gate.History(context.Background(), "A", "A", 0, 10)
		require.ErrorIs(t, err, chat.ErrSelfSend)
	})

	t.Run("blocked", func(t *testing.T) {
		f := newFixture(t)
		f.relations.EXPECT().IsBlocked(gomock.Any(), "A", "B").Return(true, nil)
		f.log.EXPECT().History(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		_, err := f.gate.History(context.Background(), "A", "B", 0, 10)
		require.ErrorIs(t, err, chat.ErrBlocked)
	})

	t.Run("missing peer", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.gate.History(context.Background(), "A", "", 0, 10)
		require.ErrorIs(t, err, chat.ErrInvalidFormat)
	})
}

func TestReject_Unknown(t *testing.T) {
	require.Equal(t, chat.Rejection{Code: chat.CodeInternal, Message: "internal error"}, chat.Reject(errors.New("boom")))
}

// Wrapped sentinels keep their identity and only the sentinel text is exposed.
func TestReject_WrappedSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want chat.Rejection
	}{
		{chat.ErrInvalidFormat, chat.Rejection{Code: chat.CodeInvalidFormat, Message: "invalid chat message format"}},
		{chat.ErrSenderMismatch, chat.Rejection{Code: chat.CodeSenderMismatch, Message: "sender does not match session identity"}},
		{chat.ErrBlocked, chat.Rejection{Code: chat.CodeBlocked, Message: "blocked"}},
		{chat.ErrNotMatched, chat.Rejection{Code: chat.CodeNotMatched, Message: "not matched"}},
		{chat.ErrRelationshipQuery, chat.Rejection{Code: chat.CodeInternal, Message: "internal error"}},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("%w: dial tcp 10.0.0.5:5432: connection refused", tc.err)
		require.ErrorIs(t, wrapped, tc.err)
		require.Equal(t, tc.want, chat.Reject(wrapped))
	}
}

package loadtest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/sparkmatch/gateway/internal/protocol"
)

// echoGateway greets with the token as user id and answers every client
// frame with a presence_answer.
func echoGateway(t *testing.T) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			greeting, _ := protocol.NewServerMessage(protocol.TypeSessionCreated,
				protocol.SessionCreatedMsg{SessionID: "s-1", UserID: token})
			if err := wsutil.WriteServerText(conn, greeting); err != nil {
				return
			}
			for {
				if _, err := wsutil.ReadClientText(conn); err != nil {
					return
				}
				answer, _ := protocol.NewServerMessage(protocol.TypePresenceAnswer,
					protocol.PresenceAnswerMsg{Online: map[string]bool{"u2": true}})
				if err := wsutil.WriteServerText(conn, answer); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_SessionAndHandlers(t *testing.T) {
	url := echoGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, "u1")
	require.NoError(t, err)
	defer c.Close()

	answers := make(chan map[string]bool, 1)
	c.On(protocol.TypePresenceAnswer, func(data json.RawMessage) {
		var msg protocol.PresenceAnswerMsg
		if json.Unmarshal(data, &msg) == nil {
			answers <- msg.Online
		}
	})

	require.NoError(t, c.WaitForSession(ctx))
	require.Equal(t, "s-1", c.SessionID())
	require.Equal(t, "u1", c.UserID())
	require.True(t, c.Alive())

	require.NoError(t, c.Send(protocol.PresenceQueryMsg{Type: protocol.TypePresenceQuery, UserIDs: []string{"u2"}}))
	select {
	case online := <-answers:
		require.Equal(t, map[string]bool{"u2": true}, online)
	case <-ctx.Done():
		t.Fatal("no presence answer")
	}

	m := c.GetMetrics()
	require.Equal(t, 1, m.MessagesSent)
	require.Equal(t, 2, m.MessagesReceived)
	require.Positive(t, m.ConnectLatency)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return !c.Alive() }, 5*time.Second, 10*time.Millisecond)
}

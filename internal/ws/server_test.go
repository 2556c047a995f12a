package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sparkmatch/gateway/internal/identity"
	"github.com/sparkmatch/gateway/internal/protocol"
)

// queryAuth admits ?user=<id>, refuses ?user=bad and reports no credential
// otherwise.
type queryAuth struct{}

func (queryAuth) Admit(_ context.Context, r *http.Request) (identity.Identity, error) {
	switch user := r.URL.Query().Get("user"); user {
	case "":
		return identity.Identity{}, identity.ErrNoCredential
	case "bad":
		return identity.Identity{}, identity.ErrInvalidCredential
	default:
		return identity.Identity{ID: user}, nil
	}
}

type testServer struct {
	*Server
	base         string
	connects     atomic.Int32
	disconnects  atomic.Int32
	lastMessages chan []byte
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.Heartbeat = HeartbeatConfig{Interval: time.Minute, Timeout: time.Minute}
	return newTestServerWith(t, cfg)
}

func newTestServerWith(t *testing.T, cfg ServerConfig) *testServer {
	t.Helper()

	ts := &testServer{lastMessages: make(chan []byte, 8)}

	d := NewMessageDispatcher(zap.NewNop())
	d.Register(protocol.TypePresenceQuery, func(c *Connection, msg interface{}) {
		data, _ := json.Marshal(msg)
		ts.lastMessages <- data
	})
	d.Register(protocol.TypeChatSend, func(c *Connection, msg interface{}) {
		data, _ := json.Marshal(msg)
		ts.lastMessages <- data
	})
	d.RegisterInvalid(protocol.TypeChatSend, "invalid_format", "invalid chat message format")

	ts.Server = NewServer(cfg, queryAuth{}, d.Dispatch, zap.NewNop())
	ts.SetOnConnect(func(*Connection) { ts.connects.Add(1) })
	ts.SetOnDisconnect(func(*Connection) { ts.disconnects.Add(1) })
	ts.SetOnlineUsers(func() int { return int(ts.connects.Load() - ts.disconnects.Load()) })

	h, err := ts.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		_ = ts.Shutdown(context.Background())
	})
	ts.base = srv.URL
	return ts
}

func (ts *testServer) dial(t *testing.T, user string) (net.Conn, io.ReadWriter, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.base, "http") + "/ws"
	if user != "" {
		u += "?user=" + user
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return conn, struct {
		io.Reader
		io.Writer
	}{r, conn}, nil
}

func readJSON(t *testing.T, conn net.Conn, rw io.ReadWriter) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := wsutil.ReadServerText(rw)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestHandshake_NoCredentialIs401(t *testing.T) {
	ts := newTestServer(t)

	_, _, err := ts.dial(t, "")

	var status ws.StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusUnauthorized, int(status))
	require.Zero(t, ts.connects.Load())
}

func TestHandshake_InvalidCredential(t *testing.T) {
	ts := newTestServer(t)

	conn, rw, err := ts.dial(t, "bad")
	require.NoError(t, err)

	got := readJSON(t, conn, rw)
	require.Equal(t, protocol.TypeError, got["type"])
	require.Equal(t, protocol.CodeAuthFailed, got["code"])

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = wsutil.ReadServerText(rw)
	require.Error(t, err)
	require.Zero(t, ts.connects.Load())
	require.Zero(t, ts.Connections().Count())
}

func TestHandshake_AdmittedGetsGreeting(t *testing.T) {
	ts := newTestServer(t)

	conn, rw, err := ts.dial(t, "alice")
	require.NoError(t, err)

	got := readJSON(t, conn, rw)
	require.Equal(t, protocol.TypeSessionCreated, got["type"])
	require.Equal(t, "alice", got["user_id"])

	c := ts.Connections().Get(got["session_id"].(string))
	require.NotNil(t, c)
	require.Equal(t, "alice", c.Identity().ID)
	require.EqualValues(t, 1, ts.connects.Load())
}

func TestDispatch_RoutesAndReportsErrors(t *testing.T) {
	ts := newTestServer(t)
	conn, rw, err := ts.dial(t, "alice")
	require.NoError(t, err)
	readJSON(t, conn, rw)

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)))
	require.Equal(t, protocol.TypePong, readJSON(t, conn, rw)["type"])

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"teleport"}`)))
	require.Equal(t, protocol.CodeUnsupportedType, readJSON(t, conn, rw)["code"])

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`not json`)))
	require.Equal(t, protocol.CodeParseError, readJSON(t, conn, rw)["code"])

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"presence_query","user_ids":["bob"]}`)))
	select {
	case data := <-ts.lastMessages:
		require.Contains(t, string(data), "bob")
	case <-time.After(5 * time.Second):
		t.Fatal("presence_query was not dispatched")
	}
}

func TestDispatch_InvalidPayloadUsesRegisteredError(t *testing.T) {
	ts := newTestServer(t)
	conn, rw, err := ts.dial(t, "alice")
	require.NoError(t, err)
	readJSON(t, conn, rw)

	frames := []string{
		`{"type":"chat_send","from_user_id":"alice","to_user_id":"bob","content":"hi","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"type":"chat_send","from_user_id":"alice","to_user_id":42,"content":"hi","timestamp":1}`,
	}
	for _, frame := range frames {
		require.NoError(t, wsutil.WriteClientText(conn, []byte(frame)))
		got := readJSON(t, conn, rw)
		require.Equal(t, protocol.TypeError, got["type"])
		require.Equal(t, "invalid_format", got["code"])
		require.Equal(t, "invalid chat message format", got["message"])
	}

	// No reply registered for presence_query.
	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"presence_query","user_ids":"bob"}`)))
	require.Equal(t, protocol.CodeParseError, readJSON(t, conn, rw)["code"])

	// Broken JSON is a parse error whatever the type.
	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"chat_send",`)))
	require.Equal(t, protocol.CodeParseError, readJSON(t, conn, rw)["code"])

	require.Empty(t, ts.lastMessages)
}

func TestControlPingIsAnswered(t *testing.T) {
	ts := newTestServer(t)
	conn, rw, err := ts.dial(t, "alice")
	require.NoError(t, err)
	readJSON(t, conn, rw)

	require.NoError(t, ws.WriteFrame(conn, ws.MaskFrame(ws.NewPingFrame([]byte("hi")))))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := ws.ReadFrame(rw)
	require.NoError(t, err)
	require.Equal(t, ws.OpPong, frame.Header.OpCode)
	require.True(t, bytes.Equal([]byte("hi"), frame.Payload))
}

func TestCloseRunsDisconnectOnce(t *testing.T) {
	ts := newTestServer(t)
	conn, rw, err := ts.dial(t, "alice")
	require.NoError(t, err)
	readJSON(t, conn, rw)

	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	require.NoError(t, ws.WriteFrame(conn, ws.MaskFrame(ws.NewCloseFrame(body))))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return ts.disconnects.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, ts.Connections().Count())

	require.NoError(t, ts.Shutdown(context.Background()))
	require.EqualValues(t, 1, ts.disconnects.Load())
}

func TestHeartbeatEvictsSilentClient(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.Heartbeat = HeartbeatConfig{Interval: 100 * time.Millisecond, Timeout: 100 * time.Millisecond}
	ts := newTestServerWith(t, cfg)

	conn, rw, err := ts.dial(t, "alice")
	require.NoError(t, err)
	readJSON(t, conn, rw)

	// The client neither reads the pings nor sends anything.
	require.Eventually(t, func() bool { return ts.disconnects.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, ts.Connections().Count())

	time.Sleep(3 * cfg.Heartbeat.Interval)
	require.EqualValues(t, 1, ts.disconnects.Load())
}

func TestHeartbeatKeepsActiveClient(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.Heartbeat = HeartbeatConfig{Interval: 100 * time.Millisecond, Timeout: 100 * time.Millisecond}
	ts := newTestServerWith(t, cfg)

	conn, rw, err := ts.dial(t, "alice")
	require.NoError(t, err)
	readJSON(t, conn, rw)

	stop := time.After(600 * time.Millisecond)
	tick := time.NewTicker(30 * time.Millisecond)
	defer tick.Stop()
	for done := false; !done; {
		select {
		case <-stop:
			done = true
		case <-tick.C:
			require.NoError(t, ws.WriteFrame(conn, ws.MaskFrame(ws.NewPingFrame(nil))))
		}
	}

	require.Zero(t, ts.disconnects.Load())
	require.Equal(t, 1, ts.Connections().Count())
}

func TestMaxConnectionsRejectsWith503(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.MaxConnections = 1
	cfg.Heartbeat = HeartbeatConfig{Interval: time.Minute, Timeout: time.Minute}
	ts := newTestServerWith(t, cfg)

	conn, rw, err := ts.dial(t, "alice")
	require.NoError(t, err)
	readJSON(t, conn, rw)

	_, _, err = ts.dial(t, "bob")
	var status ws.StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusServiceUnavailable, int(status))
	require.EqualValues(t, 1, ts.connects.Load())

	// Closing the first session frees its slot.
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return ts.disconnects.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	conn, rw, err = ts.dial(t, "bob")
	require.NoError(t, err)
	require.Equal(t, "bob", readJSON(t, conn, rw)["user_id"])
}

func TestUpgradeAfterShutdownIsRejected(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.Shutdown(context.Background()))

	_, _, err := ts.dial(t, "alice")

	var status ws.StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusServiceUnavailable, int(status))
	require.Zero(t, ts.connects.Load())
	require.Zero(t, ts.Connections().Count())
}

func TestOversizedFrameDropsConnection(t *testing.T) {
	ts := newTestServer(t)
	conn, rw, err := ts.dial(t, "alice")
	require.NoError(t, err)
	readJSON(t, conn, rw)

	big := bytes.Repeat([]byte("x"), MaxFrameBytes+1)
	require.NoError(t, wsutil.WriteClientText(conn, big))

	require.Eventually(t, func() bool { return ts.disconnects.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	conn, rw, err := ts.dial(t, "alice")
	require.NoError(t, err)
	readJSON(t, conn, rw)

	resp, err := http.Get(ts.base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"online_users"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, 1, body.Connections)
	require.Equal(t, 1, body.OnlineUsers)
}

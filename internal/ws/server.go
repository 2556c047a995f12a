// Package ws handles the WebSocket transport: admitting connections through
// the identity guard, upgrading them, watching them for readable frames and
// dispatching those frames to a bounded worker pool.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sparkmatch/gateway/internal/identity"
	"github.com/sparkmatch/gateway/internal/metrics"
	"github.com/sparkmatch/gateway/internal/protocol"
)

// MaxFrameBytes caps the payload of a single inbound data frame.
const MaxFrameBytes = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator decides whether a handshake request may become a session.
// It returns identity.ErrNoCredential when the request carries no credential.
type Authenticator interface {
	Admit(ctx context.Context, r *http.Request) (identity.Identity, error)
}

// Server is the WebSocket server built on gobwas/ws and a readiness poller
// (epoll on Linux). Admitted connections are registered with the poller and
// ready connections are read by a bounded worker pool.
type Server struct {
	config       ServerConfig
	auth         Authenticator
	logger       *zap.Logger
	poller       *Poller
	conns        *ConnectionManager
	slots        atomic.Int64                        // admissions in flight plus registered connections
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	onlineUsers  func() int
	mux          *http.ServeMux
	httpServer   *http.Server
	startOnce    sync.Once
	startErr     error
	stopOnce     sync.Once
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, auth Authenticator, onMessage func(conn *Connection, data []byte), logger *zap.Logger) *Server {
	s := &Server{
		config:     config,
		auth:       auth,
		logger:     logger.Named("ws"),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// SetOnConnect registers a callback invoked once per admitted connection,
// before the session greeting is sent and before any of its frames are read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked exactly once when an admitted
// connection is removed (read error, close frame, heartbeat timeout or
// shutdown).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetOnlineUsers supplies the online-user count reported by /health.
func (s *Server) SetOnlineUsers(fn func() int) {
	s.onlineUsers = fn
}

// Handle registers an extra HTTP route, e.g. /metrics.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler starts the poller event loop and heartbeat on first use and returns
// the HTTP handler serving /ws and /health.
func (s *Server) Handler() (http.Handler, error) {
	s.startOnce.Do(func() {
		s.poller, s.startErr = NewPoller()
		if s.startErr != nil {
			s.startErr = fmt.Errorf("ws: failed to create poller: %w", s.startErr)
			return
		}
		s.startedAt = time.Now()
		go s.startEventLoop()
		StartHeartbeat(s, s.config.Heartbeat)
	})
	if s.startErr != nil {
		return nil, s.startErr
	}
	return s.mux, nil
}

// Start begins accepting connections on the configured address and blocks
// until the server is shut down.
func (s *Server) Start() error {
	h, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	s.logger.Info("server listening",
		zap.String("addr", s.config.ListenAddr),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade admits and upgrades a connection. A request without any
// credential is refused with 401 before the upgrade. A request with an
// invalid credential is upgraded only to deliver an auth_failed error frame
// and is then closed. Neither path touches the session registry. Once
// shutdown has begun, upgrades are refused with 503.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.stopping() {
		metrics.Handshakes.WithLabelValues("rejected").Inc()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.reserveSlot() {
		metrics.Handshakes.WithLabelValues("rejected").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	registered := false
	defer func() {
		if !registered {
			s.slots.Add(-1)
		}
	}()

	ident, authErr := s.auth.Admit(r.Context(), r)
	if errors.Is(authErr, identity.ErrNoCredential) {
		metrics.Handshakes.WithLabelValues("no_credential").Inc()
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	if authErr != nil {
		metrics.Handshakes.WithLabelValues("invalid_credential").Inc()
		s.refuse(conn)
		return
	}

	polled, err := s.poller.Add(conn)
	if err != nil {
		metrics.Handshakes.WithLabelValues("rejected").Inc()
		s.logger.Error("poller add failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	c := newConnection(uuid.New().String(), polled, ident, s.config.WriteTimeout)
	if s.onConnect != nil {
		s.onConnect(c)
	}
	s.conns.Add(c)
	registered = true
	metrics.Handshakes.WithLabelValues("admitted").Inc()
	metrics.ConnectionsTotal.Inc()

	// Shutdown closes done before it snapshots the registry, so a session
	// added after the snapshot is seen here and removed.
	if s.stopping() {
		s.RemoveConnection(c)
		return
	}

	greeting, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
		UserID:    ident.ID,
	})
	if err != nil {
		s.logger.Error("failed to build session_created", zap.String("session_id", c.ID), zap.Error(err))
	} else if err := c.WriteMessage(greeting); err != nil {
		s.logger.Debug("failed to send session_created", zap.String("session_id", c.ID), zap.Error(err))
	}

	s.logger.Debug("connection admitted",
		zap.String("session_id", c.ID), zap.String("user_id", ident.ID),
		zap.Int("fd", c.Fd), zap.Int("total", s.conns.Count()))
}

// reserveSlot claims one of MaxConnections. The slot is returned when the
// admission fails or the registered connection is removed.
func (s *Server) reserveSlot() bool {
	if s.slots.Add(1) > int64(s.config.MaxConnections) {
		s.slots.Add(-1)
		return false
	}
	return true
}

func (s *Server) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// refuse reports auth_failed on a freshly upgraded connection and closes it.
func (s *Server) refuse(conn net.Conn) {
	defer conn.Close()
	if s.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	data, err := protocol.NewError(protocol.CodeAuthFailed, "authentication failed")
	if err == nil {
		_ = wsutil.WriteServerMessage(conn, ws.OpText, data)
	}
	body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, protocol.CodeAuthFailed)
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(body))
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"online_users"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.onlineUsers != nil {
		resp.OnlineUsers = s.onlineUsers()
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. Each ready connection is handed
// to a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("poller wait error", zap.Error(err))
			continue
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection.
// wsutil.NextReader lets control frames be handled without blocking on a data
// frame that may never arrive. Any read failure removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.poller.Resume(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale dispatch). The
		// heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil || header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return
		}
		if header.OpCode == ws.OpPing {
			_ = c.WritePong(payload)
		}
		return
	}

	if header.Length > MaxFrameBytes {
		s.logger.Debug("frame too large", zap.String("session_id", c.ID), zap.Int64("length", header.Length))
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes a connection and runs the
// disconnect callback. Concurrent removals of the same connection run the
// callback once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	s.slots.Add(-1)
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.logger.Debug("connection closed",
		zap.String("session_id", c.ID), zap.String("user_id", c.identity.ID),
		zap.Int("total", s.conns.Count()))
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, then removes every
// connection through the normal disconnect path.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.stopOnce.Do(func() { close(s.done) })

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("ws: http shutdown: %w", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

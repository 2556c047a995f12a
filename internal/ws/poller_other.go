//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Poller is the portable fallback for platforms without epoll. Each
// connection gets a watcher goroutine that peeks for pending bytes through a
// buffered reader, reports the connection ready, and then waits for Resume
// before peeking again so it never reads concurrently with the server.
type Poller struct {
	mu      sync.Mutex
	watches map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	resume  chan struct{}
	removed chan struct{}
}

// peekConn reads through a bufio.Reader so a readiness peek consumes nothing.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// NewPoller creates a new fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		watches: make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn. All reads must go through the returned
// connection.
func (p *Poller) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{Conn: conn, r: bufio.NewReader(conn)}
	w := &watch{resume: make(chan struct{}, 1), removed: make(chan struct{})}

	p.mu.Lock()
	p.watches[pc] = w
	p.mu.Unlock()

	go p.monitor(pc, w)
	return pc, nil
}

func (p *Poller) monitor(pc *peekConn, w *watch) {
	for {
		// A peek error (closed, reset) is also reported as ready so the
		// server's read path observes it.
		_, err := pc.r.Peek(1)

		select {
		case p.readyCh <- pc:
		case <-w.removed:
			return
		case <-p.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.removed:
			return
		case <-p.done:
			return
		}
	}
}

// Remove stops watching conn.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	w, ok := p.watches[conn]
	delete(p.watches, conn)
	p.mu.Unlock()

	if ok {
		close(w.removed)
	}
	return nil
}

// Resume lets the watcher of conn look for the next frame.
func (p *Poller) Resume(conn net.Conn) {
	p.mu.Lock()
	w, ok := p.watches[conn]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one connection is ready for reading and returns
// every connection ready at that point.
func (p *Poller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every watcher.
func (p *Poller) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// socketFD is unused by the fallback poller.
func socketFD(net.Conn) int {
	return -1
}

func isEINTR(error) bool {
	return false
}

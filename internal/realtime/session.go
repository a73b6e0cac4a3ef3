package realtime

import (
	"context"
	"errors"
	"sync"

	"fall-detection-client/internal/data"
)

// Conn is an open streaming transport.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Close() error
}

// DialFunc opens a transport to url. It returns once the handshake has
// completed, which the client treats as the transport "open" event.
type DialFunc func(ctx context.Context, url string) (Conn, error)

var errTransportNotOpen = errors.New("transport not open")

// session is one connection attempt: a transport, its receive loop and its
// heartbeat. Every callback it produces carries gen so the client can drop
// events from superseded sessions.
type session struct {
	gen    uint64
	url    string
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn Conn
}

func newSession(gen uint64, url string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{gen: gen, url: url, ctx: ctx, cancel: cancel}
}

// attach stores the dialed transport. It reports false if the session was
// already cancelled, in which case the caller owns closing conn.
func (s *session) attach(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conn = conn
	return true
}

func (s *session) transport() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *session) send(frame []byte) error {
	conn := s.transport()
	if conn == nil {
		return errTransportNotOpen
	}
	return conn.WriteMessage(frame)
}

// stop cancels the session and closes its transport without blocking the caller.
func (s *session) stop() {
	s.mu.Lock()
	s.cancel()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		go conn.Close()
	}
}

// run dials, reports open, then feeds decoded frames to the client in
// arrival order until the transport fails or the session is stopped.
func (c *Client) run(s *session) {
	conn, err := c.dial(s.ctx, s.url)
	if err != nil {
		c.post(func() { c.onTransportError(s.gen, err) })
		return
	}
	if !s.attach(conn) {
		conn.Close()
		return
	}
	c.post(func() { c.onOpen(s.gen) })

	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			c.post(func() { c.onTransportError(s.gen, err) })
			return
		}
		msg, decodeErr := data.Decode(frame)
		if !c.postCtx(s.ctx, func() { c.onMessage(s.gen, msg, decodeErr) }) {
			return
		}
	}
}

// heartbeat emits keep-alive frames while the session is live. It starts with
// the attempt, so ticks before the handshake completes are logged and dropped.
func (c *Client) heartbeat(s *session) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C():
			if err := s.send(data.HeartbeatFrame()); err != nil {
				c.logger.Warn("heartbeat send failed", "endpoint", s.url, "error", err)
				continue
			}
			c.logger.Debug("heartbeat sent", "endpoint", s.url)
		}
	}
}

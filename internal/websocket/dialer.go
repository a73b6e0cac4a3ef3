// internal/websocket/dialer.go
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const clientReadLimit = 64 * 1024

// Dialer opens outbound websocket connections to the monitoring backend.
type Dialer struct {
	HandshakeTimeout time.Duration
}

func NewDialer(handshakeTimeout time.Duration) *Dialer {
	return &Dialer{HandshakeTimeout: handshakeTimeout}
}

// Dial performs the websocket handshake. The returned connection is open.
func (d *Dialer) Dial(ctx context.Context, url string) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(clientReadLimit)
	return &Conn{ws: ws}, nil
}

// Conn is an open client connection. Reads must come from a single goroutine;
// writes are serialized internally.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  sync.Once
}

// ReadMessage blocks until the next text or binary frame arrives.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

func (c *Conn) WriteMessage(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a going-away close frame and releases the socket.
func (c *Conn) Close() error {
	var err error
	c.closed.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// IsUnexpectedClose reports whether err is a close other than a normal or
// going-away shutdown.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

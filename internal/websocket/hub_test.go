package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(ctx)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv, cancel
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialHub(t *testing.T, srv *httptest.Server) *Conn {
	t.Helper()
	conn, err := NewDialer(time.Second).Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWithin(t *testing.T, conn *Conn, d time.Duration) ([]byte, error) {
	t.Helper()
	conn.ws.SetReadDeadline(time.Now().Add(d))
	return conn.ReadMessage()
}

func TestHub_BroadcastReachesEveryPeer(t *testing.T) {
	hub, srv, _ := newTestHub(t)
	a := dialHub(t, srv)
	b := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	hub.Broadcast([]byte(`{"type":"heartbeat"}`))

	for _, conn := range []*Conn{a, b} {
		frame, err := readWithin(t, conn, time.Second)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"heartbeat"}`, string(frame))
	}
}

func TestHub_BroadcastJSON(t *testing.T) {
	hub, srv, _ := newTestHub(t)
	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.BroadcastJSON(map[string]any{"state": "connected"})

	frame, err := readWithin(t, conn, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"connected"}`, string(frame))
}

func TestHub_SendToAndOnMessage(t *testing.T) {
	hub, srv, _ := newTestHub(t)
	hub.OnMessage = func(c *Client, frame []byte) {
		hub.SendTo(c, append([]byte("echo:"), frame...))
	}
	hub.OnRegister = func(c *Client) [][]byte {
		return [][]byte{[]byte("welcome")}
	}

	a := dialHub(t, srv)
	b := dialHub(t, srv)

	for _, conn := range []*Conn{a, b} {
		frame, err := readWithin(t, conn, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "welcome", string(frame))
	}

	require.NoError(t, a.WriteMessage([]byte("ping")))
	frame, err := readWithin(t, a, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", string(frame))

	_, err = readWithin(t, b, 100*time.Millisecond)
	assert.Error(t, err, "reply must only go to the sender")
}

func TestHub_UnregistersOnPeerClose(t *testing.T) {
	hub, srv, _ := newTestHub(t)
	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_ShutdownClosesPeersAndNeverBlocks(t *testing.T) {
	hub, srv, cancel := newTestHub(t)
	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()

	_, err := readWithin(t, conn, time.Second)
	require.Error(t, err)

	done := make(chan struct{})
	go func() {
		hub.Broadcast([]byte("late"))
		hub.SendTo(&Client{}, []byte("late"))
		assert.Equal(t, 0, hub.ClientCount())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub call blocked after shutdown")
	}
}

func TestHub_GreetingDoesNotWaitOnQueuedReplies(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	hub.OnRegister = func(c *Client) [][]byte {
		return [][]byte{[]byte("welcome")}
	}
	for i := 0; i < cap(hub.direct); i++ {
		hub.SendTo(&Client{}, []byte("reply"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	peer := &Client{Hub: hub, Send: make(chan []byte, 1)}
	done := make(chan int, 1)
	go func() {
		hub.RegisterClient(peer)
		done <- hub.ClientCount()
	}()
	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("hub stalled while greeting a new peer")
	}
	assert.Equal(t, "welcome", string(<-peer.Send))
}

func TestHub_GreetingDroppedWhenSendBufferFull(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	hub.OnRegister = func(c *Client) [][]byte {
		return [][]byte{[]byte("one"), []byte("two")}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	peer := &Client{Hub: hub, Send: make(chan []byte, 1)}
	hub.RegisterClient(peer)
	require.Equal(t, 1, hub.ClientCount())
	assert.Equal(t, "one", string(<-peer.Send))
	assert.Empty(t, peer.Send)
}

func TestIsUnexpectedClose(t *testing.T) {
	assert.False(t, IsUnexpectedClose(io.EOF))
}

// internal/websocket/hub.go
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

type directMessage struct {
	client *Client
	frame  []byte
}

// Hub maintains the set of active peers and broadcasts frames to them.
// The mock backend uses it to stream alerts and status; the local API uses it
// to stream client snapshots to UI observers.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	direct     chan directMessage
	count      chan chan int
	done       chan struct{}
	logger     *slog.Logger

	// OnMessage, when set, receives every frame read from a peer.
	OnMessage func(c *Client, frame []byte)
	// OnRegister, when set, runs on the hub goroutine as a peer joins. The
	// frames it returns are queued to that peer ahead of any later broadcast.
	// It must not call SendTo or Broadcast.
	OnRegister func(c *Client) [][]byte
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan directMessage, 64),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
	}
}

// Run owns the peer set until ctx is done, then closes every peer.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				close(client.Send)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.logger.Info("websocket client registered", "remote", client.remoteAddr())
			if h.OnRegister != nil {
				h.greet(client, h.OnRegister(client))
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				h.logger.Info("websocket client unregistered", "remote", client.remoteAddr())
			}

		case msg := <-h.direct:
			if _, ok := h.clients[msg.client]; !ok {
				continue
			}
			select {
			case msg.client.Send <- msg.frame:
			default:
				h.logger.Warn("websocket client send buffer full, dropping reply", "remote", msg.client.remoteAddr())
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					h.logger.Warn("websocket client send buffer full, removing", "remote", client.remoteAddr())
					close(client.Send)
					delete(h.clients, client)
				}
			}
		}
	}
}

func (h *Hub) greet(client *Client, frames [][]byte) {
	for _, frame := range frames {
		select {
		case client.Send <- frame:
		default:
			h.logger.Warn("websocket client send buffer full, dropping greeting", "remote", client.remoteAddr())
			return
		}
	}
}

// RegisterClient adds a peer to the hub.
func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of registered peers, or 0 once the hub has stopped.
func (h *Hub) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Broadcast queues a raw frame for every peer.
func (h *Hub) Broadcast(frame []byte) {
	select {
	case h.broadcast <- frame:
	case <-h.done:
	}
}

// SendTo queues a frame for a single registered peer.
func (h *Hub) SendTo(client *Client, frame []byte) {
	select {
	case h.direct <- directMessage{client: client, frame: frame}:
	case <-h.done:
	}
}

// BroadcastJSON marshals v and queues it for every peer.
func (h *Hub) BroadcastJSON(v any) {
	messageBytes, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("error marshalling broadcast", "error", err)
		return
	}
	h.Broadcast(messageBytes)
}

// ServeHTTP makes the hub mountable as a websocket endpoint.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.ServeWS(w, r) }

// ServeWS upgrades the request and attaches the peer to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade error", "error", err)
		return
	}

	client := &Client{Hub: h, Conn: conn, Send: make(chan []byte, 256)}
	h.RegisterClient(client)

	go client.WritePump()
	go client.ReadPump()

	h.logger.Info("websocket connection established", "remote", conn.RemoteAddr().String())
}

// Package ws fans delivery updates out to live dashboard connections
// over websockets. Clients subscribe to topics; the hub preserves
// publish order per topic and drops clients that cannot keep up.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Topics clients may subscribe to.
const (
	TopicRequests = "otp-requests"
	TopicEvents   = "otp-events"
)

func validTopic(topic string) bool {
	return topic == TopicRequests || topic == TopicEvents
}

// Message is one server-to-client frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type subscription struct {
	client *Client
	topic  string
}

type publication struct {
	topic string
	msg   Message
}

// Hub owns the client set. All membership and fan-out runs on the
// single Run goroutine, so no lock guards the maps.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscription
	unsubscribe chan subscription
	broadcast   chan publication
	done        chan struct{}

	clients map[*Client]map[string]bool
	count   atomic.Int64
}

// NewHub creates a Hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("subsystem", "ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		broadcast:   make(chan publication, 256),
		done:        make(chan struct{}),
		clients:     make(map[*Client]map[string]bool),
	}
}

// Run processes membership changes and fan-out until the context is
// cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			close(h.done)
			return

		case c := <-h.register:
			h.clients[c] = make(map[string]bool)
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("client connected", "client_id", c.id, "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.logger.Debug("client disconnected", "client_id", c.id, "total", len(h.clients))
			}

		case s := <-h.subscribe:
			if topics, ok := h.clients[s.client]; ok {
				topics[s.topic] = true
			}

		case s := <-h.unsubscribe:
			if topics, ok := h.clients[s.client]; ok {
				delete(topics, s.topic)
			}

		case p := <-h.broadcast:
			for c, topics := range h.clients {
				if !topics[p.topic] {
					continue
				}
				select {
				case c.send <- p.msg:
				default:
					// A full buffer means the client stopped reading;
					// dropping it keeps order intact for the rest.
					h.drop(c)
					h.logger.Warn("client dropped, send buffer full", "client_id", c.id)
				}
			}
		}
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int64(len(h.clients)))
}

// The pump-side sends select against done so connection goroutines
// never block on a hub whose Run loop has already returned.

func (h *Hub) addClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) removeClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) subscribeClient(c *Client, topic string) {
	select {
	case h.subscribe <- subscription{client: c, topic: topic}:
	case <-h.done:
	}
}

func (h *Hub) unsubscribeClient(c *Client, topic string) {
	select {
	case h.unsubscribe <- subscription{client: c, topic: topic}:
	case <-h.done:
	}
}

// Publish fans a message out to the subscribers of a topic. Never
// blocks: under backpressure the frame is dropped with a warning, the
// webhook channel being the reliable one.
func (h *Hub) Publish(topic, msgType string, data any) {
	select {
	case h.broadcast <- publication{topic: topic, msg: Message{Type: msgType, Data: data}}:
	default:
		h.logger.Warn("live push frame dropped, hub backlogged", "topic", topic, "type", msgType)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

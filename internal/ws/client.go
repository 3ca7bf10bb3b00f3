package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	sendBuffer     = 64
)

type clientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// Client is one websocket connection with its outbound buffer.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

// ServeWS upgrades the request and runs the connection's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan Message, sendBuffer),
	}
	if !h.addClient(c) {
		conn.Close()
		return
	}
	c.send <- Message{Type: "connected", Data: map[string]string{"client_id": c.id}}

	go c.writePump()
	go c.readPump()
}

// readPump consumes client frames. The read deadline doubles as the
// liveness check: a pong, a ping message or any other frame extends
// it, and silence past pongWait ends the connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.logger.Debug("discarding malformed client frame", "client_id", c.id, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			if !validTopic(msg.Channel) {
				c.hub.logger.Debug("subscribe to unknown channel", "client_id", c.id, "channel", msg.Channel)
				continue
			}
			c.hub.subscribeClient(c, msg.Channel)
			c.reply(Message{Type: "subscribed", Data: map[string]string{"channel": msg.Channel}})
		case "unsubscribe":
			c.hub.unsubscribeClient(c, msg.Channel)
			c.reply(Message{Type: "unsubscribed", Data: map[string]string{"channel": msg.Channel}})
		case "ping":
			c.reply(Message{Type: "pong"})
		default:
			c.hub.logger.Debug("unknown client frame type", "client_id", c.id, "type", msg.Type)
		}
	}
}

// reply queues a control response without blocking the read loop.
func (c *Client) reply(msg Message) {
	select {
	case c.send <- msg:
	default:
	}
}

// writePump writes queued frames and the keepalive probes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait     = 10 * time.Second
	sendBufferLen = 32
)

// wsConn is the transport side of a subscriber connection.
// *websocket.Conn satisfies it; tests inject fakes.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one live subscriber. Ephemeral: created on connect, removed on
// disconnect or first failed delivery.
type Client struct {
	id   string
	room string
	conn wsConn
	hub  *Hub

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, conn wsConn, room string) *Client {
	if room == "" {
		room = DefaultRoom
	}
	return &Client{
		id:   uuid.New().String(),
		room: room,
		conn: conn,
		hub:  h,
		send: make(chan []byte, sendBufferLen),
		done: make(chan struct{}),
	}
}

// trySend queues one message for delivery. False when the subscriber is
// gone or its buffer is full — either counts as a failed delivery attempt.
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close() //nolint:errcheck
	})
}

// writePump drains the send buffer onto the socket. A write error means the
// peer is gone; the client unregisters itself.
func (c *Client) writePump() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// The hub may already have stopped; done is closed either
				// way once the client is removed.
				select {
				case c.hub.unregister <- c:
				case <-c.done:
				}
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump handles inbound client messages. The only recognized message is
// {"type":"ping"}, answered with a pong to this subscriber alone.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.done:
		}
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == TypePing {
			pong, _ := json.Marshal(map[string]any{
				"type":      TypePong,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.trySend(pong)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from a different origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request to a subscriber connection. The room is
// taken from the "room" query parameter, defaulting to DefaultRoom.
func ServeWS(h *Hub, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		c := newClient(h, conn, r.URL.Query().Get("room"))
		h.register <- c
		go c.writePump()
		go c.readPump()
	}
}

package room

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// Client is one websocket session. The session id is assigned at upgrade and
// dies with the connection; stable identity is a separate, optional token.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// sendMu guards send against the hub closing it while a background
	// goroutine (e.g. a track resolver reporting back after a disconnect)
	// still wants to write.
	sendMu     sync.Mutex
	sendClosed bool

	sessionID string

	// rooms the session joined, touched only from the readPump goroutine.
	// Used to emit the implicit leave on disconnect.
	joined map[string]bool

	// onMessage and onClose are wired by the server.
	onMessage func(c *Client, data []byte)
	onClose   func(c *Client)
}

// trySend queues a frame for the connection. Returns false when the client is
// gone or its queue is full; the frame is dropped either way.
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once, after which trySend becomes
// a no-op. Only the hub calls this.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// readPump pumps inbound frames to the server handler. One per connection;
// it enforces the read deadline and triggers the implicit disconnect leave.
func (c *Client) readPump() {
	defer func() {
		if c.onClose != nil {
			c.onClose(c)
		}
		c.hub.unregister <- c
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("room-service: ws read: %v", err)
			}
			return
		}
		if c.onMessage != nil {
			c.onMessage(c, data)
		}
	}
}

// writePump drains the send channel to the connection and keeps it alive with
// pings. One per connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cashflowdash/chatbridge/internal/slogging"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings at this period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	maxMessageSize = 64 * 1024
)

// Client is one downstream WebSocket connection attached to a session.
type Client struct {
	// ID is a per-connection identifier, used only for logging.
	ID string

	// SessionKey is the conversation this connection belongs to.
	SessionKey string

	// UserID is the logical user behind the connection.
	UserID string

	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	handler *Handler
	logger  *slogging.Logger

	closeOnce sync.Once
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump reads frames from the browser until the connection drops, handing
// each one to the handler. It runs in its own goroutine per connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("relay client read error: conn=%s err=%v", c.ID, err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("relay client sent malformed frame: conn=%s err=%v", c.ID, err)
			continue
		}

		// Forwarding upstream can wait on the gateway for tens of seconds;
		// keep the read loop free so pings and further frames still flow.
		go c.handler.handleClientMessage(c, msg)
	}
}

// writePump drains the send channel to the connection and keeps the link
// alive with pings. Exactly one writePump runs per connection, so no write
// lock is needed.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

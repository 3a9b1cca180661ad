package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// Client is one change-feed connection held by the server. The hub owns Send
// and closes it when the client is unregistered.
type Client struct {
	ID       string
	UserID   string
	DeviceID string
	Conn     *websocket.Conn
	Manager  *Manager
	Send     chan []byte
}

func NewClient(id, userID, deviceID string, conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		ID:       id,
		UserID:   userID,
		DeviceID: deviceID,
		Conn:     conn,
		Manager:  manager,
		Send:     make(chan []byte, 256),
	}
}

// ReadPump forwards upstream messages to the hub until the connection drops.
func (c *Client) ReadPump() {
	m := c.Manager
	defer func() {
		select {
		case m.Unregister <- c:
		case <-m.stopped:
		}
		c.Conn.Close()
	}()

	if m.maxMessageSize > 0 {
		c.Conn.SetReadLimit(m.maxMessageSize)
	}
	c.Conn.SetReadDeadline(time.Now().Add(m.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(m.pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				m.log.Debug().Err(err).Str("client_id", c.ID).Msg("change feed connection lost")
			}
			return
		}

		select {
		case m.HandleMessage <- &ClientMessage{Client: c, Message: data}:
		case <-m.stopped:
			return
		}
	}
}

// WritePump drains Send onto the connection, coalescing queued messages into
// one newline-separated frame, and keeps the peer alive with pings.
func (c *Client) WritePump() {
	m := c.Manager
	ticker := time.NewTicker(m.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(m.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.writeFrame(data); err != nil {
				m.log.Debug().Err(err).Str("client_id", c.ID).Msg("change feed write failed")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(m.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeFrame(first []byte) error {
	w, err := c.Conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(first)
	for n := len(c.Send); n > 0; n-- {
		next, ok := <-c.Send
		if !ok {
			break
		}
		w.Write([]byte{'\n'})
		w.Write(next)
	}
	return w.Close()
}

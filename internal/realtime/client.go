package realtime

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

var expectedCloses = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Client is one dashboard connection. Its subscription is swapped atomically
// when the peer sends a new filter.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	sub  atomic.Pointer[Subscription]
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	c.sub.Store(&Subscription{AllEvents: true})
	return c
}

// wants is the per-client filter applied during fan-out.
func (c *Client) wants(e *Event) bool {
	return c.sub.Load().Matches(e)
}

// readLoop consumes subscription updates until the peer goes away.
// Messages that are not a valid Subscription are ignored.
func (c *Client) readLoop() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, expectedCloses...) {
				c.hub.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		sub := new(Subscription)
		if json.Unmarshal(msg, sub) == nil {
			c.sub.Store(sub)
		}
	}
}

// writeLoop drains the send buffer and keeps the connection alive with
// pings. A closed buffer means the hub dropped the client.
func (c *Client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, open := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Warn("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

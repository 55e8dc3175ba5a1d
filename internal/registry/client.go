package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tokenfeed/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 40960 // tolerate reconnect storms per the concurrency model
)

// Client is one connected browser socket: a readPump/writePump goroutine
// pair with a buffered outbound channel, directly generalizing the teacher's
// gateway Client shape to literal room membership instead of channel-filter
// subscriptions.
type Client struct {
	id   string
	conn *websocket.Conn
	reg  *Registry
	log  *slog.Logger

	send chan []byte

	mu    sync.Mutex
	rooms map[string]struct{}
}

func newClient(id string, conn *websocket.Conn, reg *Registry, log *slog.Logger) *Client {
	return &Client{
		id:    id,
		conn:  conn,
		reg:   reg,
		log:   log.With("client", id),
		send:  make(chan []byte, sendBufferSize),
		rooms: make(map[string]struct{}),
	}
}

// Send enqueues an outbound envelope for this client. Per the backpressure
// model, a full buffer drops the frame rather than blocking the caller —
// the system never retries delivery to a single stalled client.
func (c *Client) Send(eventType string, payload any) {
	data, err := json.Marshal(model.SocketEnvelope{Type: eventType, Payload: payload})
	if err != nil {
		c.log.Error("marshal outbound envelope failed", "type", eventType, "err", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client send buffer full, dropping frame", "type", eventType)
	}
}

func (c *Client) addRoom(key string) {
	c.mu.Lock()
	c.rooms[key] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeRoom(key string) {
	c.mu.Lock()
	delete(c.rooms, key)
	c.mu.Unlock()
}

func (c *Client) snapshotRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for k := range c.rooms {
		out = append(out, k)
	}
	return out
}

// readPump pumps inbound frames to the registry's dispatcher until the
// connection closes. Must run in its own goroutine.
func (c *Client) readPump() {
	defer func() {
		c.reg.disconnect(c)
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
			return
		}
		c.reg.handleInbound(c, data)
	}
}

// writePump drains c.send to the connection, coalescing any frames queued
// while a write was in flight into a single WebSocket message via
// NextWriter, and maintains the ping heartbeat.
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
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
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

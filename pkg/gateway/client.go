package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cubeforge/minefleet/pkg/events"
)

// command is an inbound client frame.
type command struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
}

// outboundMessage is a pushed event frame.
type outboundMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// pushTypes maps bus event types to the frame types clients see. Events
// without a mapping (backup completions, player events) are not part of
// the stream surface and are dropped.
var pushTypes = map[events.EventType]string{
	events.EventConsoleLine:    "console-log",
	events.EventStatusChange:   "server-status",
	events.EventResourceSample: "resource-update",
	events.EventProxyStatus:    "proxy-backend-status",
}

// client is one websocket connection and its per-instance bus
// subscriptions.
type client struct {
	gateway *Gateway
	conn    *websocket.Conn

	mu   sync.Mutex
	subs map[string]*events.Subscriber

	send chan outboundMessage
	done chan struct{}
}

// readLoop consumes subscribe and unsubscribe commands until the
// connection drops, then tears everything down.
func (c *client) readLoop() {
	defer c.close()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		switch cmd.Type {
		case "subscribe-server":
			c.subscribe(cmd.ServerID)
		case "unsubscribe-server":
			c.unsubscribe(cmd.ServerID)
		}
	}
}

// subscribe joins every topic of one instance and pumps its events into
// the shared send queue.
func (c *client) subscribe(serverID string) {
	if serverID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[serverID]; ok {
		return
	}

	sub := c.gateway.bus.Subscribe(
		events.ConsoleTopic(serverID),
		events.StatusTopic(serverID),
		events.ResourceTopic(serverID),
		events.ProxyStatusTopic(serverID),
	)
	c.subs[serverID] = sub

	go func() {
		for event := range sub.C() {
			frameType, ok := pushTypes[event.Type]
			if !ok {
				continue
			}
			msg := outboundMessage{
				Type:      frameType,
				Timestamp: event.Timestamp,
				Data:      event.Payload,
			}
			select {
			case c.send <- msg:
			case <-c.done:
				return
			}
		}
	}()
}

func (c *client) unsubscribe(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[serverID]; ok {
		c.gateway.bus.Unsubscribe(sub)
		delete(c.subs, serverID)
	}
}

// writeLoop serializes outbound frames and keepalive pings.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// close releases every bus subscription and the connection.
func (c *client) close() {
	close(c.done)

	c.mu.Lock()
	for id, sub := range c.subs {
		c.gateway.bus.Unsubscribe(sub)
		delete(c.subs, id)
	}
	c.mu.Unlock()

	_ = c.conn.Close()
}

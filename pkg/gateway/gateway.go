package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cubeforge/minefleet/pkg/events"
	"github.com/cubeforge/minefleet/pkg/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// TokenVerifier decides whether a presented token may open an event
// stream.
type TokenVerifier interface {
	Verify(token string) bool
}

// StaticToken verifies against a single shared token. An empty token
// disables authentication.
type StaticToken string

// Verify implements TokenVerifier.
func (s StaticToken) Verify(token string) bool {
	return s == "" || token == string(s)
}

// Gateway upgrades HTTP requests to websocket event streams.
type Gateway struct {
	bus      *events.Bus
	verifier TokenVerifier
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// New creates a gateway over the bus.
func New(bus *events.Bus, verifier TokenVerifier) *Gateway {
	return &Gateway{
		bus:      bus,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("gateway"),
	}
}

// ServeHTTP authenticates the token query parameter and upgrades the
// connection.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.verifier.Verify(r.URL.Query().Get("token")) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		gateway: g,
		conn:    conn,
		subs:    make(map[string]*events.Subscriber),
		send:    make(chan outboundMessage, 64),
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	c.readLoop()
}

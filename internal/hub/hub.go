// Package hub turns state-machine transitions into filtered real-time
// streams for external observers. Producers never block: each connection
// owns a bounded outbound queue and a slow observer only loses its own
// oldest events.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// Config bounds per-connection resource usage
type Config struct {
	// QueueSize is each connection's outbound event queue capacity.
	QueueSize int

	// MaxSubscriptions caps active event-name patterns per connection.
	MaxSubscriptions int

	// MaxConnsPerIdentity caps concurrent connections per token subject.
	MaxConnsPerIdentity int

	// MessageRateLimit caps inbound messages per connection per minute.
	MessageRateLimit int

	// IdleTimeout closes connections without a heartbeat in the interval.
	IdleTimeout time.Duration

	// AuthTimeout bounds the time from connect to a valid auth message.
	AuthTimeout time.Duration

	TokenSecret []byte
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = 50
	}
	if c.MaxConnsPerIdentity <= 0 {
		c.MaxConnsPerIdentity = 5
	}
	if c.MessageRateLimit <= 0 {
		c.MessageRateLimit = 100
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 90 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	return c
}

// Hub is the fan-out point between the state machines and observer
// connections
type Hub struct {
	cfg      Config
	log      *logrus.Logger
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	conns      map[string]*Connection
	identities map[string]int
}

// New creates an event distribution hub
func New(cfg Config, log *logrus.Logger) *Hub {
	return &Hub{
		cfg: cfg.withDefaults(),
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement belongs to the API gateway in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:      make(map[string]*Connection),
		identities: make(map[string]int),
	}
}

// Publish fans an event out to every connection whose subscriptions match.
// Never blocks: full queues drop their oldest entry instead.
func (h *Hub) Publish(ev models.Event) {
	msg := Message{
		Type:      TypeEvent,
		Event:     ev.Name,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:      eventData(&ev),
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.deliver(&ev, msg)
	}
}

func eventData(ev *models.Event) map[string]any {
	data := make(map[string]any, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		data[k] = v
	}
	data["attributes"] = ev.Attributes
	return data
}

// ServeHTTP upgrades an observer connection and runs its protocol loop
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := newConnection(h, ws, h.cfg.QueueSize)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	RecordConnectionOpen()

	h.log.WithFields(logrus.Fields{
		"connection_id": c.id,
		"remote_addr":   r.RemoteAddr,
	}).Info("Observer connected")

	go c.writePump()
	c.readPump()
}

// reserveIdentity counts a connection against its identity's limit
func (h *Hub) reserveIdentity(identity string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.identities[identity] >= h.cfg.MaxConnsPerIdentity {
		return false
	}
	h.identities[identity]++
	return true
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	if c.identity != "" && c.reserved {
		h.identities[c.identity]--
		if h.identities[c.identity] <= 0 {
			delete(h.identities, c.identity)
		}
	}
	h.mu.Unlock()
	RecordConnectionClose()

	h.log.WithFields(logrus.Fields{
		"connection_id": c.id,
		"dropped":       c.droppedCount(),
	}).Info("Observer disconnected")
}

// ConnectionCount returns the number of open connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown closes every connection and waits briefly for writers to drain
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	deadline := time.After(5 * time.Second)
	for h.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func newConnectionID() string {
	return "conn-" + uuid.New().String()
}

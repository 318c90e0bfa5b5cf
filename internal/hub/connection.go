package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sentinel-sec/orchestrator/pkg/models"
)

const maxInboundMessageBytes = 64 * 1024

// Connection is one observer's persistent stream. Lifecycle: handshake ->
// auth -> ready -> subscribe/stream -> close. Subscriptions live and die
// with the connection.
type Connection struct {
	id       string
	identity string
	reserved bool
	hub      *Hub
	ws       *websocket.Conn
	log      *logrus.Entry

	send chan Message
	done chan struct{}

	mu            sync.Mutex
	authenticated bool
	subs          []*Subscription

	// writeMu serializes data writes: the websocket permits one concurrent
	// writer, and both the write pump and the read pump (terminal errors)
	// write to it.
	writeMu sync.Mutex

	windowStart time.Time
	windowCount int

	dropped   atomic.Uint64
	closeOnce sync.Once
}

func newConnection(h *Hub, ws *websocket.Conn, queueSize int) *Connection {
	id := newConnectionID()
	return &Connection{
		id:   id,
		hub:  h,
		ws:   ws,
		log:  h.log.WithField("connection_id", id),
		send: make(chan Message, queueSize),
		done: make(chan struct{}),
	}
}

// deliver enqueues the event if the connection is ready and a subscription
// matches. Never blocks the producer: a full queue drops its oldest entry
// and counts the drop against this connection only.
func (c *Connection) deliver(ev *models.Event, msg Message) {
	c.mu.Lock()
	ok := c.authenticated && c.matchesLocked(ev)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.enqueue(msg)
}

func (c *Connection) matchesLocked(ev *models.Event) bool {
	for _, s := range c.subs {
		if s.Matches(ev) {
			return true
		}
	}
	return false
}

func (c *Connection) enqueue(msg Message) {
	for {
		select {
		case c.send <- msg:
			RecordEventDelivered()
			return
		default:
		}
		select {
		case <-c.send:
			c.dropped.Add(1)
			RecordEventDropped()
		default:
		}
	}
}

func (c *Connection) droppedCount() uint64 {
	return c.dropped.Load()
}

func (c *Connection) writePump() {
	defer c.ws.Close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.writeJSON(msg); err != nil {
				c.log.WithError(err).Debug("Write failed, closing connection")
				c.close(websocket.CloseAbnormalClosure, "write failure")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.close(websocket.CloseNormalClosure, "")
		c.hub.unregister(c)
	}()

	c.ws.SetReadLimit(maxInboundMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.AuthTimeout))

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("Read failed")
			}
			return
		}

		if !c.allowMessage() {
			c.sendNow(errorMessage("rate_limited", "inbound message rate limit exceeded"))
			c.close(CloseRateLimited, "rate limited")
			return
		}

		// Any inbound message is a heartbeat.
		c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))
		RecordMessageReceived(msg.Type)

		if !c.isAuthenticated() && msg.Type != TypeAuth {
			c.sendNow(errorMessage("not_authenticated", "authenticate before sending requests"))
			c.close(CloseInvalidAuth, "not authenticated")
			return
		}

		switch msg.Type {
		case TypeAuth:
			if !c.handleAuth(msg) {
				return
			}
		case TypeSubscribe:
			if !c.handleSubscribe(msg) {
				return
			}
		case TypeUnsubscribe:
			c.handleUnsubscribe(msg)
		case TypePing:
			c.enqueue(Message{ID: msg.ID, Type: TypePong, Timestamp: now()})
		default:
			c.enqueue(errorMessage("unknown_type", "unknown message type: "+msg.Type))
		}
	}
}

// allowMessage enforces the per-minute inbound message budget
func (c *Connection) allowMessage() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	nowT := time.Now()
	if nowT.Sub(c.windowStart) >= time.Minute {
		c.windowStart = nowT
		c.windowCount = 0
	}
	c.windowCount++
	return c.windowCount <= c.hub.cfg.MessageRateLimit
}

func (c *Connection) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Connection) handleAuth(msg Message) bool {
	token := msg.Token
	if token == "" {
		if t, ok := msg.Data["token"].(string); ok {
			token = t
		}
	}

	identity, err := verifyToken(c.hub.cfg.TokenSecret, token)
	if err != nil {
		code := CloseInvalidAuth
		reason := "invalid auth"
		switch err {
		case errTokenExpired:
			code = CloseTokenExpired
			reason = "token expired"
		case errNoPermission:
			code = CloseInsufficientPermission
			reason = "insufficient permission"
		}
		c.sendNow(errorMessage(reason, err.Error()))
		c.close(code, reason)
		return false
	}

	if !c.hub.reserveIdentity(identity) {
		c.sendNow(errorMessage("connection_limit", "too many concurrent connections for identity"))
		c.close(CloseRateLimited, "connection limit exceeded")
		return false
	}

	c.mu.Lock()
	c.identity = identity
	c.reserved = true
	c.authenticated = true
	c.mu.Unlock()

	c.log.WithField("identity", identity).Info("Observer authenticated")
	c.enqueue(Message{
		ID:        msg.ID,
		Type:      TypeConnectionReady,
		Timestamp: now(),
		Data: map[string]any{
			"connection_id": c.id,
			"server_time":   now(),
		},
	})
	return true
}

func (c *Connection) handleSubscribe(msg Message) bool {
	patterns := stringList(msg.Data["events"])
	if len(patterns) == 0 {
		c.enqueue(errorMessage("invalid_subscribe", "subscribe requires a non-empty events list"))
		return true
	}
	filters := parseFilters(msg.Data["filters"])

	c.mu.Lock()
	total := len(patterns)
	for _, s := range c.subs {
		total += len(s.Patterns)
	}
	if total > c.hub.cfg.MaxSubscriptions {
		c.mu.Unlock()
		c.sendNow(errorMessage("subscription_limit", "active subscription limit exceeded"))
		c.close(CloseRateLimited, "subscription limit exceeded")
		return false
	}
	c.subs = append(c.subs, &Subscription{
		Patterns:  patterns,
		Filters:   filters,
		CreatedAt: time.Now().UTC(),
	})
	subscribed := c.subscribedLocked()
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"identity": c.identity,
		"patterns": patterns,
	}).Debug("Subscription added")
	c.enqueue(Message{
		ID:        msg.ID,
		Type:      TypeSubscriptionConfirmed,
		Timestamp: now(),
		Data:      map[string]any{"subscribed_events": subscribed},
	})
	return true
}

func (c *Connection) handleUnsubscribe(msg Message) {
	remove := make(map[string]bool)
	for _, p := range stringList(msg.Data["events"]) {
		remove[p] = true
	}

	c.mu.Lock()
	var kept []*Subscription
	for _, s := range c.subs {
		var patterns []string
		for _, p := range s.Patterns {
			if !remove[p] {
				patterns = append(patterns, p)
			}
		}
		if len(patterns) > 0 {
			s.Patterns = patterns
			kept = append(kept, s)
		}
	}
	c.subs = kept
	subscribed := c.subscribedLocked()
	c.mu.Unlock()

	c.enqueue(Message{
		ID:        msg.ID,
		Type:      TypeSubscriptionConfirmed,
		Timestamp: now(),
		Data:      map[string]any{"subscribed_events": subscribed},
	})
}

func (c *Connection) subscribedLocked() []string {
	var out []string
	for _, s := range c.subs {
		out = append(out, s.Patterns...)
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func (c *Connection) writeJSON(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(msg)
}

// sendNow writes synchronously, bypassing the queue. Used for terminal
// errors sent just before closing.
func (c *Connection) sendNow(msg Message) {
	if err := c.writeJSON(msg); err != nil {
		c.log.WithError(err).Debug("Failed to write terminal message")
	}
}

func (c *Connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.log.WithError(err).Debug("Failed to write close frame")
		}
		c.ws.Close()
	})
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseFilters(v any) Filters {
	m, ok := v.(map[string]any)
	if !ok {
		return Filters{}
	}
	f := Filters{
		Severity: stringList(m["severity"]),
		Types:    stringList(m["types"]),
	}
	if tag, ok := m["tag"].(string); ok {
		f.Tag = tag
	}
	if from, ok := m["from"].(string); ok {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			f.From = &t
		}
	}
	if to, ok := m["to"].(string); ok {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			f.To = &t
		}
	}
	return f
}

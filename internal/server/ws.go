package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cipher982/zerg/internal/bus"
)

// ─── Envelope v1 ───

// wsEnvelope is the frame format in both directions.
type wsEnvelope struct {
	V     int             `json:"v"`
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func newEnvelope(kind, topic string, data any) *wsEnvelope {
	payload, _ := json.Marshal(data)

	return &wsEnvelope{
		V:     1,
		ID:    uuid.NewString(),
		Type:  kind,
		Topic: topic,
		TS:    time.Now().UnixMilli(),
		Data:  payload,
	}
}

// Close codes and protocol limits.
const (
	closeUnauthorized = 4401

	// outboundQueueSize bounds each client's pending frames; overflow
	// closes only that client.
	outboundQueueSize = 500

	pingInterval   = 30 * time.Second
	maxMissedPongs = 2
	writeTimeout   = 10 * time.Second
)

// ─── Client ───

// wsClient is one connected socket: a bounded outbound queue drained by
// its own writer goroutine, so a slow client cannot stall the fan-out.
type wsClient struct {
	id   string
	conn *websocket.Conn

	send chan *wsEnvelope

	mu     sync.Mutex
	topics map[string]bool
	closed bool

	missedPongs int
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan *wsEnvelope, outboundQueueSize),
		topics: make(map[string]bool),
	}
}

func (c *wsClient) subscribe(topic string)   { c.mu.Lock(); c.topics[topic] = true; c.mu.Unlock() }
func (c *wsClient) unsubscribe(topic string) { c.mu.Lock(); delete(c.topics, topic); c.mu.Unlock() }

func (c *wsClient) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.topics[topic]
}

// enqueue adds a frame without blocking. Returns false on overflow.
func (c *wsClient) enqueue(env *wsEnvelope) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// closeWith sends a close frame and tears the connection down. Safe to
// call multiple times.
func (c *wsClient) closeWith(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.conn != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		c.conn.Close()
	}
}

// ─── Topic router ───

// topicRouter subscribes once to the event bus and dispatches each
// event to the clients whose subscriptions include its topic.
type topicRouter struct {
	events *bus.Bus

	mu      sync.RWMutex
	clients map[string]*wsClient
}

func newTopicRouter(events *bus.Bus) *topicRouter {
	return &topicRouter{
		events:  events,
		clients: make(map[string]*wsClient),
	}
}

// Start attaches the router to the bus. Events without a topic are
// routed to the ops:events channel.
func (t *topicRouter) Start(ctx context.Context) {
	t.events.Subscribe("ws-router", func(ev bus.Event) {
		topic := ev.Topic
		if topic == "" {
			topic = "ops:events"
		}
		t.broadcast(string(ev.Kind), topic, ev.Payload)
	})

	go func() {
		<-ctx.Done()
		t.events.Unsubscribe("ws-router")
	}()
}

// broadcast fans one event out to matching clients. Enqueue never
// blocks; an overflowing client is closed without affecting siblings.
func (t *topicRouter) broadcast(kind, topic string, payload any) {
	env := newEnvelope(kind, topic, payload)

	t.mu.RLock()
	snapshot := make([]*wsClient, 0, len(t.clients))
	for _, c := range t.clients {
		snapshot = append(snapshot, c)
	}
	t.mu.RUnlock()

	for _, c := range snapshot {
		if !c.subscribed(topic) {
			continue
		}
		if !c.enqueue(env) {
			slog.Warn("ws: client queue overflow, closing", "client_id", c.id, "topic", topic)
			wsDropped.Inc()
			t.remove(c)
			c.closeWith(websocket.ClosePolicyViolation, "outbound queue overflow")
		}
	}
}

func (t *topicRouter) add(c *wsClient) {
	t.mu.Lock()
	t.clients[c.id] = c
	t.mu.Unlock()

	wsClients.Inc()
}

func (t *topicRouter) remove(c *wsClient) {
	t.mu.Lock()
	_, ok := t.clients[c.id]
	delete(t.clients, c.id)
	t.mu.Unlock()

	if ok {
		wsClients.Dec()
	}
}

// ─── HTTP handler ───

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin restrictions are enforced by the CORS middleware in front.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket upgrades GET /ws. Authentication runs before the
// upgrade; a failed check upgrades only to deliver close code 4401.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	_, authErr := s.authenticate(r)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws: upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn)

	if authErr != nil {
		client.closeWith(closeUnauthorized, "unauthorized")
		return
	}

	s.topics.add(client)
	defer func() {
		s.topics.remove(client)
		client.closeWith(websocket.CloseNormalClosure, "")
	}()

	go s.writePump(client)
	s.readPump(client)
}

// readPump consumes client frames until the connection dies. Malformed
// payloads get an error frame and close 1002.
func (s *Server) readPump(c *wsClient) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.enqueue(newEnvelope("error", "", map[string]string{
				"code":    "INVALID_PAYLOAD",
				"message": "frames must be v1 envelopes",
			}))
			c.closeWith(websocket.CloseProtocolError, "invalid payload")
			return
		}

		switch env.Type {
		case "subscribe":
			if topic := envTopic(env); topic != "" {
				c.subscribe(topic)
			}
		case "unsubscribe":
			if topic := envTopic(env); topic != "" {
				c.unsubscribe(topic)
			}
		case "ping":
			c.enqueue(newEnvelope("pong", "", nil))
		case "pong":
			c.mu.Lock()
			c.missedPongs = 0
			c.mu.Unlock()
		default:
			c.enqueue(newEnvelope("error", "", map[string]string{
				"code":    "UNKNOWN_TYPE",
				"message": "unsupported frame type " + env.Type,
			}))
		}
	}
}

// envTopic reads the topic from the envelope field or data.topic.
func envTopic(env wsEnvelope) string {
	if env.Topic != "" {
		return env.Topic
	}

	var data struct {
		Topic string `json:"topic"`
	}
	json.Unmarshal(env.Data, &data)

	return data.Topic
}

// writePump drains the outbound queue and drives the heartbeat. Two
// missed pongs close the connection.
func (s *Server) writePump(c *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			c.missedPongs++
			missed := c.missedPongs
			c.mu.Unlock()

			if missed > maxMissedPongs {
				c.closeWith(websocket.CloseGoingAway, "heartbeat timeout")
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(newEnvelope("ping", "", nil)); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}

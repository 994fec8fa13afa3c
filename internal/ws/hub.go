// Package ws broadcasts progress events to WebSocket clients. Each
// connection carries optional user/session scoping and per-operation and
// per-type subscription sets; an event is delivered only when every filter
// permits. A heartbeat loop pings every connection and evicts the ones
// whose writes fail.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/metrics"
	"github.com/toshokan-dev/toshokan/internal/progress"
)

// Client message types.
const (
	MsgSubscribeOp     = "subscribe_operation"
	MsgUnsubscribeOp   = "unsubscribe_operation"
	MsgSubscribeType   = "subscribe_operation_type"
	MsgUnsubscribeType = "unsubscribe_operation_type"
	MsgPing            = "ping"
)

// Server message types.
const (
	MsgConnected     = "connection_established"
	MsgProgressEvent = "progress_event"
	MsgSubscribed    = "subscribed"
	MsgUnsubscribed  = "unsubscribed"
	MsgPong          = "pong"
	MsgHeartbeat     = "heartbeat"
)

const (
	heartbeatInterval = 30 * time.Second
	readWait          = 90 * time.Second
	writeWait         = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Progress streams are read-only views; scoping happens via the
	// user/session query params, not the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is one inbound frame.
type clientMessage struct {
	Type          string `json:"type"`
	OperationID   string `json:"operation_id,omitempty"`
	OperationType string `json:"operation_type,omitempty"`
}

// serverMessage is one outbound frame.
type serverMessage struct {
	Type          string          `json:"type"`
	ConnectionID  string          `json:"connection_id,omitempty"`
	OperationID   string          `json:"operation_id,omitempty"`
	OperationType string          `json:"operation_type,omitempty"`
	Event         *progress.Event `json:"event,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Conn is one connected client.
type Conn struct {
	ID        string
	Connected time.Time

	conn      *websocket.Conn
	userID    string
	sessionID string

	mu       sync.Mutex
	lastSeen time.Time
	opIDs    map[string]struct{}
	opTypes  map[string]struct{}
}

// send marshals and writes one frame under the connection's write lock.
func (c *Conn) send(msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ping writes a control ping so protocol-level clients answer with a pong
// and keep their read deadline fresh.
func (c *Conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// wants applies the four delivery filters.
func (c *Conn) wants(ev *progress.Event) bool {
	if c.userID != "" && ev.UserID != "" && c.userID != ev.UserID {
		return false
	}
	if c.sessionID != "" && ev.SessionID != "" && c.sessionID != ev.SessionID {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.opIDs) > 0 {
		if _, ok := c.opIDs[ev.OperationID]; !ok {
			return false
		}
	}
	if len(c.opTypes) > 0 {
		if _, ok := c.opTypes[ev.OperationType]; !ok {
			return false
		}
	}
	return true
}

// Hub manages all progress-stream connections. It satisfies
// progress.Broadcaster.
type Hub struct {
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger.Named("ws"),
		conns:  make(map[string]*Conn),
	}
}

// Start launches the heartbeat loop.
func (h *Hub) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.run(ctx)
	return nil
}

// Stop halts the heartbeat loop and closes every connection.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.evict(c)
	}
}

func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// heartbeat pings every connection, evicting the ones that fail to take a
// write.
func (h *Hub) heartbeat() {
	now := time.Now().UTC()
	for _, c := range h.snapshot() {
		if err := c.ping(); err != nil {
			h.logger.Debug("heartbeat ping failed", zap.String("connection", c.ID), zap.Error(err))
			h.evict(c)
			continue
		}
		if err := c.send(serverMessage{Type: MsgHeartbeat, Timestamp: now}); err != nil {
			h.logger.Debug("heartbeat write failed", zap.String("connection", c.ID), zap.Error(err))
			h.evict(c)
		}
	}
}

// HandleWS upgrades the request and runs the connection's read loop.
// Optional user_id and session_id query params scope delivery.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	c := &Conn{
		ID:        uuid.NewString(),
		Connected: now,
		conn:      conn,
		userID:    r.URL.Query().Get("user_id"),
		sessionID: r.URL.Query().Get("session_id"),
		lastSeen:  now,
		opIDs:     make(map[string]struct{}),
		opTypes:   make(map[string]struct{}),
	}

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	metrics.WSClients.Inc()
	h.logger.Info("client connected",
		zap.String("connection", c.ID),
		zap.String("user_id", c.userID))

	defer h.evict(c)

	if err := c.send(serverMessage{Type: MsgConnected, ConnectionID: c.ID, Timestamp: now}); err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		c.touch()
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		c.touch()

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid client message", zap.String("connection", c.ID), zap.Error(err))
			continue
		}
		h.handleMessage(c, msg)
	}
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now().UTC()
	c.mu.Unlock()
}

func (h *Hub) handleMessage(c *Conn, msg clientMessage) {
	switch msg.Type {
	case MsgSubscribeOp:
		c.mu.Lock()
		c.opIDs[msg.OperationID] = struct{}{}
		c.mu.Unlock()
		_ = c.send(serverMessage{Type: MsgSubscribed, OperationID: msg.OperationID, Timestamp: time.Now().UTC()})
	case MsgUnsubscribeOp:
		c.mu.Lock()
		delete(c.opIDs, msg.OperationID)
		c.mu.Unlock()
		_ = c.send(serverMessage{Type: MsgUnsubscribed, OperationID: msg.OperationID, Timestamp: time.Now().UTC()})
	case MsgSubscribeType:
		c.mu.Lock()
		c.opTypes[msg.OperationType] = struct{}{}
		c.mu.Unlock()
		_ = c.send(serverMessage{Type: MsgSubscribed, OperationType: msg.OperationType, Timestamp: time.Now().UTC()})
	case MsgUnsubscribeType:
		c.mu.Lock()
		delete(c.opTypes, msg.OperationType)
		c.mu.Unlock()
		_ = c.send(serverMessage{Type: MsgUnsubscribed, OperationType: msg.OperationType, Timestamp: time.Now().UTC()})
	case MsgPing:
		_ = c.send(serverMessage{Type: MsgPong, Timestamp: time.Now().UTC()})
	default:
		h.logger.Debug("unknown message type",
			zap.String("connection", c.ID),
			zap.String("type", msg.Type))
	}
}

// Broadcast delivers the event to every connection whose filters permit
// it. Connections whose writes fail are evicted.
func (h *Hub) Broadcast(ev *progress.Event) {
	msg := serverMessage{Type: MsgProgressEvent, Event: ev, Timestamp: time.Now().UTC()}
	for _, c := range h.snapshot() {
		if !c.wants(ev) {
			continue
		}
		if err := c.send(msg); err != nil {
			h.logger.Debug("broadcast write failed", zap.String("connection", c.ID), zap.Error(err))
			h.evict(c)
		}
	}
}

// snapshot returns the current connections without holding the lock during
// delivery.
func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// evict removes and closes a connection. Safe to call more than once.
func (h *Hub) evict(c *Conn) {
	h.mu.Lock()
	_, present := h.conns[c.ID]
	if present {
		delete(h.conns, c.ID)
	}
	h.mu.Unlock()

	if present {
		metrics.WSClients.Dec()
		h.logger.Info("client disconnected", zap.String("connection", c.ID))
	}
	_ = c.conn.Close()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

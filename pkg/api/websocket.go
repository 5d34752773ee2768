package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tcmartin/stepflow/pkg/auth"
	"github.com/tcmartin/stepflow/pkg/logging"
	"github.com/tcmartin/stepflow/pkg/models"
	"github.com/tcmartin/stepflow/pkg/runtime"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 2 * pingPeriod
)

// Outgoing websocket message types
const (
	WSTypeEvent      = "event"
	WSTypeState      = "state"
	WSTypeSubscribed = "subscribed"
	WSTypePong       = "pong"
	WSTypeError      = "error"
)

// WebSocketManager manages WebSocket connections for real-time updates
type WebSocketManager struct {
	upgrader websocket.Upgrader

	// connections maps session ids to subscribed connections
	connections map[string]map[*wsConn]bool

	// connectionMeta stores metadata for each connection
	connectionMeta map[*wsConn]*ConnectionMetadata

	mu         sync.RWMutex
	controller Controller
	logger     logging.Logger
}

// ConnectionMetadata stores metadata about a WebSocket connection
type ConnectionMetadata struct {
	Subject       string
	ConnectedAt   time.Time
	LastPingAt    time.Time
	Subscriptions map[string]bool
}

// wsConn serializes writes; gorilla connections allow one writer at a time
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) write(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// SessionUpdate is a message pushed to websocket clients
type SessionUpdate struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Event     *models.Event     `json:"event,omitempty"`
	State     *models.FlowState `json:"state,omitempty"`
	Message   string            `json:"message,omitempty"`
	Code      string            `json:"code,omitempty"`
}

// WebSocketMessage is a message sent by a websocket client
type WebSocketMessage struct {
	// Type is subscribe, unsubscribe, ping or control
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// control only
	Action      string           `json:"action,omitempty"`
	Operation   string           `json:"operation,omitempty"`
	Text        string           `json:"text,omitempty"`
	Credentials auth.Credentials `json:"credentials,omitempty"`
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager(controller Controller, allowedOrigins []string, logger logging.Logger) *WebSocketManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &WebSocketManager{
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections:    make(map[string]map[*wsConn]bool),
		connectionMeta: make(map[*wsConn]*ConnectionMetadata),
		controller:     controller,
		logger:         logger,
	}
}

// SetController sets the controller used for subscribe and control messages
func (wsm *WebSocketManager) SetController(c Controller) {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	wsm.controller = c
}

func (wsm *WebSocketManager) ctrl() Controller {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	return wsm.controller
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// HandleWebSocket upgrades the connection and serves it until it closes
func (wsm *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request, subject string) {
	raw, err := wsm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsm.logger.Warn("WebSocket upgrade failed", logging.Err(err))
		return
	}
	conn := &wsConn{conn: raw}

	wsm.mu.Lock()
	wsm.connectionMeta[conn] = &ConnectionMetadata{
		Subject:       subject,
		ConnectedAt:   time.Now(),
		LastPingAt:    time.Now(),
		Subscriptions: make(map[string]bool),
	}
	wsm.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		wsm.removeConnection(conn)
		wsm.logger.Debug("WebSocket connection closed", logging.String("subject", subject))
	}()

	wsm.logger.Debug("WebSocket connection established", logging.String("subject", subject))

	raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(pongWait))
		wsm.mu.Lock()
		if meta, exists := wsm.connectionMeta[conn]; exists {
			meta.LastPingAt = time.Now()
		}
		wsm.mu.Unlock()
		return nil
	})

	go wsm.pingRoutine(conn, done)

	for {
		var msg WebSocketMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsm.logger.Debug("WebSocket read failed", logging.Err(err))
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(pongWait))
		wsm.handleMessage(r.Context(), conn, &msg)
	}
}

func (wsm *WebSocketManager) handleMessage(ctx context.Context, conn *wsConn, msg *WebSocketMessage) {
	switch msg.Type {
	case "subscribe":
		wsm.subscribe(conn, msg.SessionID)
	case "unsubscribe":
		wsm.unsubscribe(conn, msg.SessionID)
	case "ping":
		wsm.send(conn, SessionUpdate{Type: WSTypePong, Timestamp: time.Now()})
	case "control":
		wsm.control(ctx, conn, msg)
	default:
		wsm.send(conn, SessionUpdate{
			Type:      WSTypeError,
			Timestamp: time.Now(),
			Message:   "unknown message type: " + msg.Type,
			Code:      "bad_request",
		})
	}
}

func (wsm *WebSocketManager) sendError(conn *wsConn, sessionID string, err error) {
	_, code := statusFor(err)
	wsm.send(conn, SessionUpdate{
		Type:      WSTypeError,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Message:   err.Error(),
		Code:      code,
	})
}

// subscribe registers the connection for a session and sends its state
func (wsm *WebSocketManager) subscribe(conn *wsConn, sessionID string) {
	state, err := wsm.ctrl().State(sessionID)
	if err != nil {
		wsm.sendError(conn, sessionID, err)
		return
	}

	wsm.addSubscription(conn, sessionID)
	wsm.send(conn, SessionUpdate{Type: WSTypeSubscribed, SessionID: sessionID, Timestamp: time.Now()})
	wsm.send(conn, SessionUpdate{Type: WSTypeState, SessionID: sessionID, Timestamp: time.Now(), State: &state})
}

func (wsm *WebSocketManager) addSubscription(conn *wsConn, sessionID string) {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	meta, exists := wsm.connectionMeta[conn]
	if !exists {
		return
	}
	if wsm.connections[sessionID] == nil {
		wsm.connections[sessionID] = make(map[*wsConn]bool)
	}
	wsm.connections[sessionID][conn] = true
	meta.Subscriptions[sessionID] = true
}

func (wsm *WebSocketManager) unsubscribe(conn *wsConn, sessionID string) {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()

	if conns, exists := wsm.connections[sessionID]; exists {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(wsm.connections, sessionID)
		}
	}
	if meta, exists := wsm.connectionMeta[conn]; exists {
		delete(meta.Subscriptions, sessionID)
	}
}

// control applies an action and subscribes the connection to the session so
// the resumed run reaches it as events
func (wsm *WebSocketManager) control(ctx context.Context, conn *wsConn, msg *WebSocketMessage) {
	action, err := runtime.ParseAction(msg.Action)
	if err != nil {
		wsm.sendError(conn, msg.SessionID, err)
		return
	}

	wsm.addSubscription(conn, msg.SessionID)
	ctx = auth.WithCredentials(ctx, msg.Credentials)
	result, err := wsm.ctrl().Control(ctx, msg.SessionID, runtime.ControlRequest{
		Action:    action,
		Operation: msg.Operation,
		Text:      msg.Text,
	})
	if err != nil {
		wsm.sendError(conn, msg.SessionID, err)
		return
	}
	if result.Stream != nil {
		go result.Stream.Wait()
	}
	wsm.send(conn, SessionUpdate{Type: WSTypeState, SessionID: msg.SessionID, Timestamp: time.Now(), State: &result.State})
}

// Broadcast sends an event to every connection subscribed to its session
func (wsm *WebSocketManager) Broadcast(ev models.Event) {
	wsm.mu.RLock()
	conns, exists := wsm.connections[ev.SessionID]
	if !exists {
		wsm.mu.RUnlock()
		return
	}
	targets := make([]*wsConn, 0, len(conns))
	for c := range conns {
		targets = append(targets, c)
	}
	wsm.mu.RUnlock()

	update := SessionUpdate{Type: WSTypeEvent, SessionID: ev.SessionID, Timestamp: ev.Timestamp, Event: &ev}
	for _, c := range targets {
		wsm.send(c, update)
	}
}

// DropSession forgets every subscription to a session
func (wsm *WebSocketManager) DropSession(sessionID string) {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	for c := range wsm.connections[sessionID] {
		if meta, ok := wsm.connectionMeta[c]; ok {
			delete(meta.Subscriptions, sessionID)
		}
	}
	delete(wsm.connections, sessionID)
}

func (wsm *WebSocketManager) send(conn *wsConn, update SessionUpdate) {
	if err := conn.write(update); err != nil {
		wsm.logger.Debug("Failed to send WebSocket message", logging.Err(err))
		wsm.removeConnection(conn)
	}
}

// removeConnection removes a connection from all subscriptions and closes it
func (wsm *WebSocketManager) removeConnection(conn *wsConn) {
	wsm.mu.Lock()
	if meta, exists := wsm.connectionMeta[conn]; exists {
		for sessionID := range meta.Subscriptions {
			if conns, exists := wsm.connections[sessionID]; exists {
				delete(conns, conn)
				if len(conns) == 0 {
					delete(wsm.connections, sessionID)
				}
			}
		}
	}
	delete(wsm.connectionMeta, conn)
	wsm.mu.Unlock()

	conn.conn.Close()
}

func (wsm *WebSocketManager) pingRoutine(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				wsm.removeConnection(conn)
				return
			}
		}
	}
}

// GetConnectedClients returns the number of connected clients
func (wsm *WebSocketManager) GetConnectedClients() int {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	return len(wsm.connectionMeta)
}

// GetSessionSubscribers returns the number of subscribers of a session
func (wsm *WebSocketManager) GetSessionSubscribers(sessionID string) int {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	return len(wsm.connections[sessionID])
}

// Package handlers holds the WebSocket hub, the realtime message
// router and the HTTP surface.
package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fianchetto/arbiter/internal/eventbus"
	"github.com/fianchetto/arbiter/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	// maxMessageSize leaves room for a login envelope carrying a JWT
	// and for chat lines at the length cap.
	maxMessageSize = 4096
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the browser client is served from another origin
	},
}

// MessageHandler consumes one inbound frame. Frames are dispatched on
// the connection's read goroutine, which preserves per-connection
// command order end to end.
type MessageHandler interface {
	HandleMessage(c *Client, data []byte)
}

// Client is one WebSocket connection. Identity is zero until the
// connection authenticates.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	connID string
	remote string
	send   chan []byte

	mu       sync.Mutex
	userID   int64
	username string
	lastSeen time.Time
}

func (c *Client) ConnID() string { return c.connID }

// RemoteAddr is the peer address captured at upgrade time.
func (c *Client) RemoteAddr() string { return c.remote }

// Identity returns the authenticated user, or (0, "") before login.
func (c *Client) Identity() (int64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.username
}

func (c *Client) setIdentity(userID int64, username string) {
	c.mu.Lock()
	c.userID = userID
	c.username = username
	c.mu.Unlock()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Send marshals and enqueues one payload for this connection.
func (c *Client) Send(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.hub.log.Error("payload marshal failed", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// enqueue never blocks: a consumer that cannot keep up with a 256-deep
// buffer is dropped and cleaned up through its read pump.
func (c *Client) enqueue(message []byte) {
	select {
	case c.send <- message:
	default:
		c.conn.Close()
	}
}

// HubConfig carries the liveness tuning; zero values take defaults.
type HubConfig struct {
	ServerName    string
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Hub is the client registry: every live connection, an index by
// authenticated user, and per-game delivery groups. It also mirrors
// outbound events onto the eventbus so sockets held by other instances
// see them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[int64]map[string]*Client
	groups  map[string]map[int64]bool

	register   chan *Client
	unregister chan *Client

	handler      MessageHandler
	bus          *eventbus.EventBus
	onDisconnect func(userID int64)

	serverName    string
	idleTimeout   time.Duration
	sweepInterval time.Duration
	log           *zap.Logger
}

func NewHub(cfg HubConfig, logger *zap.Logger) *Hub {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 180 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	return &Hub{
		clients:       make(map[string]*Client),
		byUser:        make(map[int64]map[string]*Client),
		groups:        make(map[string]map[int64]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		serverName:    cfg.ServerName,
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		log:           logger,
	}
}

// SetHandler wires the message router. Must be called before Run.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handler = handler
}

// SetEventBus wires cross-instance fan-out. Optional.
func (h *Hub) SetEventBus(bus *eventbus.EventBus) {
	h.bus = bus
}

// SetOnDisconnect registers a callback fired when a user's last
// connection goes away.
func (h *Hub) SetOnDisconnect(fn func(userID int64)) {
	h.onDisconnect = fn
}

// Run owns registration and the liveness sweep.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.connID] = c
			h.mu.Unlock()
			h.log.Debug("client connected",
				zap.String("conn_id", c.connID), zap.String("remote", c.remote))

		case c := <-h.unregister:
			h.removeClient(c)

		case <-ticker.C:
			h.reapIdle()
		}
	}
}

func (h *Hub) removeClient(c *Client) {
	userID, username := c.Identity()

	h.mu.Lock()
	if _, ok := h.clients[c.connID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.connID)
	lastForUser := false
	if userID != 0 {
		if conns, ok := h.byUser[userID]; ok {
			delete(conns, c.connID)
			if len(conns) == 0 {
				delete(h.byUser, userID)
				lastForUser = true
			}
		}
	}
	close(c.send)
	h.mu.Unlock()

	h.log.Debug("client disconnected",
		zap.String("conn_id", c.connID), zap.String("username", username))
	if lastForUser && h.onDisconnect != nil {
		go h.onDisconnect(userID)
	}
}

// reapIdle drops connections that have sent nothing, heartbeat
// included, for longer than the idle timeout. Closing the socket lets
// the read pump run the normal unregister path.
func (h *Hub) reapIdle() {
	cutoff := time.Now().Add(-h.idleTimeout)

	h.mu.RLock()
	var stale []*Client
	for _, c := range h.clients {
		if c.idleSince().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		_, username := c.Identity()
		h.log.Info("reaping idle connection",
			zap.String("conn_id", c.connID), zap.String("username", username))
		c.conn.Close()
	}
}

// Authenticate binds a user identity to a connection.
func (h *Hub) Authenticate(c *Client, userID int64, username string) {
	prevID, _ := c.Identity()
	c.setIdentity(userID, username)

	h.mu.Lock()
	if prevID != 0 && prevID != userID {
		if conns, ok := h.byUser[prevID]; ok {
			delete(conns, c.connID)
			if len(conns) == 0 {
				delete(h.byUser, prevID)
			}
		}
	}
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]*Client)
	}
	h.byUser[userID][c.connID] = c
	h.mu.Unlock()
}

// IsConnected reports whether the user has at least one live socket.
func (h *Hub) IsConnected(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// JoinGame adds a user to a game's delivery group.
func (h *Hub) JoinGame(gameID string, userID int64) {
	h.mu.Lock()
	if h.groups[gameID] == nil {
		h.groups[gameID] = make(map[int64]bool)
	}
	h.groups[gameID][userID] = true
	h.mu.Unlock()
}

// RemoveGame drops a game's delivery group after game_over has gone
// out.
func (h *Hub) RemoveGame(gameID string) {
	h.mu.Lock()
	delete(h.groups, gameID)
	h.mu.Unlock()
}

// SendToUser delivers a payload to every socket the user holds, here
// and on other instances.
func (h *Hub) SendToUser(userID int64, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("payload marshal failed", zap.Error(err))
		return
	}
	h.deliverToUser(userID, data)
	if h.bus != nil {
		h.bus.PublishDirect(userID, data)
	}
}

// BroadcastToGame delivers a payload to the game's whole group.
func (h *Hub) BroadcastToGame(gameID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("payload marshal failed", zap.Error(err))
		return
	}
	h.deliverToGame(gameID, data, 0)
	if h.bus != nil {
		h.bus.PublishBroadcast(gameID, data, 0)
	}
}

// deliverToUser and deliverToGame are the local halves; the eventbus
// calls them for events that originated elsewhere.
func (h *Hub) deliverToUser(userID int64, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.byUser[userID] {
		c.enqueue(message)
	}
}

func (h *Hub) deliverToGame(gameID string, message []byte, excludeUserID int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for userID := range h.groups[gameID] {
		if userID == excludeUserID {
			continue
		}
		for _, c := range h.byUser[userID] {
			c.enqueue(message)
		}
	}
}

// DeliverRemoteBroadcast and DeliverRemoteDirect are the eventbus entry
// points.
func (h *Hub) DeliverRemoteBroadcast(gameID string, message []byte, excludeUserID int64) {
	h.deliverToGame(gameID, message, excludeUserID)
}

func (h *Hub) DeliverRemoteDirect(userID int64, message []byte) {
	h.deliverToUser(userID, message)
}

// HandleWebSocket upgrades the request and starts the pumps. The first
// event on the wire is connection_confirmed.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		connID: uuid.NewString(),
		remote: r.RemoteAddr,
		send:   make(chan []byte, sendBuffer),
	}
	c.touch()

	h.register <- c

	go c.writePump()
	go c.readPump()

	c.Send(protocol.ConnectionConfirmed{
		Type:      protocol.TypeConnectionConfirmed,
		SocketID:  c.connID,
		Server:    h.serverName,
		Timestamp: protocol.NowMillis(),
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error",
					zap.String("conn_id", c.connID), zap.Error(err))
			}
			break
		}
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.handler.HandleMessage(c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

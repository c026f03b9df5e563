package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codepair/gateway/internal/slogging"
)

// SocketConfig holds socket tuning parameters.
type SocketConfig struct {
	ReadLimitBytes int64
	PongTimeout    time.Duration
	PingInterval   time.Duration
	SendBufferSize int
	WriteTimeout   time.Duration
}

// DefaultSocketConfig returns the tuning used when none is configured.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		ReadLimitBytes: 65536,
		PongTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		SendBufferSize: 256,
		WriteTimeout:   10 * time.Second,
	}
}

// Client represents one connected socket. Conn is nil for in-process test
// clients; delivery then stops at the Send channel.
type Client struct {
	SocketID string
	UserID   string

	Conn *websocket.Conn
	Send chan []byte

	hub *Hub

	mu     sync.Mutex
	roomID string
}

// RoomID returns the room this socket is currently joined to, if any.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) setRoomID(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

// Hub tracks the sockets attached to this instance: by socket id, by user,
// and by joined room for fan-out. It is the only component that touches
// socket send channels.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client            // socketID -> client
	byUser  map[string]*Client            // userID -> client (last-connect-wins)
	byRoom  map[string]map[string]*Client // roomID -> socketID -> client

	logger *slogging.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		byUser:  make(map[string]*Client),
		byRoom:  make(map[string]map[string]*Client),
		logger:  slogging.Get(),
	}
}

// Register attaches a client. A prior connection for the same user is
// displaced and returned so the caller can close it: a new connection for
// the same user always replaces the stale one.
func (h *Hub) Register(client *Client) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	var displaced *Client
	if prior, ok := h.byUser[client.UserID]; ok && prior.SocketID != client.SocketID {
		displaced = prior
		h.removeLocked(prior)
	}

	h.clients[client.SocketID] = client
	h.byUser[client.UserID] = client
	metricActiveConnections.Set(float64(len(h.clients)))

	h.logger.Info("Socket registered - socket_id: %s, user_id: %s", client.SocketID, client.UserID)
	return displaced
}

// Unregister detaches a client and closes its send channel. A client that
// was already displaced by a newer connection for the same user is ignored.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.clients[client.SocketID]; !ok || current != client {
		return
	}
	h.removeLocked(client)
	close(client.Send)
	metricActiveConnections.Set(float64(len(h.clients)))

	h.logger.Info("Socket unregistered - socket_id: %s, user_id: %s", client.SocketID, client.UserID)
}

func (h *Hub) removeLocked(client *Client) {
	delete(h.clients, client.SocketID)
	if h.byUser[client.UserID] == client {
		delete(h.byUser, client.UserID)
	}
	if roomID := client.RoomID(); roomID != "" {
		if members, ok := h.byRoom[roomID]; ok {
			delete(members, client.SocketID)
			if len(members) == 0 {
				delete(h.byRoom, roomID)
			}
		}
	}
}

// JoinRoom attaches the client's socket to a room for local fan-out.
func (h *Hub) JoinRoom(client *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prior := client.RoomID(); prior != "" && prior != roomID {
		if members, ok := h.byRoom[prior]; ok {
			delete(members, client.SocketID)
			if len(members) == 0 {
				delete(h.byRoom, prior)
			}
		}
	}
	client.setRoomID(roomID)
	if h.byRoom[roomID] == nil {
		h.byRoom[roomID] = make(map[string]*Client)
	}
	h.byRoom[roomID][client.SocketID] = client
}

// LeaveRoom detaches the client's socket from its room.
func (h *Hub) LeaveRoom(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	roomID := client.RoomID()
	if roomID == "" {
		return
	}
	client.setRoomID("")
	if members, ok := h.byRoom[roomID]; ok {
		delete(members, client.SocketID)
		if len(members) == 0 {
			delete(h.byRoom, roomID)
		}
	}
}

// ClientForUser returns the socket currently serving userID on this
// instance, if any.
func (h *Hub) ClientForUser(userID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byUser[userID]
	return c, ok
}

// DeliverToRoom pushes a message to every local socket in the room except
// the one named by exceptSocketID (empty to deliver to all).
func (h *Hub) DeliverToRoom(roomID, exceptSocketID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for socketID, client := range h.byRoom[roomID] {
		if socketID == exceptSocketID {
			continue
		}
		h.deliverLocked(client, message)
	}
}

// DeliverToClient pushes a message to one socket.
func (h *Hub) DeliverToClient(client *Client, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliverLocked(client, message)
}

func (h *Hub) deliverLocked(client *Client, message []byte) {
	select {
	case client.Send <- message:
	default:
		// Send buffer full: the socket is sick, drop it rather than block the hub
		h.logger.Warn("Client send buffer full, dropping connection - socket_id: %s, user_id: %s",
			client.SocketID, client.UserID)
		go client.closeConn()
	}
}

// ConnectionCount returns the number of attached sockets.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) closeConn() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The browser client is served from a different origin than the
		// gateway; the token check in the handshake is the access control.
		return true
	},
}

// ReadPump pumps messages from the socket to the event router. One reader
// per socket gives at-most-one-in-flight ordering for that socket's events.
func (c *Client) ReadPump(s *Server) {
	defer func() {
		s.lifecycle.Disconnect(c)
		c.closeConn()
	}()

	cfg := s.socketCfg
	c.Conn.SetReadLimit(cfg.ReadLimitBytes)
	_ = c.Conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		_ = c.Conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		s.lifecycle.Heartbeat(c)
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slogging.Get().Debug("WebSocket read error - socket_id: %s: %v", c.SocketID, err)
			}
			return
		}
		s.router.Route(c, message)
	}
}

// WritePump pumps messages from the send channel to the socket and keeps
// the connection alive with pings.
func (c *Client) WritePump(cfg SocketConfig) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

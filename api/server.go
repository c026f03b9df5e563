package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/codepair/gateway/auth"
	"github.com/codepair/gateway/internal/bus"
	"github.com/codepair/gateway/internal/registry"
	"github.com/codepair/gateway/internal/room"
	"github.com/codepair/gateway/internal/slogging"
)

// Server wires the event router: it owns the hub holding local sockets,
// the room replicas, and the bridges to the shared registry and bus.
type Server struct {
	instanceID string

	hub       *Hub
	rooms     *room.Manager
	reg       *registry.Registry
	bus       *bus.Bus
	lifecycle *LifecycleManager
	router    *MessageRouter
	socketCfg SocketConfig
	logger    *slogging.Logger
}

// ServerOptions configures a gateway server instance.
type ServerOptions struct {
	// InstanceID identifies this gateway process on the bus. Generated when empty.
	InstanceID string
	Registry   *registry.Registry
	Bus        *bus.Bus
	Rooms      *room.Manager
	Socket     SocketConfig
	// ReconnectGrace is how long a disconnected participant may stay away
	// before departure is finalized.
	ReconnectGrace time.Duration
}

// NewServer creates a gateway server instance.
func NewServer(opts ServerOptions) *Server {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.New().String()
	}
	if opts.Socket.SendBufferSize == 0 {
		opts.Socket = DefaultSocketConfig()
	}
	if opts.ReconnectGrace <= 0 {
		opts.ReconnectGrace = 30 * time.Second
	}

	s := &Server{
		instanceID: opts.InstanceID,
		hub:        NewHub(),
		rooms:      opts.Rooms,
		reg:        opts.Registry,
		bus:        opts.Bus,
		socketCfg:  opts.Socket,
		logger:     slogging.Get(),
	}
	s.lifecycle = NewLifecycleManager(s, opts.ReconnectGrace)
	s.router = NewMessageRouter(s)
	return s
}

// InstanceID returns this gateway's identity on the bus.
func (s *Server) InstanceID() string {
	return s.instanceID
}

// Start subscribes the server to the gateway bus topics. Events published
// by this instance are suppressed on delivery by origin id.
func (s *Server) Start(ctx context.Context) error {
	return s.bus.Subscribe(ctx, s.handleBusEvent, bus.GatewayTopics()...)
}

// RegisterHandlers registers the gateway routes. The auth middleware runs
// on the WebSocket handshake: a session is never registered for an
// unverified identity.
func (s *Server) RegisterHandlers(r *gin.Engine, authClient *auth.Client) {
	r.GET("/ws", auth.Middleware(authClient), s.HandleWS)
	r.GET("/healthz", s.HandleHealth)
	r.POST("/auth/renew", s.HandleRenew(authClient))
	r.POST("/auth/logout", s.HandleLogout(authClient))
}

// HandleRenew proxies an access token renewal to the auth service, so
// browser clients talk to one origin.
func (s *Server) HandleRenew(authClient *auth.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
			c.JSON(http.StatusBadRequest, Error{Error: "invalid_request", Message: "refreshToken is required"})
			return
		}
		accessToken, err := authClient.Renew(c.Request.Context(), req.RefreshToken)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				c.JSON(http.StatusUnauthorized, Error{Error: "unauthorized", Message: "Invalid refresh token"})
				return
			}
			c.JSON(http.StatusServiceUnavailable, Error{Error: "auth_unavailable", Message: "Authentication service unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"accessToken": accessToken})
	}
}

// HandleLogout revokes the refresh token on explicit logout.
func (s *Server) HandleLogout(authClient *auth.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
			c.JSON(http.StatusBadRequest, Error{Error: "invalid_request", Message: "refreshToken is required"})
			return
		}
		if err := authClient.Revoke(c.Request.Context(), req.RefreshToken); err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				c.JSON(http.StatusUnauthorized, Error{Error: "unauthorized", Message: "Invalid refresh token"})
				return
			}
			c.JSON(http.StatusServiceUnavailable, Error{Error: "auth_unavailable", Message: "Authentication service unavailable"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// HandleWS upgrades the handshake and attaches the socket.
func (s *Server) HandleWS(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, Error{
			Error:   "unauthorized",
			Message: "User not authenticated",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection for user %s: %v", userID, err)
		return
	}

	client := &Client{
		SocketID: uuid.New().String(),
		UserID:   userID,
		Conn:     conn,
		Send:     make(chan []byte, s.socketCfg.SendBufferSize),
		hub:      s.hub,
	}

	s.lifecycle.Connect(c.Request.Context(), client)

	go client.WritePump(s.socketCfg)
	go client.ReadPump(s)
}

// HandleHealth reports liveness plus the registry's degraded-mode
// condition. A degraded registry still serves local traffic, so the
// endpoint stays 200 but flags the reduced visibility.
func (s *Server) HandleHealth(c *gin.Context) {
	status := "ok"
	if !s.reg.Available() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":             status,
		"registry_available": s.reg.Available(),
		"connections":        s.hub.ConnectionCount(),
		"rooms":              s.rooms.Count(),
	})
}

// publish fans an already-applied event out to peer instances. Publish
// failures are logged, not propagated: local state is already updated and
// idempotent applies let peers catch up on redelivery of later events.
func (s *Server) publish(ctx context.Context, topic, opID string, payload any) {
	if err := s.bus.PublishOp(ctx, topic, opID, payload); err != nil {
		s.logger.Error("Bus publish failed - topic: %s: %v", topic, err)
		return
	}
	metricBusPublished.WithLabelValues(topic).Inc()
}

// sendError delivers an explicit rejection to the client that sent an
// invalid or unauthorized event.
func (s *Server) sendError(client *Client, code, message string) {
	data, err := EncodeEvent(EventError, ErrorPayload{Code: code, Message: message})
	if err != nil {
		s.logger.Error("Failed to encode error event: %v", err)
		return
	}
	s.hub.DeliverToClient(client, data)
}

// sendEvent delivers an event to one client.
func (s *Server) sendEvent(client *Client, event EventType, payload any) {
	data, err := EncodeEvent(event, payload)
	if err != nil {
		s.logger.Error("Failed to encode %s event: %v", event, err)
		return
	}
	s.hub.DeliverToClient(client, data)
}

// fanOutToRoom delivers an event to local sockets in the room, excluding
// the originating socket when set.
func (s *Server) fanOutToRoom(roomID string, event EventType, payload any, exceptSocketID string) {
	data, err := EncodeEvent(event, payload)
	if err != nil {
		s.logger.Error("Failed to encode %s event: %v", event, err)
		return
	}
	s.hub.DeliverToRoom(roomID, exceptSocketID, data)
}

// sendRoomState pushes the full current room state to a (re)joining client.
func (s *Server) sendRoomState(client *Client, r *room.Room) {
	log, cursor := r.DrawingState()
	code, _ := r.Code()
	participants := make([]string, 0, 2)
	for _, p := range r.Participants() {
		if !p.Left {
			participants = append(participants, p.UserID)
		}
	}
	s.sendEvent(client, EventRoomState, RoomStatePayload{
		RoomID:       r.ID(),
		Language:     r.Language(),
		Code:         code,
		DrawingLog:   log,
		Cursor:       cursor,
		ChatLog:      r.ChatLog(),
		Participants: participants,
	})
	metricActiveRooms.Set(float64(s.rooms.Count()))
}

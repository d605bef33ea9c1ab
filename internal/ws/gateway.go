package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/canvas-relay/internal/auth"
	"github.com/example/canvas-relay/internal/observability"
	"github.com/example/canvas-relay/internal/protocol"
	"github.com/example/canvas-relay/internal/rooms"
)

const defaultReadGuard = 1 << 20

// Hooks observe joined members. OnJoin runs after the join announcement and
// OnLeave after the leave announcement.
type Hooks struct {
	OnJoin  JoinHook
	OnLeave LeaveHook
}

type JoinHook func(ctx context.Context, m Member)
type LeaveHook func(m Member)

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	// AuthzTimeout bounds the room membership check. Zero waits indefinitely.
	AuthzTimeout time.Duration
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
	// ReadGuard is the most a single inbound frame may buffer before it is
	// discarded unread. Frames above protocol.MaxFrameBytes are dropped anyway.
	ReadGuard int64
}

// Gateway upgrades HTTP requests into WebSocket connections, authenticates and
// authorizes them, and joins them to their room on the Hub.
type Gateway struct {
	verifier auth.Verifier
	authz    rooms.Authorizer
	hub      *Hub
	router   *Router
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
	upgrader websocket.Upgrader

	active sync.WaitGroup
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(verifier auth.Verifier, authz rooms.Authorizer, hub *Hub, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	if authz == nil {
		return nil, errors.New("room authorizer is required")
	}
	if hub == nil {
		return nil, errors.New("hub is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadGuard < protocol.MaxFrameBytes {
		cfg.ReadGuard = defaultReadGuard
	}

	g := &Gateway{
		verifier: verifier,
		authz:    rooms.NewGuard(authz, cfg.AuthzTimeout),
		hub:      hub,
		router:   NewRouter(hub, logger),
		logger:   logger,
		hooks:    hooks,
		cfg:      cfg,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	g.active.Add(1)
	defer g.active.Done()

	start := time.Now()
	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	c := newConnection(connID, wsConn, g.logger.With().Str("conn_id", connID).Logger(), connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
		readGuard:          g.cfg.ReadGuard,
	})

	query := r.URL.Query()
	token := strings.TrimSpace(query.Get("token"))
	roomID := strings.TrimSpace(query.Get("roomId"))

	// Admission follows the transport, not the hijacked request.
	ctx, span := tracer.Start(c.Context(), "relay.admit")
	span.SetAttributes(attribute.String("room.id", roomID), attribute.Bool("token.present", token != ""))
	c.logger = observability.LoggerWithTrace(ctx, c.logger)

	c.startReader()
	defer c.waitReader()

	reason, ok := g.admit(ctx, c, token, roomID)
	if c.Context().Err() != nil {
		span.SetStatus(codes.Error, "closed during admission")
		span.End()
		c.logger.Debug().Str("room_id", roomID).Msg("connection closed during admission")
		return
	}
	if !ok {
		span.SetStatus(codes.Error, reason.String())
		span.End()
		g.reject(c, reason, roomID, token != "")
		return
	}
	span.End()

	logger := c.logger.With().Str("room_id", roomID).Str("user_id", c.UserID()).Logger()
	if !c.advance(StateAuthorizing, StateJoined) {
		logger.Debug().Msg("connection closed during admission")
		return
	}
	if !g.hub.Join(c) {
		c.Close(protocol.CloseServerShutdown)
		logger.Info().Msg("hub closing; connection not joined")
		return
	}
	relayJoinLatency.Observe(time.Since(start).Seconds())
	if g.hooks.OnJoin != nil {
		g.hooks.OnJoin(ctx, c)
	}
	logger.Info().Msg("websocket connection joined")

	c.run(func(frame []byte) { g.router.Route(c, frame) })

	g.hub.Leave(c)
	if g.hooks.OnLeave != nil {
		g.hooks.OnLeave(c)
	}
	logger.Info().Str("reason", c.CloseReason().String()).Msg("websocket connection closed")
}

// admit walks the connection through authentication and authorization.
func (g *Gateway) admit(ctx context.Context, c *Connection, token, roomID string) (protocol.CloseReason, bool) {
	c.advance(StateConnecting, StateAuthenticating)
	if token == "" || roomID == "" {
		return protocol.CloseMissingParams, false
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		c.logger.Debug().Err(err).Msg("token verification failed")
		return protocol.CloseInvalidToken, false
	}
	c.admit(roomID, claims)

	c.advance(StateAuthenticating, StateAuthorizing)
	member, err := g.authz.IsRoomMember(ctx, roomID, claims.UserID)
	if err != nil {
		c.logger.Warn().Err(err).Str("room_id", roomID).Msg("membership check failed")
		return protocol.CloseNotAuthorized, false
	}
	if !member {
		return protocol.CloseNotAuthorized, false
	}
	return protocol.CloseNormal, true
}

func (g *Gateway) reject(c *Connection, reason protocol.CloseReason, roomID string, hasToken bool) {
	relayRejections.WithLabelValues(reason.String()).Inc()
	c.logger.Info().
		Str("room_id", roomID).
		Bool("has_token", hasToken).
		Str("reason", reason.String()).
		Msg("websocket connection rejected")
	c.Close(reason)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Wait blocks until every connection handled by the gateway has finished or
// ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

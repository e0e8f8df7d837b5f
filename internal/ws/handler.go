package ws

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"kawan-hiking/backend/internal/service"
	"kawan-hiking/backend/pkg/errors"
	"kawan-hiking/backend/pkg/jwt"
	"kawan-hiking/backend/pkg/logger"
	wire "kawan-hiking/backend/pkg/ws"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// HandlerOptions tunes the websocket endpoint
type HandlerOptions struct {
	// AllowedOrigins lists accepted Origin headers; "*" accepts any
	AllowedOrigins []string
	// SendBuffer is the per-client outbound queue length
	SendBuffer int
}

// Handler upgrades authenticated requests to chat connections
type Handler struct {
	hub        *Hub
	chat       *service.ChatService
	jwt        *jwt.Service
	upgrader   websocket.Upgrader
	sendBuffer int
}

func NewHandler(hub *Hub, chat *service.ChatService, jwtService *jwt.Service, opts HandlerOptions) *Handler {
	h := &Handler{
		hub:        hub,
		chat:       chat,
		jwt:        jwtService,
		sendBuffer: opts.SendBuffer,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      originChecker(opts.AllowedOrigins),
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		// same host is always fine
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// tokenFromRequest looks at ?token=, then ?auth=, then the Authorization header
func tokenFromRequest(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	if t := c.Query("auth"); t != "" {
		return jwt.ExtractBearer(t)
	}
	return jwt.ExtractBearer(c.GetHeader("Authorization"))
}

// ServeWs authenticates before upgrading, so a rejected handshake never
// becomes a connection.
func (h *Handler) ServeWs(c *gin.Context) {
	token := tokenFromRequest(c)
	if token == "" {
		_ = c.Error(errors.NewUnauthorizedError(errors.CodeAuthRequired, "No token"))
		c.Abort()
		return
	}

	claims, err := h.jwt.ValidateToken(token)
	if err != nil {
		msg := "Token not valid"
		if stderrors.Is(err, jwt.ErrExpiredToken) {
			msg = "Token has expired"
		}
		_ = c.Error(errors.NewUnauthorizedError(errors.CodeInvalidToken, msg).WithCause(err))
		c.Abort()
		return
	}
	identity := service.IdentityFromClaims(claims)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		logger.FromGin(c).Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	clientID := uuid.NewString()
	log := logger.FromGin(c).
		WithUserID(strconv.FormatUint(uint64(identity.ID), 10)).
		WithClientID(clientID)

	client := newClient(clientID, identity, conn, h.hub, h.chat, h.sendBuffer, log)
	if !h.hub.Register(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	// the request context ends with this handler; the connection outlives it
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))

	go client.WritePump()

	// registered before history is read, so nothing broadcast in between is
	// missed; clients merge history and live events by id
	if err := client.sendHistory(ctx, service.RealtimeHistoryLimit, 0); err != nil {
		client.sendEvent(service.EventError, wire.ErrorData{Message: errors.PublicMessage(err)})
	}
	if identity.IsAdmin() {
		if err := client.sendUnreadCount(ctx); err != nil {
			log.LogError(err, "failed to send unread count on connect")
		}
	}

	go func() {
		defer cancel()
		client.ReadPump(ctx)
	}()
}

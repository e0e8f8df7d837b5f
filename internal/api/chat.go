package api

import (
	"net/http"
	"strconv"
	"time"

	"kawan-hiking/backend/internal/service"
	"kawan-hiking/backend/pkg/errors"
	"kawan-hiking/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// ChatHandler serves the stateless chat endpoints. Every route expects
// JWTAuthMiddleware to have run.
type ChatHandler struct {
	chat *service.ChatService
	now  func() time.Time
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chat *service.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat, now: time.Now}
}

// SendMessageRequest is the body of POST /chat
type SendMessageRequest struct {
	// any, so that a non-string is rejected as empty like on the socket
	Message any `json:"message"`
}

// RegisterRoutes mounts the chat routes on group
func (h *ChatHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("", h.ListMessages)
	group.GET("/unread-count", h.UnreadCount)
	group.POST("", h.SendMessage)
	group.PUT("/mark-read", h.MarkRead)
	group.DELETE("/:id", h.DeleteMessage)
}

// RegisterAdminRoutes mounts maintenance routes; group must already require the admin role
func (h *ChatHandler) RegisterAdminRoutes(group *gin.RouterGroup) {
	group.POST("/chat/purge", h.PurgeExpired)
}

func identity(c *gin.Context) (service.Identity, bool) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		_ = c.Error(errors.NewUnauthorizedError(errors.CodeAuthRequired, "Authentication required"))
		c.Abort()
		return service.Identity{}, false
	}
	return service.IdentityFromClaims(claims), true
}

// ListMessages returns recent messages, oldest first
func (h *ChatHandler) ListMessages(c *gin.Context) {
	if _, ok := identity(c); !ok {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	limit = service.ClampLimit(limit, service.DefaultListLimit, service.MaxListLimit)

	var sinceID uint
	if v, err := strconv.ParseUint(c.Query("since_id"), 10, 64); err == nil {
		sinceID = uint(v)
	}

	messages, err := h.chat.ListRecent(c.Request.Context(), limit, sinceID)
	if err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}
	c.JSON(http.StatusOK, messages)
}

// UnreadCount returns the unread count; it is always 0 for non-admins
func (h *ChatHandler) UnreadCount(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	if !id.IsAdmin() {
		c.JSON(http.StatusOK, gin.H{"count": 0})
		return
	}

	count, err := h.chat.UnreadCount(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// SendMessage stores a message from the caller
func (h *ChatHandler) SendMessage(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewBadRequestError(errors.CodeInvalidInput, "Invalid request body").WithCause(err))
		c.Abort()
		return
	}
	text, _ := req.Message.(string)

	msg, err := h.chat.Send(c.Request.Context(), id, text)
	if err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":      msg.ID,
		"message": "Message sent successfully",
	})
}

// MarkRead marks all user messages as read (admin only)
func (h *ChatHandler) MarkRead(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}

	if err := h.chat.MarkAllRead(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Messages marked as read"})
}

// DeleteMessage removes a message (admin only)
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}

	// unparsable ids fall through as 0 so the service answers with the usual 400
	msgID, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	if err := h.chat.DeleteMessage(c.Request.Context(), id, msgID); err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message deleted"})
}

// PurgeExpired runs one retention sweep now
func (h *ChatHandler) PurgeExpired(c *gin.Context) {
	n, err := h.chat.PurgeExpired(c.Request.Context(), h.now())
	if err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

package service

import (
	"strconv"

	"kawan-hiking/backend/internal/models"
	"kawan-hiking/backend/pkg/jwt"
)

// Events pushed to realtime clients
const (
	EventHistory     = "chat:history"
	EventMessage     = "chat:message"
	EventUnreadCount = "chat:unread-count"
	EventDelete      = "chat:delete"
	EventError       = "chat:error"
)

// Identity is the authenticated sender of a chat operation
type Identity struct {
	ID       uint
	Username string
	Role     string
}

// IdentityFromClaims converts validated token claims
func IdentityFromClaims(c *jwt.Claims) Identity {
	return Identity{ID: c.ID, Username: c.Username, Role: string(c.Role)}
}

func (i Identity) IsAdmin() bool {
	return i.Role == models.RoleAdmin
}

// rateKey identifies the sender in the send-rate tracker
func (i Identity) rateKey() string {
	if i.ID != 0 {
		return "id:" + strconv.FormatUint(uint64(i.ID), 10)
	}
	return "name:" + i.Username
}

// Audience selects which connected identities receive a broadcast. nil means everyone.
type Audience func(Identity) bool

// AdminsOnly delivers to admin connections
func AdminsOnly(i Identity) bool {
	return i.IsAdmin()
}

// Broadcaster fans events out to realtime clients. Implementations must not block.
type Broadcaster interface {
	Broadcast(event string, payload any, audience Audience)
}

// NopBroadcaster drops every event
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(string, any, Audience) {}

// UnreadCountPayload is the body of chat:unread-count
type UnreadCountPayload struct {
	Count int64 `json:"count"`
}

// DeletePayload is the body of chat:delete
type DeletePayload struct {
	ID uint `json:"id"`
}

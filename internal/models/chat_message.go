package models

import (
	"time"
)

// Sender roles stored on each message
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ChatMessage is one entry on the user/admin message board
type ChatMessage struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Username  string    `json:"username" gorm:"size:50;not null"`
	Message   string    `json:"message" gorm:"type:text;not null"`
	Role      string    `json:"role" gorm:"size:10;not null;index:idx_chat_messages_unread,priority:1"`
	IsRead    bool      `json:"is_read" gorm:"not null;default:false;index:idx_chat_messages_unread,priority:2"`
	CreatedAt time.Time `json:"created_at" gorm:"not null;index"`
}

// TableName pins the table name shared with the existing schema
func (ChatMessage) TableName() string {
	return "chat_messages"
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kawan-hiking/backend/internal/models"

	"gorm.io/gorm"
)

// ErrNotFound is returned when no message matches
var ErrNotFound = errors.New("message not found")

// MessageRepository is the query surface the chat service needs from storage
type MessageRepository interface {
	Create(ctx context.Context, message *models.ChatMessage) error
	GetByID(ctx context.Context, id uint) (*models.ChatMessage, error)
	ListRecent(ctx context.Context, limit int) ([]models.ChatMessage, error)
	ListSince(ctx context.Context, sinceID uint, limit int) ([]models.ChatMessage, error)
	MarkUserMessagesRead(ctx context.Context) (int64, error)
	DeleteByID(ctx context.Context, id uint) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	CountUnread(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// GormMessageRepository stores chat messages through gorm. Every call runs
// under its own deadline derived from the caller's context.
type GormMessageRepository struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewGormMessageRepository creates a repository. timeout <= 0 disables the per-call deadline.
func NewGormMessageRepository(db *gorm.DB, timeout time.Duration) *GormMessageRepository {
	return &GormMessageRepository{db: db, timeout: timeout}
}

// Migrate creates or updates the chat_messages table
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.ChatMessage{}); err != nil {
		return fmt.Errorf("migrate chat_messages: %w", err)
	}
	return nil
}

func (r *GormMessageRepository) withDeadline(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if r.timeout <= 0 {
		return r.db.WithContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	return r.db.WithContext(ctx), cancel
}

func (r *GormMessageRepository) Create(ctx context.Context, message *models.ChatMessage) error {
	db, cancel := r.withDeadline(ctx)
	defer cancel()

	if err := db.Create(message).Error; err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (r *GormMessageRepository) GetByID(ctx context.Context, id uint) (*models.ChatMessage, error) {
	db, cancel := r.withDeadline(ctx)
	defer cancel()

	var message models.ChatMessage
	err := db.First(&message, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat message %d: %w", id, err)
	}
	return &message, nil
}

// ListRecent returns the newest messages first
func (r *GormMessageRepository) ListRecent(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	db, cancel := r.withDeadline(ctx)
	defer cancel()

	var messages []models.ChatMessage
	err := db.Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("list recent chat messages: %w", err)
	}
	return messages, nil
}

// ListSince returns messages with id > sinceID in id order, so a caller
// paging by the last id it saw never skips a row.
func (r *GormMessageRepository) ListSince(ctx context.Context, sinceID uint, limit int) ([]models.ChatMessage, error) {
	db, cancel := r.withDeadline(ctx)
	defer cancel()

	var messages []models.ChatMessage
	err := db.Where("id > ?", sinceID).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("list chat messages since %d: %w", sinceID, err)
	}
	return messages, nil
}

func (r *GormMessageRepository) MarkUserMessagesRead(ctx context.Context) (int64, error) {
	db, cancel := r.withDeadline(ctx)
	defer cancel()

	res := db.Model(&models.ChatMessage{}).
		Where("role = ? AND is_read = ?", models.RoleUser, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, fmt.Errorf("mark chat messages read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *GormMessageRepository) DeleteByID(ctx context.Context, id uint) (int64, error) {
	db, cancel := r.withDeadline(ctx)
	defer cancel()

	res := db.Delete(&models.ChatMessage{}, id)
	if res.Error != nil {
		return 0, fmt.Errorf("delete chat message %d: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

func (r *GormMessageRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	db, cancel := r.withDeadline(ctx)
	defer cancel()

	res := db.Where("created_at < ?", cutoff).Delete(&models.ChatMessage{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete chat messages older than %s: %w", cutoff.Format(time.RFC3339), res.Error)
	}
	return res.RowsAffected, nil
}

func (r *GormMessageRepository) CountUnread(ctx context.Context) (int64, error) {
	db, cancel := r.withDeadline(ctx)
	defer cancel()

	var count int64
	err := db.Model(&models.ChatMessage{}).
		Where("role = ? AND is_read = ?", models.RoleUser, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count unread chat messages: %w", err)
	}
	return count, nil
}

func (r *GormMessageRepository) Ping(ctx context.Context) error {
	db, cancel := r.withDeadline(ctx)
	defer cancel()

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get database connection: %w", err)
	}
	return sqlDB.PingContext(db.Statement.Context)
}

package service

import (
	"context"
	"slices"
	"sync"
	"time"

	"kawan-hiking/backend/internal/models"
	"kawan-hiking/backend/internal/repository"
	"kawan-hiking/backend/pkg/errors"
	"kawan-hiking/backend/pkg/logger"
	"kawan-hiking/backend/pkg/ratelimit"
	"kawan-hiking/backend/pkg/sanitize"
	"kawan-hiking/backend/shared/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// History limits for the two transports
const (
	DefaultListLimit     = 30
	MaxListLimit         = 50
	RealtimeHistoryLimit = 100

	DefaultRetention = 30 * 24 * time.Hour
)

// ClampLimit keeps limit within [1, maxLimit]; non-positive values fall back to def.
func ClampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		limit = def
	}
	if limit > maxLimit {
		return maxLimit
	}
	if limit < 1 {
		return 1
	}
	return limit
}

// ChatServiceOptions configures optional collaborators
type ChatServiceOptions struct {
	Retention time.Duration
	Metrics   *observability.ChatMetrics
	Logger    *logger.Logger
}

// ChatService owns every chat operation. Both the HTTP and the websocket
// transports call into it, so there is a single message history.
type ChatService struct {
	repo        repository.MessageRepository
	tracker     *ratelimit.Tracker
	broadcaster Broadcaster
	metrics     *observability.ChatMetrics
	log         *logger.Logger
	tracer      trace.Tracer
	retention   time.Duration
	now         func() time.Time

	// createMu makes created_at follow id order across concurrent sends
	createMu    sync.Mutex
	lastCreated time.Time
}

// NewChatService creates a chat service. A nil broadcaster disables realtime fan-out.
func NewChatService(repo repository.MessageRepository, tracker *ratelimit.Tracker, broadcaster Broadcaster, opts ChatServiceOptions) *ChatService {
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	if tracker == nil {
		tracker = ratelimit.NewTracker(ratelimit.DefaultOptions())
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetGlobal()
	}
	return &ChatService{
		repo:        repo,
		tracker:     tracker,
		broadcaster: broadcaster,
		metrics:     opts.Metrics,
		log:         log,
		tracer:      otel.Tracer("kawan-hiking/backend/chat"),
		retention:   opts.Retention,
		now:         time.Now,
	}
}

// WithClock replaces the time source used for CreatedAt
func (s *ChatService) WithClock(now func() time.Time) *ChatService {
	s.now = now
	return s
}

// Retention returns how long messages are kept
func (s *ChatService) Retention() time.Duration {
	return s.retention
}

func (s *ChatService) logger(ctx context.Context) *logger.Logger {
	return logger.FromContextOr(ctx, s.log)
}

func (s *ChatService) storeFailure(ctx context.Context, span trace.Span, err error, msg string) *errors.AppError {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	s.logger(ctx).LogError(err, msg)
	return errors.NewInternalServerError(errors.CodeInternal, msg).WithCause(err)
}

// ListRecent returns messages in ascending order. With sinceID > 0 it returns
// the oldest messages after sinceID, otherwise the newest limit messages.
func (s *ChatService) ListRecent(ctx context.Context, limit int, sinceID uint) ([]models.ChatMessage, error) {
	ctx, span := s.tracer.Start(ctx, "chat.ListRecent", trace.WithAttributes(
		attribute.Int("chat.limit", limit),
		attribute.Int64("chat.since_id", int64(sinceID)),
	))
	defer span.End()

	var (
		messages []models.ChatMessage
		err      error
	)
	if sinceID > 0 {
		messages, err = s.repo.ListSince(ctx, sinceID, limit)
	} else {
		messages, err = s.repo.ListRecent(ctx, limit)
		slices.Reverse(messages)
	}
	if err != nil {
		return nil, s.storeFailure(ctx, span, err, "Failed to fetch messages")
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}
	return messages, nil
}

// Send sanitizes, rate limits and stores a message, then notifies realtime clients.
// An admin message marks every user message as read.
func (s *ChatService) Send(ctx context.Context, sender Identity, raw string) (*models.ChatMessage, error) {
	ctx, span := s.tracer.Start(ctx, "chat.Send", trace.WithAttributes(
		attribute.String("chat.role", sender.Role),
	))
	defer span.End()

	text := sanitize.Message(raw)
	if text == "" {
		s.metrics.MessageRejected(ctx, "empty")
		return nil, errors.NewBadRequestError(errors.CodeInvalidInput, "Message cannot be empty")
	}

	if s.tracker.CheckAndIncrement(sender.rateKey()) {
		s.metrics.MessageRejected(ctx, "rate_limited")
		s.logger(ctx).Warn("chat send rate limited", "username", sender.Username)
		return nil, errors.NewTooManyRequestsError(errors.CodeRateLimited, "Too many messages, please slow down.")
	}

	role := models.RoleUser
	if sender.IsAdmin() {
		role = models.RoleAdmin
	}
	msg := &models.ChatMessage{
		Username: sender.Username,
		Message:  text,
		Role:     role,
	}
	if err := s.create(ctx, msg); err != nil {
		return nil, s.storeFailure(ctx, span, err, "Failed to send message")
	}
	span.SetAttributes(attribute.Int64("chat.message_id", int64(msg.ID)))

	if role == models.RoleAdmin {
		// the message is already stored, so a failure here only leaves stale unread flags
		if _, err := s.repo.MarkUserMessagesRead(ctx); err != nil {
			s.logger(ctx).LogError(err, "failed to mark user messages read after admin reply", "messageId", msg.ID)
		}
	}

	s.metrics.MessageSent(ctx, role)
	s.broadcaster.Broadcast(EventMessage, msg, nil)
	s.broadcastUnreadCount(ctx)
	return msg, nil
}

// create stamps and inserts msg under one lock. The stamp never goes back
// past the previous one, even when the clock does.
func (s *ChatService) create(ctx context.Context, msg *models.ChatMessage) error {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	msg.CreatedAt = s.now().UTC()
	if msg.CreatedAt.Before(s.lastCreated) {
		msg.CreatedAt = s.lastCreated
	}
	if err := s.repo.Create(ctx, msg); err != nil {
		return err
	}
	s.lastCreated = msg.CreatedAt
	return nil
}

// MarkAllRead flags every user message as read. Admin only.
func (s *ChatService) MarkAllRead(ctx context.Context, caller Identity) error {
	ctx, span := s.tracer.Start(ctx, "chat.MarkAllRead")
	defer span.End()

	if !caller.IsAdmin() {
		return errors.NewForbiddenError(errors.CodeForbidden, "Admin access required")
	}

	n, err := s.repo.MarkUserMessagesRead(ctx)
	if err != nil {
		return s.storeFailure(ctx, span, err, "Failed to mark messages as read")
	}
	s.logger(ctx).Debug("chat messages marked read", "count", n)

	s.broadcastUnreadCount(ctx)
	return nil
}

// DeleteMessage removes one message by id. Admin only.
func (s *ChatService) DeleteMessage(ctx context.Context, caller Identity, id int64) error {
	ctx, span := s.tracer.Start(ctx, "chat.DeleteMessage", trace.WithAttributes(
		attribute.Int64("chat.message_id", id),
	))
	defer span.End()

	if !caller.IsAdmin() {
		return errors.NewForbiddenError(errors.CodeForbidden, "Admin access required")
	}
	if id <= 0 {
		return errors.NewBadRequestError(errors.CodeInvalidInput, "Invalid message id")
	}

	n, err := s.repo.DeleteByID(ctx, uint(id))
	if err != nil {
		return s.storeFailure(ctx, span, err, "Failed to delete message")
	}
	if n == 0 {
		return errors.NewNotFoundError(errors.CodeMessageNotFound, "Message not found")
	}

	s.metrics.MessageDeleted(ctx)
	s.logger(ctx).Info("chat message deleted", "messageId", id, "by", caller.Username)

	s.broadcaster.Broadcast(EventDelete, DeletePayload{ID: uint(id)}, nil)
	s.broadcastUnreadCount(ctx)
	return nil
}

// UnreadCount returns the number of user messages no admin has read yet
func (s *ChatService) UnreadCount(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "chat.UnreadCount")
	defer span.End()

	n, err := s.repo.CountUnread(ctx)
	if err != nil {
		return 0, s.storeFailure(ctx, span, err, "Failed to count unread messages")
	}
	return n, nil
}

// PurgeExpired deletes messages older than the retention period relative to now
func (s *ChatService) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "chat.PurgeExpired")
	defer span.End()

	cutoff := now.UTC().Add(-s.retention)
	n, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, s.storeFailure(ctx, span, err, "Failed to purge expired messages")
	}
	span.SetAttributes(attribute.Int64("chat.purged", n))
	s.metrics.MessagesPurged(ctx, n)

	if n > 0 {
		s.logger(ctx).Info("expired chat messages purged", "count", n, "cutoff", cutoff.Format(time.RFC3339))
		s.broadcastUnreadCount(ctx)
	}
	return n, nil
}

// Ping checks the message store
func (s *ChatService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// broadcastUnreadCount pushes the live unread count to admin connections.
// Failures are logged and never reach the caller.
func (s *ChatService) broadcastUnreadCount(ctx context.Context) {
	n, err := s.repo.CountUnread(ctx)
	if err != nil {
		s.logger(ctx).LogError(err, "failed to count unread messages for broadcast")
		return
	}
	s.broadcaster.Broadcast(EventUnreadCount, UnreadCountPayload{Count: n}, AdminsOnly)
}

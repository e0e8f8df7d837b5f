package service

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kawan-hiking/backend/internal/models"
	"kawan-hiking/backend/internal/repository"
	"kawan-hiking/backend/internal/testutil"
	"kawan-hiking/backend/pkg/errors"
	"kawan-hiking/backend/pkg/logger"
	"kawan-hiking/backend/pkg/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = Identity{ID: 1, Username: "alice", Role: models.RoleUser}
	bob   = Identity{ID: 2, Username: "bob", Role: models.RoleUser}
	admin = Identity{ID: 9, Username: "ranger", Role: models.RoleAdmin}
)

type event struct {
	name     string
	payload  any
	audience Audience
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Broadcast(name string, payload any, audience Audience) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{name, payload, audience})
}

func (r *recorder) named(name string) []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) lastUnread(t *testing.T) int64 {
	t.Helper()
	evs := r.named(EventUnreadCount)
	require.NotEmpty(t, evs)
	return evs[len(evs)-1].payload.(UnreadCountPayload).Count
}

func newTestService(t *testing.T) (*ChatService, *recorder, repository.MessageRepository) {
	t.Helper()
	repo := testutil.NewRepository(t)
	rec := &recorder{}
	svc := NewChatService(repo, ratelimit.NewTracker(ratelimit.DefaultOptions()), rec, ChatServiceOptions{
		Logger: logger.Discard(),
	})
	return svc, rec, repo
}

func assertCode(t *testing.T, err error, status int, code string) {
	t.Helper()
	require.Error(t, err)
	appErr, ok := errors.As(err)
	require.True(t, ok, "expected AppError, got %v", err)
	assert.Equal(t, status, appErr.StatusCode)
	assert.Equal(t, code, appErr.Code)
}

func TestSendStoresSanitizedMessage(t *testing.T) {
	svc, rec, repo := newTestService(t)
	fixed := time.Date(2024, 5, 1, 8, 30, 0, 0, time.FixedZone("WIB", 7*3600))
	svc.WithClock(func() time.Time { return fixed })

	msg, err := svc.Send(context.Background(), alice, "<script>alert(1)</script>hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Message)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, models.RoleUser, msg.Role)
	assert.False(t, msg.IsRead)
	assert.NotZero(t, msg.ID)
	assert.Equal(t, time.UTC, msg.CreatedAt.Location())
	assert.True(t, fixed.Equal(msg.CreatedAt))

	stored, err := repo.GetByID(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", stored.Message)

	sent := rec.named(EventMessage)
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].audience, "messages go to everyone")
	assert.Equal(t, msg.ID, sent[0].payload.(*models.ChatMessage).ID)

	unread := rec.named(EventUnreadCount)
	require.Len(t, unread, 1)
	assert.Equal(t, int64(1), unread[0].payload.(UnreadCountPayload).Count)
	require.NotNil(t, unread[0].audience)
	assert.True(t, unread[0].audience(admin))
	assert.False(t, unread[0].audience(alice))
}

func TestSendTruncatesLongMessages(t *testing.T) {
	svc, _, _ := newTestService(t)

	msg, err := svc.Send(context.Background(), alice, strings.Repeat("x", 1500))
	require.NoError(t, err)
	assert.Len(t, msg.Message, 1000)
}

func TestSendRejectsEmptyWithoutUsingQuota(t *testing.T) {
	svc, rec, _ := newTestService(t)

	for _, raw := range []string{"", "   ", "<script>x</script>", " <SCRIPT>y</SCRIPT> \n"} {
		_, err := svc.Send(context.Background(), alice, raw)
		assertCode(t, err, 400, errors.CodeInvalidInput)
	}
	assert.Empty(t, rec.events)
	assert.Equal(t, 100, svc.tracker.Remaining(alice.rateKey()))
}

func TestSendRateLimitsPerSender(t *testing.T) {
	svc, _, repo := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := svc.Send(ctx, alice, "step")
		require.NoError(t, err, "send %d", i+1)
	}

	_, err := svc.Send(ctx, alice, "one too many")
	assertCode(t, err, 429, errors.CodeRateLimited)
	appErr, _ := errors.As(err)
	assert.Equal(t, "Too many messages, please slow down.", appErr.Message)

	// other senders keep their own quota
	_, err = svc.Send(ctx, bob, "still fine")
	assert.NoError(t, err)

	count, err := repo.CountUnread(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(101), count)
}

func TestSendRateWindowResets(t *testing.T) {
	repo := testutil.NewRepository(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := ratelimit.NewTracker(ratelimit.Options{Window: time.Minute, Max: 2, Capacity: 10}).
		WithClock(func() time.Time { return now })
	svc := NewChatService(repo, tracker, nil, ChatServiceOptions{Logger: logger.Discard()})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Send(ctx, alice, "hi")
		require.NoError(t, err)
	}
	_, err := svc.Send(ctx, alice, "hi")
	assertCode(t, err, 429, errors.CodeRateLimited)

	now = now.Add(time.Minute + time.Millisecond)
	_, err = svc.Send(ctx, alice, "hi again")
	assert.NoError(t, err)
}

func TestUserSendLeavesReadFlags(t *testing.T) {
	svc, _, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, alice, "first")
	require.NoError(t, err)
	require.NoError(t, svc.MarkAllRead(ctx, admin))

	_, err = svc.Send(ctx, bob, "second")
	require.NoError(t, err)

	msgs, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.False(t, msgs[0].IsRead, "bob's new message")
	assert.True(t, msgs[1].IsRead, "alice's message stays read")
}

func TestAdminSendMarksUserMessagesRead(t *testing.T) {
	svc, rec, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, alice, "is the trail open?")
	require.NoError(t, err)
	_, err = svc.Send(ctx, bob, "same question")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.lastUnread(t))

	reply, err := svc.Send(ctx, admin, "yes, open until 5pm")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, reply.Role)

	count, err := repo.CountUnread(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, rec.lastUnread(t))
}

func TestListRecent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var ids []uint
	for i := 0; i < 40; i++ {
		msg, err := svc.Send(ctx, Identity{ID: uint(100 + i), Username: "u", Role: models.RoleUser}, "m")
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	recent, err := svc.ListRecent(ctx, 30, 0)
	require.NoError(t, err)
	require.Len(t, recent, 30)
	assert.Equal(t, ids[10], recent[0].ID)
	assert.Equal(t, ids[39], recent[29].ID)
	for i := 1; i < len(recent); i++ {
		assert.Greater(t, recent[i].ID, recent[i-1].ID)
	}

	since, err := svc.ListRecent(ctx, 5, ids[20])
	require.NoError(t, err)
	require.Len(t, since, 5)
	assert.Equal(t, ids[21], since[0].ID)
	assert.Equal(t, ids[25], since[4].ID)
}

func TestListRecentEmpty(t *testing.T) {
	svc, _, _ := newTestService(t)

	msgs, err := svc.ListRecent(context.Background(), 30, 0)
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestMarkAllRead(t *testing.T) {
	svc, rec, _ := newTestService(t)
	ctx := context.Background()

	assertCode(t, svc.MarkAllRead(ctx, alice), 403, errors.CodeForbidden)

	_, err := svc.Send(ctx, alice, "hello")
	require.NoError(t, err)

	require.NoError(t, svc.MarkAllRead(ctx, admin))
	assert.Zero(t, rec.lastUnread(t))

	n, err := svc.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteMessage(t *testing.T) {
	svc, rec, repo := newTestService(t)
	ctx := context.Background()

	msg, err := svc.Send(ctx, alice, "delete me")
	require.NoError(t, err)

	assertCode(t, svc.DeleteMessage(ctx, alice, int64(msg.ID)), 403, errors.CodeForbidden)
	assertCode(t, svc.DeleteMessage(ctx, admin, 0), 400, errors.CodeInvalidInput)
	assertCode(t, svc.DeleteMessage(ctx, admin, -4), 400, errors.CodeInvalidInput)
	assertCode(t, svc.DeleteMessage(ctx, admin, 9999), 404, errors.CodeMessageNotFound)

	require.NoError(t, svc.DeleteMessage(ctx, admin, int64(msg.ID)))

	_, err = repo.GetByID(ctx, msg.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	deletes := rec.named(EventDelete)
	require.Len(t, deletes, 1)
	assert.Equal(t, DeletePayload{ID: msg.ID}, deletes[0].payload)
	assert.Zero(t, rec.lastUnread(t))

	assertCode(t, svc.DeleteMessage(ctx, admin, int64(msg.ID)), 404, errors.CodeMessageNotFound)
}

func TestPurgeExpired(t *testing.T) {
	svc, _, repo := newTestService(t)
	ctx := context.Background()
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	svc.WithClock(func() time.Time { return now.Add(-31 * 24 * time.Hour) })
	old, err := svc.Send(ctx, alice, "last month")
	require.NoError(t, err)

	svc.WithClock(func() time.Time { return now.Add(-29 * 24 * time.Hour) })
	kept, err := svc.Send(ctx, bob, "still here")
	require.NoError(t, err)

	n, err := svc.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetByID(ctx, old.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = repo.GetByID(ctx, kept.ID)
	assert.NoError(t, err)
}

func TestUnreadScenario(t *testing.T) {
	svc, rec, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, alice, "hello")
	require.NoError(t, err)

	n, err := svc.UnreadCount(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	require.NoError(t, svc.MarkAllRead(ctx, admin))
	assert.Zero(t, rec.lastUnread(t))
}

// brokenRepo fails selected operations
type brokenRepo struct {
	repository.MessageRepository
	failCreate   bool
	failMarkRead bool
	failList     bool
}

var errDB = stderrors.New("connection reset by peer")

func (r *brokenRepo) Create(ctx context.Context, m *models.ChatMessage) error {
	if r.failCreate {
		return errDB
	}
	return r.MessageRepository.Create(ctx, m)
}

func (r *brokenRepo) MarkUserMessagesRead(ctx context.Context) (int64, error) {
	if r.failMarkRead {
		return 0, errDB
	}
	return r.MessageRepository.MarkUserMessagesRead(ctx)
}

func (r *brokenRepo) ListRecent(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if r.failList {
		return nil, errDB
	}
	return r.MessageRepository.ListRecent(ctx, limit)
}

func TestStoreFailuresAreGeneric(t *testing.T) {
	repo := &brokenRepo{MessageRepository: testutil.NewRepository(t), failCreate: true, failList: true}
	rec := &recorder{}
	svc := NewChatService(repo, nil, rec, ChatServiceOptions{Logger: logger.Discard()})
	ctx := context.Background()

	_, err := svc.Send(ctx, alice, "hello")
	assertCode(t, err, 500, errors.CodeInternal)
	appErr, _ := errors.As(err)
	assert.Equal(t, "Failed to send message", appErr.Message)
	assert.ErrorIs(t, err, errDB)
	assert.Empty(t, rec.events)

	_, err = svc.ListRecent(ctx, 30, 0)
	assertCode(t, err, 500, errors.CodeInternal)
	assert.NotContains(t, err.(*errors.AppError).Message, "connection reset")
}

func TestAdminSendSurvivesMarkReadFailure(t *testing.T) {
	repo := &brokenRepo{MessageRepository: testutil.NewRepository(t), failMarkRead: true}
	rec := &recorder{}
	svc := NewChatService(repo, nil, rec, ChatServiceOptions{Logger: logger.Discard()})

	msg, err := svc.Send(context.Background(), admin, "reply")
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Len(t, rec.named(EventMessage), 1)
}

// gatedRepo holds the first Create until release is closed
type gatedRepo struct {
	repository.MessageRepository
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRepo) Create(ctx context.Context, m *models.ChatMessage) error {
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.entered)
		<-r.release
	}
	return r.MessageRepository.Create(ctx, m)
}

func TestConcurrentSendsKeepCreatedAtInIDOrder(t *testing.T) {
	repo := &gatedRepo{
		MessageRepository: testutil.NewRepository(t),
		entered:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	svc := NewChatService(repo, nil, nil, ChatServiceOptions{Logger: logger.Discard()})
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	svc.WithClock(func() time.Time { return start.Add(time.Duration(tick.Add(1)) * time.Second) })
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.Send(ctx, alice, "slow")
		assert.NoError(t, err)
	}()
	<-repo.entered
	go func() {
		defer wg.Done()
		_, err := svc.Send(ctx, bob, "fast")
		assert.NoError(t, err)
	}()
	time.Sleep(50 * time.Millisecond)
	close(repo.release)
	wg.Wait()

	var seen []models.ChatMessage
	var since uint
	for i := 0; i < 5; i++ {
		page, err := repo.ListSince(ctx, since, 1)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		seen = append(seen, page[0])
		since = page[0].ID
	}
	require.Len(t, seen, 2)
	assert.Equal(t, "slow", seen[0].Message)
	assert.Equal(t, "fast", seen[1].Message)
	assert.Less(t, seen[0].ID, seen[1].ID)
	assert.False(t, seen[1].CreatedAt.Before(seen[0].CreatedAt))
}

func TestSendCreatedAtNeverGoesBack(t *testing.T) {
	svc, _, _ := newTestService(t)
	later := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return later })

	first, err := svc.Send(context.Background(), alice, "one")
	require.NoError(t, err)

	svc.WithClock(func() time.Time { return later.Add(-time.Minute) })
	second, err := svc.Send(context.Background(), bob, "two")
	require.NoError(t, err)

	assert.Greater(t, second.ID, first.ID)
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt))
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		limit, def, max, want int
	}{
		{0, 30, 50, 30},
		{-3, 30, 50, 30},
		{1, 30, 50, 1},
		{50, 30, 50, 50},
		{51, 30, 50, 50},
		{500, 100, 100, 100},
		{0, 0, 50, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampLimit(tt.limit, tt.def, tt.max), "ClampLimit(%d, %d, %d)", tt.limit, tt.def, tt.max)
	}
}

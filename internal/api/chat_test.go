package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kawan-hiking/backend/internal/models"
	"kawan-hiking/backend/internal/service"
	"kawan-hiking/backend/internal/testutil"
	"kawan-hiking/backend/pkg/errors"
	"kawan-hiking/backend/pkg/health"
	"kawan-hiking/backend/pkg/jwt"
	"kawan-hiking/backend/pkg/logger"
	"kawan-hiking/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiEnv struct {
	engine *gin.Engine
	jwt    *jwt.Service
	chat   *service.ChatService
	user   string
	admin  string
}

func setupAPI(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	jwtSvc := jwt.NewService("api-test-secret", "kawan-hiking", time.Hour)
	chat := service.NewChatService(testutil.NewRepository(t), nil, nil, service.ChatServiceOptions{Logger: logger.Discard()})
	handler := NewChatHandler(chat)

	r := gin.New()
	r.Use(errors.ErrorHandler())
	auth := middleware.JWTAuthMiddleware(jwtSvc, logger.Discard())
	handler.RegisterRoutes(r.Group("/api/chat", auth))
	handler.RegisterAdminRoutes(r.Group("/api/admin", auth, middleware.RequireRole(jwt.RoleAdmin)))

	user, err := jwtSvc.GenerateToken(1, "alice", jwt.RoleUser)
	require.NoError(t, err)
	admin, err := jwtSvc.GenerateToken(9, "ranger", jwt.RoleAdmin)
	require.NoError(t, err)

	return &apiEnv{engine: r, jwt: jwtSvc, chat: chat, user: user, admin: admin}
}

func (e *apiEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestChatRequiresAuth(t *testing.T) {
	env := setupAPI(t)

	w := env.do(http.MethodGet, "/api/chat", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, errors.CodeAuthRequired, errorOf(t, w).Error.Code)

	w = env.do(http.MethodGet, "/api/chat", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, errors.CodeInvalidToken, errorOf(t, w).Error.Code)
}

func TestSendAndList(t *testing.T) {
	env := setupAPI(t)

	w := env.do(http.MethodPost, "/api/chat", env.user, map[string]any{"message": "<script>alert(1)</script>hi"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID      uint   `json:"id"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotZero(t, created.ID)
	assert.Equal(t, "Message sent successfully", created.Message)

	w = env.do(http.MethodPost, "/api/chat", env.user, map[string]any{"message": "second"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(http.MethodGet, "/api/chat", env.user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []models.ChatMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Message)
	assert.Equal(t, "second", msgs[1].Message)
	assert.Equal(t, created.ID, msgs[0].ID)

	w = env.do(http.MethodGet, "/api/chat?since_id="+jsonNumber(created.ID), env.user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "second", msgs[0].Message)
}

func jsonNumber(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestListClampsLimit(t *testing.T) {
	env := setupAPI(t)
	for i := 0; i < 60; i++ {
		_, err := env.chat.Send(context.Background(), service.Identity{ID: uint(100 + i), Username: "u", Role: models.RoleUser}, "m")
		require.NoError(t, err)
	}

	tests := []struct {
		query string
		want  int
	}{
		{"", 30},
		{"?limit=5", 5},
		{"?limit=0", 30},
		{"?limit=-2", 30},
		{"?limit=500", 50},
		{"?limit=abc", 30},
	}
	for _, tt := range tests {
		w := env.do(http.MethodGet, "/api/chat"+tt.query, env.user, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var msgs []models.ChatMessage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
		assert.Len(t, msgs, tt.want, "query %q", tt.query)
	}
}

func TestListEmptyIsArray(t *testing.T) {
	env := setupAPI(t)

	w := env.do(http.MethodGet, "/api/chat", env.user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestSendValidation(t *testing.T) {
	env := setupAPI(t)

	for _, body := range []any{
		map[string]any{"message": "   "},
		map[string]any{"message": 12},
		map[string]any{},
	} {
		w := env.do(http.MethodPost, "/api/chat", env.user, body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, errors.CodeInvalidInput, errorOf(t, w).Error.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewBufferString("{broken"))
	req.Header.Set("Authorization", "Bearer "+env.user)
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendRateLimited(t *testing.T) {
	env := setupAPI(t)

	for i := 0; i < 100; i++ {
		w := env.do(http.MethodPost, "/api/chat", env.user, map[string]any{"message": "go"})
		require.Equal(t, http.StatusCreated, w.Code, "send %d", i+1)
	}
	w := env.do(http.MethodPost, "/api/chat", env.user, map[string]any{"message": "go"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	body := errorOf(t, w)
	assert.Equal(t, errors.CodeRateLimited, body.Error.Code)
	assert.Equal(t, "Too many messages, please slow down.", body.Error.Message)
}

func TestUnreadCountAndMarkRead(t *testing.T) {
	env := setupAPI(t)

	w := env.do(http.MethodPost, "/api/chat", env.user, map[string]any{"message": "hello"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(http.MethodGet, "/api/chat/unread-count", env.user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":0}`, w.Body.String(), "users always see 0")

	w = env.do(http.MethodGet, "/api/chat/unread-count", env.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":1}`, w.Body.String())

	w = env.do(http.MethodPut, "/api/chat/mark-read", env.user, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodPut, "/api/chat/mark-read", env.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Messages marked as read"}`, w.Body.String())

	w = env.do(http.MethodGet, "/api/chat/unread-count", env.admin, nil)
	assert.JSONEq(t, `{"count":0}`, w.Body.String())
}

func TestDeleteMessage(t *testing.T) {
	env := setupAPI(t)
	msg, err := env.chat.Send(context.Background(), service.Identity{ID: 1, Username: "alice", Role: models.RoleUser}, "bye")
	require.NoError(t, err)
	path := "/api/chat/" + jsonNumber(msg.ID)

	w := env.do(http.MethodDelete, path, env.user, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodDelete, "/api/chat/abc", env.admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid message id", errorOf(t, w).Error.Message)

	w = env.do(http.MethodDelete, "/api/chat/0", env.admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodDelete, path, env.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Message deleted"}`, w.Body.String())

	w = env.do(http.MethodDelete, path, env.admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.CodeMessageNotFound, errorOf(t, w).Error.Code)
}

func TestPurgeRequiresAdmin(t *testing.T) {
	env := setupAPI(t)
	old := time.Now().Add(-40 * 24 * time.Hour)
	env.chat.WithClock(func() time.Time { return old })
	_, err := env.chat.Send(context.Background(), service.Identity{ID: 1, Username: "alice", Role: models.RoleUser}, "ancient")
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/api/admin/chat/purge", env.user, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, errors.CodeInsufficientRole, errorOf(t, w).Error.Code)

	w = env.do(http.MethodPost, "/api/admin/chat/purge", env.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":1}`, w.Body.String())
}

type fixedConns int64

func (f fixedConns) ActiveConnections() int64 { return int64(f) }

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checker := health.NewChecker(logger.Discard(), time.Minute)
	var dbErr error
	checker.RegisterDatabaseCheck(func(context.Context) error { return dbErr })
	checker.RunChecks(context.Background())

	r := gin.New()
	NewHealthHandler(checker, fixedConns(3), "1.2.0").RegisterHealthRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.0", resp.Version)
	assert.Equal(t, int64(3), resp.Websocket.ActiveConnections)
	assert.Equal(t, health.StatusUp, resp.Components["database"].Status)

	dbErr = context.DeadlineExceeded
	checker.RunChecks(context.Background())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

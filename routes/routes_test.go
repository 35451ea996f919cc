package routes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"typerace/handlers"
	"typerace/middleware"
	"typerace/services"
	"typerace/store"
)

const secret = "routes-test-secret"

func newRouter(t *testing.T, limiter *middleware.RateLimiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	coord, err := services.New(services.Options{
		Store:  store.NewMemoryStore(),
		Logger: logrus.NewEntry(log),
	})
	require.NoError(t, err)

	r := gin.New()
	SetupRoutes(r, Handlers{
		Rooms:  handlers.NewRoomHandler(coord),
		Rounds: handlers.NewRoundHandler(coord),
		Watch:  handlers.NewWatchHandler(coord, logrus.NewEntry(log)),
	}, Security{JWTSecret: secret, RateLimiter: limiter})
	return r
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func do(r *gin.Engine, method, path, bearer string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:40000"
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit_PerParticipantBehindSharedIP(t *testing.T) {
	r := newRouter(t, middleware.NewRateLimiter(0.001, 1))
	join := map[string]string{"code": "ZZZZZ9", "display_name": "Player"}
	alice := token(t, "alice", "")
	bob := token(t, "bob", "")

	assert.NotEqual(t, http.StatusTooManyRequests, do(r, http.MethodPost, "/api/rooms/join", alice, join).Code)
	assert.NotEqual(t, http.StatusTooManyRequests, do(r, http.MethodPost, "/api/rooms/join", bob, join).Code)

	// alice has spent her own bucket.
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodPost, "/api/rooms/join", alice, join).Code)
}

func TestRateLimit_AnonymousByIP(t *testing.T) {
	r := newRouter(t, middleware.NewRateLimiter(0.001, 1))

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/rooms/missing", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodGet, "/api/codes/ZZZZZ9", "", nil).Code)

	// An authenticated participant on the same IP has a separate bucket.
	join := map[string]string{"code": "ZZZZZ9", "display_name": "Player"}
	assert.NotEqual(t, http.StatusTooManyRequests, do(r, http.MethodPost, "/api/rooms/join", token(t, "carol", ""), join).Code)
}

func TestRateLimit_UnauthenticatedRejectedBeforeLimiting(t *testing.T) {
	r := newRouter(t, middleware.NewRateLimiter(0.001, 1))
	join := map[string]string{"code": "ZZZZZ9", "display_name": "Player"}

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/api/rooms/join", "", join).Code)
	}
}

func TestSetupRoutes_Access(t *testing.T) {
	r := newRouter(t, nil)
	player := token(t, "p1", "")
	admin := token(t, "root", middleware.RoleAdmin)
	rooms := map[string]any{"rounds": []map[string]any{
		{"reference_text": "the quick brown fox", "time_limit_seconds": 30, "qualify_count": 1},
	}}

	tests := []struct {
		name   string
		method string
		path   string
		bearer string
		body   any
		want   int
	}{
		{"health", http.MethodGet, "/health", "", nil, http.StatusOK},
		{"public view", http.MethodGet, "/api/rooms/missing", "", nil, http.StatusNotFound},
		{"join needs a token", http.MethodPost, "/api/rooms/join", "", map[string]string{}, http.StatusUnauthorized},
		{"create needs a token", http.MethodPost, "/api/rooms", "", rooms, http.StatusUnauthorized},
		{"create needs admin", http.MethodPost, "/api/rooms", player, rooms, http.StatusForbidden},
		{"admin creates", http.MethodPost, "/api/rooms", admin, rooms, http.StatusCreated},
		{"start needs admin", http.MethodPost, "/api/rooms/x/rounds/1/start", player, nil, http.StatusForbidden},
		{"watch needs a token", http.MethodGet, "/ws/rooms/x", "", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.bearer, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"typerace/middleware"
	"typerace/models"
	"typerace/services"
	"typerace/store"
)

const secret = "handler-test-secret"

type api struct {
	t      *testing.T
	router *gin.Engine
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	coord, err := services.New(services.Options{
		Store:        store.NewMemoryStore(),
		Logger:       logrus.NewEntry(log),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	auth := middleware.Auth(secret, "")
	rooms := NewRoomHandler(coord)
	rounds := NewRoundHandler(coord)
	watch := NewWatchHandler(coord, logrus.NewEntry(log))

	r := gin.New()
	r.GET("/rooms/:roomId", rooms.GetRoom)
	r.GET("/rooms/:roomId/participants", rooms.Participants)
	r.GET("/codes/:code", rooms.GetRoomByCode)
	r.GET("/rooms/:roomId/rounds/:round/leaderboard", rounds.Leaderboard)
	r.GET("/rooms/:roomId/rounds/:round/stats", rounds.Stats)
	r.GET("/rooms/:roomId/rounds/:round/outcome", rounds.Outcome)
	r.POST("/rooms", auth, rooms.CreateRoom)
	r.POST("/rooms/join", auth, rooms.JoinRoom)
	r.POST("/rooms/:roomId/rounds/:round/start", auth, rounds.StartRound)
	r.POST("/rooms/:roomId/rounds/:round/end", auth, rounds.EndRound)
	r.POST("/rooms/:roomId/rounds/:round/leaderboard", auth, rounds.ShowLeaderboard)
	r.POST("/rooms/:roomId/rounds/:round/close", auth, rounds.CloseRound)
	r.POST("/rooms/:roomId/rounds/:round/results", auth, rounds.SubmitResult)
	r.GET("/ws/rooms/:roomId", watch.Watch)
	return &api{t: t, router: r}
}

func token(t *testing.T, subject string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (a *api) call(method, path, user string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(a.t, user))
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

func (a *api) createRoom() services.CreatedRoom {
	a.t.Helper()
	w := a.call(http.MethodPost, "/rooms", "admin", map[string]any{
		"rounds": []map[string]any{
			{"reference_text": "the quick brown fox", "time_limit_seconds": 60, "qualify_count": 1},
			{"reference_text": "lazy dog", "time_limit_seconds": 60, "qualify_count": 1},
		},
	})
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[services.CreatedRoom](a.t, w)
}

func TestRoundOverHTTP(t *testing.T) {
	a := newAPI(t)
	created := a.createRoom()
	roomID := created.Room.ID
	assert.Equal(t, "admin", created.Room.CreatedBy)

	for _, user := range []string{"ann", "bob"} {
		w := a.call(http.MethodPost, "/rooms/join", user, map[string]any{
			"code": strings.ToLower(created.Room.JoinCode), "display_name": user,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	w := a.call(http.MethodPost, "/rooms/join", "ann", map[string]any{"code": created.Room.JoinCode, "display_name": "ann"})
	assert.Equal(t, http.StatusOK, w.Code, "rejoining")

	w = a.call(http.MethodPost, "/rooms/"+roomID+"/rounds/1/start", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "1_active", decode[models.Room](t, w).Status)

	w = a.call(http.MethodPost, "/rooms/"+roomID+"/rounds/1/results", "ann", map[string]any{
		"submitted_text": "the quick brown fox", "elapsed_seconds": 12,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = a.call(http.MethodPost, "/rooms/"+roomID+"/rounds/1/results", "bob", map[string]any{
		"submitted_text": "the quick", "elapsed_seconds": 12,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = a.call(http.MethodPost, "/rooms/"+roomID+"/rounds/1/results", "ann", map[string]any{
		"submitted_text": "again", "elapsed_seconds": 1,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[services.SubmitOutcome](t, w).AlreadySubmitted)

	w = a.call(http.MethodGet, "/rooms/"+roomID+"/rounds/1/outcome", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.call(http.MethodPost, "/rooms/"+roomID+"/rounds/1/end", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[services.EndRoundOutcome](t, w)
	assert.Equal(t, []string{"ann"}, out.Outcome.Qualified)
	assert.Equal(t, []string{"bob"}, out.Outcome.Eliminated)

	w = a.call(http.MethodGet, "/rooms/"+roomID+"/rounds/1/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	board := decode[struct {
		Entries []services.LeaderboardEntry `json:"entries"`
	}](t, w)
	require.Len(t, board.Entries, 2)
	assert.Equal(t, "ann", board.Entries[0].ParticipantID)
	require.NotNil(t, board.Entries[0].Qualified)
	assert.True(t, *board.Entries[0].Qualified)

	w = a.call(http.MethodGet, "/rooms/"+roomID+"/rounds/1/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[services.RoundStats](t, w).Submissions)

	w = a.call(http.MethodPost, "/rooms/"+roomID+"/rounds/1/leaderboard", "admin", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = a.call(http.MethodPost, "/rooms/"+roomID+"/rounds/1/close", "admin", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2_waiting", decode[models.Room](t, w).Status)

	w = a.call(http.MethodGet, "/rooms/"+roomID+"/participants", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[struct {
		Participants []models.Participant `json:"participants"`
	}](t, w).Participants, 2)
}

func TestErrorResponses(t *testing.T) {
	a := newAPI(t)
	created := a.createRoom()
	roomID := created.Room.ID

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
		kind   string
	}{
		{"unknown room", http.MethodGet, "/rooms/nope", "", nil, http.StatusNotFound, "not_found"},
		{"bad round", http.MethodGet, "/rooms/" + roomID + "/rounds/zero/stats", "", nil, http.StatusBadRequest, "validation"},
		{"bad join code", http.MethodPost, "/rooms/join", "ann", map[string]any{"code": "!!", "display_name": "a"}, http.StatusBadRequest, "validation"},
		{"unknown join code", http.MethodGet, "/codes/ZZZZ22", "", nil, http.StatusNotFound, "not_found"},
		{"end before start", http.MethodPost, "/rooms/" + roomID + "/rounds/1/end", "admin", nil, http.StatusConflict, "conflict"},
		{"leaderboard before result", http.MethodPost, "/rooms/" + roomID + "/rounds/1/leaderboard", "admin", nil, http.StatusConflict, "conflict"},
		{"submit to waiting room", http.MethodPost, "/rooms/" + roomID + "/rounds/1/results", "ann", map[string]any{"submitted_text": "x"}, http.StatusConflict, "conflict"},
		{"no rounds", http.MethodPost, "/rooms", "admin", map[string]any{"rounds": []any{}}, http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.call(tt.method, tt.path, tt.user, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			body := decode[errorBody](t, w)
			assert.False(t, body.Success)
			assert.Equal(t, tt.kind, body.Kind)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestWatchOverWebsocket(t *testing.T) {
	a := newAPI(t)
	created := a.createRoom()
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	url := fmt.Sprintf("ws%s/ws/rooms/%s?watch=room", strings.TrimPrefix(srv.URL, "http"), created.Room.ID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	status := func(msg Message) string {
		raw, err := json.Marshal(msg.Payload)
		require.NoError(t, err)
		var snap struct {
			Documents []models.Room `json:"documents"`
		}
		require.NoError(t, json.Unmarshal(raw, &snap))
		require.Len(t, snap.Documents, 1)
		return snap.Documents[0].Status
	}

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)
	assert.Equal(t, "waiting", status(msg))

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)

	a.call(http.MethodPost, "/rooms/join", "ann", map[string]any{"code": created.Room.JoinCode, "display_name": "ann"})
	w := a.call(http.MethodPost, "/rooms/"+created.Room.ID+"/rounds/1/start", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// The join rewrites the room unchanged, so the next distinct state is
	// the started round.
	for {
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "snapshot" && status(msg) == "1_active" {
			break
		}
	}
}

func TestWatch_RejectedBeforeUpgrade(t *testing.T) {
	a := newAPI(t)
	w := a.call(http.MethodGet, "/ws/rooms/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	created := a.createRoom()
	w = a.call(http.MethodGet, "/ws/rooms/"+created.Room.ID+"?watch=results", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"typerace/handlers"
	"typerace/middleware"
)

// Handlers groups everything SetupRoutes mounts.
type Handlers struct {
	Rooms  *handlers.RoomHandler
	Rounds *handlers.RoundHandler
	Watch  *handlers.WatchHandler
}

// Security configures token verification and rate limiting.
type Security struct {
	JWTSecret   string
	JWTIssuer   string
	RateLimiter *middleware.RateLimiter
}

func SetupRoutes(router *gin.Engine, h Handlers, sec Security) {
	auth := middleware.Auth(sec.JWTSecret, sec.JWTIssuer)
	admin := middleware.RequireAdmin()

	// The limiter keys on the participant, so it runs after auth wherever
	// there is one; anonymous callers are limited per IP.
	limit := func(c *gin.Context) { c.Next() }
	if sec.RateLimiter != nil {
		limit = sec.RateLimiter.Middleware()
	}

	api := router.Group("/api")
	{
		// Public read-only views
		public := api.Group("/")
		public.Use(limit)
		{
			public.GET("/rooms/:roomId", h.Rooms.GetRoom)
			public.GET("/rooms/:roomId/participants", h.Rooms.Participants)
			public.GET("/rooms/:roomId/rounds/:round/leaderboard", h.Rounds.Leaderboard)
			public.GET("/rooms/:roomId/rounds/:round/stats", h.Rounds.Stats)
			public.GET("/rooms/:roomId/rounds/:round/outcome", h.Rounds.Outcome)
			public.GET("/codes/:code", h.Rooms.GetRoomByCode)
		}

		// Participants
		player := api.Group("/")
		player.Use(auth, limit)
		{
			player.POST("/rooms/join", h.Rooms.JoinRoom)
			player.POST("/rooms/:roomId/rounds/:round/results", h.Rounds.SubmitResult)
		}

		// Room administration
		adm := api.Group("/")
		adm.Use(auth, admin, limit)
		{
			adm.POST("/rooms", h.Rooms.CreateRoom)
			adm.POST("/rooms/:roomId/rounds/:round/start", h.Rounds.StartRound)
			adm.POST("/rooms/:roomId/rounds/:round/end", h.Rounds.EndRound)
			adm.POST("/rooms/:roomId/rounds/:round/leaderboard", h.Rounds.ShowLeaderboard)
			adm.POST("/rooms/:roomId/rounds/:round/close", h.Rounds.CloseRound)
		}
	}

	router.GET("/ws/rooms/:roomId", auth, limit, h.Watch.Watch)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

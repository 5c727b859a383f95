package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/call-signaling/internal/auth"
	"github.com/mossy-p/call-signaling/internal/calls"
	"github.com/mossy-p/call-signaling/internal/history"
	"github.com/mossy-p/call-signaling/internal/middleware"
)

type Deps struct {
	Service        *calls.Service
	Verifier       auth.Verifier
	Issuer         *auth.Issuer // nil disables the login endpoint
	History        history.Querier
	AllowedOrigins []string
	WS             WSConfig
	Logger         zerolog.Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(d Deps) *gin.Engine {
	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(middleware.OriginFilter(d.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		rooms, conns := d.Service.Stats()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": rooms, "connections": conns})
	})

	apiGroup := router.Group("/api")
	{
		if d.Issuer != nil {
			apiGroup.POST("/auth/login", Login(d.Issuer))
		}

		callsGroup := apiGroup.Group("/calls", middleware.JWTAuth(d.Verifier))
		callsGroup.GET("", ListCalls(d.Service))
		callsGroup.GET("/history", CallHistory(d.History, d.Logger))
		callsGroup.GET("/:roomId/history", RoomHistory(d.History, d.Logger))
	}

	router.GET("/ws/signal", HandleSignaling(d.Service, d.Verifier, d.WS, d.Logger))

	return router
}

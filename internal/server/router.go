package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"hangouts-relay/internal/auth"
	"hangouts-relay/internal/handler"
	"hangouts-relay/internal/middleware"
	"hangouts-relay/internal/registry"
	"hangouts-relay/internal/relay"
	"hangouts-relay/internal/store"
)

type Deps struct {
	Store       store.HangoutStore
	TokenConfig auth.TokenConfig
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	tokenLimiter := middleware.NewRateLimiter(10, time.Minute)
	authHandler := &handler.AuthHandler{Store: deps.Store, TokenConfig: deps.TokenConfig, TokenLimiter: tokenLimiter}
	r.POST("/v1/auth", authHandler.Token)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	hangoutsHandler := &handler.HangoutsHandler{Store: deps.Store}
	protected.GET("/hangouts", hangoutsHandler.List)
	protected.GET("/users/:username", hangoutsHandler.GetUser)

	reg := registry.New()
	coordinator := relay.NewCoordinator(deps.Store, reg, handler.HangoutFrame)
	syncer := relay.NewSyncer(deps.Store, reg, handler.HangoutFrame)
	wsHandler := &handler.WebSocketHandler{Coordinator: coordinator, Syncer: syncer, TokenConfig: deps.TokenConfig}
	r.GET("/ws", wsHandler.Serve)

	return r
}

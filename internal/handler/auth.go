package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"hangouts-relay/internal/auth"
	"hangouts-relay/internal/middleware"
	"hangouts-relay/internal/store"
)

// AuthHandler issues relay tokens. Real credential checks live in the outer
// auth service; this endpoint is the glue that turns a verified username into
// a token the websocket endpoint accepts.
type AuthHandler struct {
	Store        store.HangoutStore
	TokenConfig  auth.TokenConfig
	TokenLimiter *middleware.RateLimiter
}

func (h *AuthHandler) Token(c *gin.Context) {
	if h.TokenLimiter != nil && !h.TokenLimiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
		return
	}

	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.Store.EnsureUser(c.Request.Context(), body.Username, body.Email); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Storage unavailable"})
		return
	}

	tok, err := auth.CreateToken(body.Username, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

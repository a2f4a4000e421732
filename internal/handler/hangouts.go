package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"hangouts-relay/internal/middleware"
	"hangouts-relay/internal/model"
	"hangouts-relay/internal/store"
)

type HangoutsHandler struct {
	Store store.HangoutStore
}

// List returns the authenticated user's hangout records, the full
// relationship state a freshly loaded client renders before live events.
func (h *HangoutsHandler) List(c *gin.Context) {
	username, ok := middleware.UsernameFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	u, found, err := h.Store.FindUser(c.Request.Context(), username)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Storage unavailable"})
		return
	}
	hangouts := []model.Hangout{}
	if found {
		hangouts = append(hangouts, u.Hangouts...)
	}
	c.JSON(http.StatusOK, gin.H{"hangouts": hangouts})
}

// GetUser is the pre-invite lookup: does this counterpart exist, and under
// which email.
func (h *HangoutsHandler) GetUser(c *gin.Context) {
	target := c.Param("username")
	if target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	u, found, err := h.Store.FindUser(c.Request.Context(), target)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Storage unavailable"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": u.Username, "email": u.Email})
}

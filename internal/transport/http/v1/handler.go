// Package v1 provides the versioned HTTP handlers for the chat API.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/NiklasHoffmann/livechat/internal/domain"
	"github.com/NiklasHoffmann/livechat/internal/service"
)

// Handler handles HTTP requests. isAdmin authenticates the mixed routes
// whose admin-only behavior depends on the request body, not the path.
type Handler struct {
	service *service.Service
	isAdmin func(r *http.Request) bool
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service, isAdmin func(r *http.Request) bool) *Handler {
	if isAdmin == nil {
		isAdmin = func(*http.Request) bool { return false }
	}
	return &Handler{service: service, isAdmin: isAdmin}
}

// RegisterRoutes registers routes with the echo server. adminOnly guards the
// console-only operations.
func (h *Handler) RegisterRoutes(e *echo.Echo, adminOnly echo.MiddlewareFunc) {
	// Visitor-facing API
	e.POST("/v1/sessions", h.CreateSession)
	e.GET("/v1/sessions/:session_id", h.ValidateSession)
	e.PATCH("/v1/sessions/:session_id", h.UpdateSession)
	e.POST("/v1/sessions/:session_id/messages", h.PostMessage)
	e.GET("/v1/sessions/:session_id/messages", h.GetMessages)
	e.POST("/v1/sessions/:session_id/read", h.MarkRead)

	// Admin console API
	e.GET("/v1/sessions", h.ListSessions, adminOnly)
	e.DELETE("/v1/sessions/:session_id", h.DeleteSession, adminOnly)
	e.DELETE("/v1/sessions", h.DeleteAllSessions, adminOnly)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// writeError maps domain sentinels onto HTTP status codes.
func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	case errors.Is(err, domain.ErrSessionBlocked):
		return c.JSON(http.StatusForbidden, map[string]string{"error": "session blocked"})
	case errors.Is(err, domain.ErrValidation):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

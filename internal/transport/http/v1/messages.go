package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/NiklasHoffmann/livechat/internal/domain"
)

// PostMessageRequest is the body for POST /v1/sessions/:session_id/messages.
type PostMessageRequest struct {
	Sender string `json:"sender" validate:"required,oneof=user admin"`
	Body   string `json:"body" validate:"required,max=2000"`
}

// PostMessage persists a message and returns the stored copy. Clients
// broadcast that copy themselves after the response arrives.
// POST /v1/sessions/:session_id/messages
func (h *Handler) PostMessage(c echo.Context) error {
	var req PostMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	message, err := h.service.PostMessage(
		c.Request().Context(), c.Param("session_id"), domain.SenderRole(req.Sender), req.Body)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"message": message})
}

// GetMessages returns the full ordered history for a session.
// GET /v1/sessions/:session_id/messages
func (h *Handler) GetMessages(c echo.Context) error {
	messages, err := h.service.GetMessages(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": messages})
}

// MarkReadRequest is the body for POST /v1/sessions/:session_id/read.
type MarkReadRequest struct {
	Reader string `json:"reader" validate:"required,oneof=user admin"`
}

// MarkRead flips every message the other role sent to read. Idempotent.
// POST /v1/sessions/:session_id/read
func (h *Handler) MarkRead(c echo.Context) error {
	var req MarkReadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if err := h.service.MarkRead(
		c.Request().Context(), c.Param("session_id"), domain.SenderRole(req.Reader)); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

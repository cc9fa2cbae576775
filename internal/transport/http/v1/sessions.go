package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/NiklasHoffmann/livechat/internal/domain"
)

// CreateSessionRequest is the body for POST /v1/sessions.
type CreateSessionRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=50"`
}

// CreateSession creates a session with a deduplicated display name.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	session, err := h.service.CreateSession(c.Request().Context(), req.DisplayName)
	if err != nil {
		return writeError(c, err)
	}
	// The returned display name is authoritative: on collision it differs
	// from the requested one and the caller must adopt it.
	return c.JSON(http.StatusCreated, map[string]interface{}{"session": session})
}

// ValidateSession reports existence and blocked state for a cached id.
// GET /v1/sessions/:session_id
func (h *Handler) ValidateSession(c echo.Context) error {
	validation, err := h.service.ValidateSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, validation)
}

// UpdateSessionRequest is the body for PATCH /v1/sessions/:session_id.
// Exactly one of the fields is expected per call: visitors rename, admins
// flip the blocked flag.
type UpdateSessionRequest struct {
	DisplayName *string `json:"display_name,omitempty" validate:"omitempty,max=50"`
	Blocked     *bool   `json:"blocked,omitempty"`
}

// UpdateSession renames a session or changes its blocked flag.
// PATCH /v1/sessions/:session_id
func (h *Handler) UpdateSession(c echo.Context) error {
	sessionID := c.Param("session_id")
	var req UpdateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	resp := map[string]interface{}{}

	if req.DisplayName != nil {
		finalName, err := h.service.UpdateDisplayName(ctx, sessionID, *req.DisplayName)
		if err != nil {
			return writeError(c, err)
		}
		resp["display_name"] = finalName
	}
	if req.Blocked != nil {
		// The route is shared with the visitor rename, but the blocked flag
		// is an admin-only mutation.
		if !h.isAdmin(c.Request()) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		}
		if err := h.service.BlockSession(ctx, sessionID, *req.Blocked); err != nil {
			return writeError(c, err)
		}
		resp["blocked"] = *req.Blocked
	}
	if len(resp) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "nothing to update"})
	}
	return c.JSON(http.StatusOK, resp)
}

// ListSessions returns the denormalized session list for the console.
// GET /v1/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	sessions, err := h.service.ListSessions(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// DeleteSession cascades a session delete.
// DELETE /v1/sessions/:session_id
func (h *Handler) DeleteSession(c echo.Context) error {
	if err := h.service.DeleteSession(c.Request().Context(), c.Param("session_id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteAllSessions wipes every session and message.
// DELETE /v1/sessions
func (h *Handler) DeleteAllSessions(c echo.Context) error {
	if err := h.service.DeleteAllSessions(c.Request().Context()); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

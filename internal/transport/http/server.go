// Package http provides the HTTP server wiring for the chat service.
package http

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/NiklasHoffmann/livechat/internal/service"
	v1 "github.com/NiklasHoffmann/livechat/internal/transport/http/v1"
)

// AuthChecker decides whether a request is an authenticated admin. The
// production deployment delegates to an external session-cookie check; chatd
// ships a static-token implementation.
type AuthChecker interface {
	Authenticated(r *http.Request) bool
}

// TokenAuth authenticates requests carrying a fixed bearer token. An empty
// token rejects everything, which keeps admin routes closed by default.
type TokenAuth struct {
	Token string
}

// Authenticated implements AuthChecker.
func (a TokenAuth) Authenticated(r *http.Request) bool {
	if a.Token == "" {
		return false
	}
	return r.Header.Get("Authorization") == "Bearer "+a.Token
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// NewServer creates and configures the public HTTP server. WebSocket routes
// are registered separately by the ws transport.
func NewServer(svc *service.Service, auth AuthChecker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &requestValidator{validate: validator.New()}

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	isAdmin := func(r *http.Request) bool {
		return auth != nil && auth.Authenticated(r)
	}
	h := v1.NewHandler(svc, isAdmin)
	h.RegisterRoutes(e, AdminOnly(auth))

	return e
}

// AdminOnly gates a route group behind the auth checker.
func AdminOnly(auth AuthChecker) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if auth == nil || !auth.Authenticated(c.Request()) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			}
			return next(c)
		}
	}
}

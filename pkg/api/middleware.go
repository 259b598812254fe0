package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// requireAuth authenticates REST requests from the Authorization header or
// X-API-Key and stashes the resolved user id on the context.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		token := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		apiKey := c.Request().Header.Get("X-API-Key")

		if _, err := s.auth.Authenticate(token, apiKey); err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
		return next(c)
	}
}

// credentialsFromQuery resolves WebSocket upgrade credentials. Browser
// clients cannot set headers on the upgrade request, so ?token= and
// ?apiKey= are the only channel.
func (s *Server) credentialsFromQuery(c *echo.Context) (string, error) {
	return s.auth.Authenticate(c.QueryParam("token"), c.QueryParam("apiKey"))
}

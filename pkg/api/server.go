// Package api is the HTTP surface of the host: the delegate and UI
// WebSocket endpoints, the webhook front door, conversation UI-log
// routes, health and Prometheus metrics.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpl-dev/mcpld/pkg/auth"
	"github.com/mcpl-dev/mcpld/pkg/delegate"
	"github.com/mcpl-dev/mcpld/pkg/events"
	"github.com/mcpl-dev/mcpld/pkg/uilog"
	"github.com/mcpl-dev/mcpld/pkg/webhook"
)

// Server owns the echo router and the underlying http.Server.
type Server struct {
	auth     *auth.Authenticator
	fabric   *events.Fabric
	handler  *delegate.Handler
	frontend *webhook.Frontend
	uiLog    *uilog.Log

	echo *echo.Echo
	http *http.Server
}

// NewServer assembles the router. Webhook endpoints come from config and
// are mounted under /webhooks; everything under /api and /ws requires
// credentials.
func NewServer(a *auth.Authenticator, fabric *events.Fabric, handler *delegate.Handler,
	frontend *webhook.Frontend, uiLog *uilog.Log, endpoints []webhook.Endpoint) *Server {
	s := &Server{
		auth:     a,
		fabric:   fabric,
		handler:  handler,
		frontend: frontend,
		uiLog:    uiLog,
		echo:     echo.New(),
	}

	e := s.echo
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/metrics", func(c *echo.Context) error {
		promhttp.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	// WebSocket endpoints carry credentials in the query string since
	// browser clients cannot set headers on the upgrade request.
	e.GET("/ws/delegate", s.delegateWSHandler)
	e.GET("/ws/ui", s.uiWSHandler)

	api := e.Group("/api", s.requireAuth)
	api.GET("/conversations/:id/uilog", s.getUILogHandler)
	api.POST("/conversations/:id/branch-change", s.branchChangeHandler)

	if frontend != nil {
		frontend.Register(e.Group("/webhooks"), endpoints)
	}
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

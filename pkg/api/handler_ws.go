package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/mcpl-dev/mcpld/pkg/delegate"
)

// delegateWSHandler upgrades a delegate connection and hands it to the
// protocol handler. Serve blocks until the WebSocket closes; delegateId
// validation and collision handling happen inside it, after the upgrade,
// so those failures arrive as close codes rather than HTTP statuses.
func (s *Server) delegateWSHandler(c *echo.Context) error {
	userID, err := s.credentialsFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	delegateID := c.QueryParam("delegateId")
	if delegateID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "delegateId is required")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.handler.Serve(c.Request().Context(), delegate.NewWSConn(conn), userID, delegateID)
	return nil
}

// uiWSHandler upgrades a UI client connection and registers it with the
// event fabric. HandleConnection blocks until the WebSocket closes.
func (s *Server) uiWSHandler(c *echo.Context) error {
	userID, err := s.credentialsFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.fabric.HandleConnection(c.Request().Context(), conn, userID)
	return nil
}

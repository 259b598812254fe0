package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

type branchChangeRequest struct {
	MessageID    string `json:"messageId"`
	CheckpointID string `json:"checkpointId"`
}

// branchChangeHandler records an active-branch switch for a conversation.
// Appends are fire-and-forget, so this always acks once the input parses.
func (s *Server) branchChangeHandler(c *echo.Context) error {
	conversationID := c.Param("id")
	if conversationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	var req branchChangeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.MessageID == "" || req.CheckpointID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "messageId and checkpointId are required")
	}

	s.uiLog.AppendBranchChange(conversationID, req.MessageID, req.CheckpointID)
	return c.JSON(http.StatusOK, map[string]any{"recorded": true})
}

// getUILogHandler returns the branch-change history for a conversation.
func (s *Server) getUILogHandler(c *echo.Context) error {
	conversationID := c.Param("id")
	if conversationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	records, err := s.uiLog.Read(conversationID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read ui log")
	}
	return c.JSON(http.StatusOK, map[string]any{"records": records})
}

package webapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/convergecrm/wabridge/internal/session"
	"github.com/convergecrm/wabridge/pkg/common"
)

type startSessionPayload struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	CompanyID string `json:"company_id"`
	Name      string `json:"name"`
}

type sendMessagePayload struct {
	SessionID     string `json:"session_id"`
	To            string `json:"to"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) startSession(c echo.Context) error {
	var payload startSessionPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse session parameters", nil)
	}
	payload.ID = strings.TrimSpace(payload.ID)
	if payload.ID == "" {
		payload.ID = common.UUID()
	}
	sess, err := s.manager.Start(c.Request().Context(), session.StartRequest{
		SessionID: payload.ID,
		OwnerID:   payload.OwnerID,
		CompanyID: payload.CompanyID,
		Name:      payload.Name,
	})
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		return fail(c, http.StatusConflict, "SESSION_ALREADY_ACTIVE", "Session already has a live connection", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "SESSION_START_FAILED", "Failed to start session", err.Error())
	}
	return ok(c, sess)
}

func (s *Server) listSessions(c echo.Context) error {
	rows, err := s.manager.ListSessions(c.QueryParam("owner_id"))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query sessions", err.Error())
	}
	return ok(c, rows)
}

func (s *Server) sessionStatus(c echo.Context) error {
	sess, err := s.manager.Status(c.Param("id"))
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return fail(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query session", err.Error())
	}
	return ok(c, sess)
}

// stopSession closes the session. With ?logout=true the pairing is
// invalidated and the record removed; otherwise the device stays paired and
// the session can reconnect later.
func (s *Server) stopSession(c echo.Context) error {
	id := c.Param("id")
	if c.QueryParam("logout") == "true" {
		if err := s.manager.Logout(c.Request().Context(), id); err != nil {
			return fail(c, http.StatusInternalServerError, "SESSION_STOP_FAILED", "Failed to log session out", err.Error())
		}
		return ok(c, map[string]interface{}{"id": id, "logged_out": true})
	}
	if err := s.manager.Stop(c.Request().Context(), id); err != nil {
		return fail(c, http.StatusInternalServerError, "SESSION_STOP_FAILED", "Failed to stop session", err.Error())
	}
	return ok(c, map[string]interface{}{"id": id, "logged_out": false})
}

func (s *Server) reconnectSession(c echo.Context) error {
	id := c.Param("id")
	err := s.wd.ForceReconnect(c.Request().Context(), id)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return fail(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "RECONNECT_FAILED", "Failed to trigger reconnect", err.Error())
	}
	return ok(c, map[string]interface{}{"id": id})
}

func (s *Server) sendMessage(c echo.Context) error {
	var payload sendMessagePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse message parameters", nil)
	}
	payload.To = strings.TrimSpace(payload.To)
	if payload.SessionID == "" || payload.To == "" || payload.Content == "" {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "session_id, to and content are required", nil)
	}
	msg, err := s.manager.Send(c.Request().Context(), payload.SessionID, payload.To, payload.Content, payload.CorrelationID)
	switch {
	case errors.Is(err, session.ErrNotConnected):
		return fail(c, http.StatusConflict, "SESSION_NOT_CONNECTED", "Session is not connected", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "SEND_FAILED", "Failed to send message", err.Error())
	}
	return ok(c, msg)
}

func (s *Server) cleanupOrphans(c echo.Context) error {
	count := s.wd.CleanupOrphans(c.Request().Context())
	return ok(c, map[string]interface{}{"removed": count})
}

func (s *Server) stats(c echo.Context) error {
	stats := s.wd.Stats()
	return ok(c, map[string]interface{}{
		"watchdog": stats,
		"time":     time.Now(),
	})
}

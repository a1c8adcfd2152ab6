package webapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/convergecrm/wabridge/internal/domain"
	"github.com/convergecrm/wabridge/internal/ingest"
)

func (s *Server) listConversations(c echo.Context) error {
	query := s.db.Model(&domain.Conversation{}).Order("last_message_at desc")
	if sid := c.QueryParam("session_id"); sid != "" {
		query = query.Where("session_id = ?", sid)
	}
	if status := c.QueryParam("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	limit := parseLimit(c, 50, 200)
	var rows []domain.Conversation
	if err := query.Limit(limit).Find(&rows).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query conversations", err.Error())
	}
	return ok(c, rows)
}

// listMessages pages one conversation's history. The page is fetched
// newest-first below the cursor and returned oldest-first, the order a chat
// view renders. The next cursor is the oldest timestamp returned, and
// has_more is implied by a full page.
func (s *Server) listMessages(c echo.Context) error {
	conversationID := c.Param("id")
	limit := parseLimit(c, 50, 200)

	query := s.db.Model(&domain.Message{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at desc")
	if raw := c.QueryParam("cursor"); raw != "" {
		cursor, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fail(c, http.StatusBadRequest, "INVALID_CURSOR", "Cursor must be an RFC3339 timestamp", nil)
		}
		query = query.Where("created_at < ?", cursor)
	}

	var rows []domain.Message
	if err := query.Limit(limit).Find(&rows).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query messages", err.Error())
	}

	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	nextCursor := ""
	if len(rows) > 0 {
		nextCursor = rows[0].CreatedAt.Format(time.RFC3339Nano)
	}
	return ok(c, map[string]interface{}{
		"items":       rows,
		"has_more":    len(rows) == limit,
		"next_cursor": nextCursor,
	})
}

func (s *Server) markRead(c echo.Context) error {
	conv, err := s.ingestor.MarkRead(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ingest.ErrConversationNotFound):
		return fail(c, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "Conversation not found", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to mark conversation read", err.Error())
	}
	return ok(c, conv)
}

type conversationStatusPayload struct {
	Status string `json:"status"`
}

func (s *Server) setConversationStatus(c echo.Context) error {
	var payload conversationStatusPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse status parameters", nil)
	}
	conv, err := s.ingestor.SetStatus(c.Request().Context(), c.Param("id"), payload.Status)
	switch {
	case errors.Is(err, ingest.ErrConversationNotFound):
		return fail(c, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "Conversation not found", nil)
	case err != nil:
		return fail(c, http.StatusBadRequest, "INVALID_STATUS", "Failed to update conversation status", err.Error())
	}
	return ok(c, conv)
}

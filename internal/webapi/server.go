package webapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/convergecrm/wabridge/config"
	"github.com/convergecrm/wabridge/internal/ingest"
	"github.com/convergecrm/wabridge/internal/session"
	"github.com/convergecrm/wabridge/internal/watchdog"
)

// Server is the HTTP surface over the bridge: session lifecycle, message
// send, conversation queries, and watchdog operations.
type Server struct {
	cfg      config.WebConfig
	db       *gorm.DB
	manager  *session.Manager
	ingestor *ingest.Ingestor
	wd       *watchdog.Watchdog
	echo     *echo.Echo
}

func NewServer(cfg config.WebConfig, db *gorm.DB, manager *session.Manager, ingestor *ingest.Ingestor, wd *watchdog.Watchdog) *Server {
	s := &Server{
		cfg:      cfg,
		db:       db,
		manager:  manager,
		ingestor: ingestor,
		wd:       wd,
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}
	e.Use(middleware.Recover())
	e.Use(requestLogger)
	s.echo = e
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.echo.Group("/api")
	api.POST("/sessions", s.startSession)
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id/status", s.sessionStatus)
	api.DELETE("/sessions/:id", s.stopSession)
	api.POST("/sessions/:id/reconnect", s.reconnectSession)
	api.POST("/send-message", s.sendMessage)
	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/:id/messages", s.listMessages)
	api.POST("/conversations/:id/mark-read", s.markRead)
	api.POST("/conversations/:id/status", s.setConversationStatus)
	api.POST("/watchdog/cleanup", s.cleanupOrphans)
	api.GET("/stats", s.stats)
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	zap.L().Info("webapi: listening", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type jsonSerializer struct{}

func (jsonSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := jsoniter.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsonSerializer) Deserialize(c echo.Context, i interface{}) error {
	if err := jsoniter.NewDecoder(c.Request().Body).Decode(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		zap.L().Debug("webapi: request",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Int("status", c.Response().Status),
			zap.Duration("elapsed", time.Since(start)))
		return err
	}
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code": 0,
		"msg":  "ok",
		"data": data,
	})
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"code":   1,
		"error":  code,
		"msg":    message,
		"detail": detail,
	})
}

func parseLimit(c echo.Context, def, max int) int {
	raw := c.QueryParam("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/avolkov/mailhold/internal/database"
	"github.com/avolkov/mailhold/internal/release"
	"github.com/avolkov/mailhold/internal/watcher"
)

// Server is the JSON binding of the contracts the dashboard consumes:
// held-message listing, edit, release, discard, and watcher start/stop.
// The dashboard itself lives elsewhere.
type Server struct {
	echo   *echo.Echo
	engine *release.Engine
	sup    *watcher.Supervisor
	db     *database.DB
	logger *slog.Logger
}

// NewServer creates the API server and registers routes
func NewServer(engine *release.Engine, sup *watcher.Supervisor, db *database.DB, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		engine: engine,
		sup:    sup,
		db:     db,
		logger: logger.With("component", "api"),
	}

	e.GET("/api/messages", s.listHeld)
	e.POST("/api/messages/:id/edit", s.editMessage)
	e.POST("/api/messages/:id/release", s.releaseMessage)
	e.POST("/api/messages/:id/discard", s.discardMessage)
	e.POST("/api/accounts/:id/monitor/start", s.startMonitor)
	e.POST("/api/accounts/:id/monitor/stop", s.stopMonitor)
	e.GET("/api/heartbeats", s.listHeartbeats)

	return s
}

// Start serves until Shutdown is called
func (s *Server) Start(addr string) error {
	s.logger.Info("api listening", "addr", addr)
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) listHeld(c echo.Context) error {
	var accountID *int64
	if raw := c.QueryParam("account_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errBody("invalid account_id"))
		}
		accountID = &id
	}

	summaries, err := s.engine.ListHeld(c.Request().Context(), accountID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": summaries})
}

type editRequest struct {
	Subject  *string `json:"subject"`
	BodyText *string `json:"body_text"`
	BodyHTML *string `json:"body_html"`
	Notes    *string `json:"notes"`
}

func (s *Server) editMessage(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid id"))
	}

	var req editRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid body"))
	}

	if err := s.engine.Edit(c.Request().Context(), id, req.Subject, req.BodyText, req.BodyHTML, req.Notes); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, okBody())
}

type releaseRequest struct {
	TargetFolder     string  `json:"target_folder"`
	Subject          *string `json:"subject"`
	BodyText         *string `json:"body_text"`
	StripAttachments bool    `json:"strip_attachments"`
}

func (s *Server) releaseMessage(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid id"))
	}

	var req releaseRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid body"))
	}

	result, err := s.engine.Release(c.Request().Context(), release.ReleaseRequest{
		MessageID:        id,
		TargetFolder:     req.TargetFolder,
		Subject:          req.Subject,
		BodyText:         req.BodyText,
		StripAttachments: req.StripAttachments,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":                  true,
		"released_to":         result.ReleasedTo,
		"outgoing_message_id": result.OutgoingMessageID,
		"attachments_removed": result.AttachmentsRemoved,
	})
}

func (s *Server) discardMessage(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid id"))
	}
	if err := s.engine.Discard(c.Request().Context(), id); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, okBody())
}

func (s *Server) startMonitor(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid id"))
	}
	if err := s.sup.Start(c.Request().Context(), id); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, okBody())
}

func (s *Server) stopMonitor(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid id"))
	}
	if err := s.sup.Stop(c.Request().Context(), id); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, okBody())
}

func (s *Server) listHeartbeats(c echo.Context) error {
	hbs, err := s.db.ListHeartbeats(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"heartbeats": hbs})
}

// fail maps engine errors onto distinct status codes so a retrying caller can
// tell "already handled" from "needs retry" from "data problem"
func (s *Server) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return c.JSON(http.StatusNotFound, errBody("not found"))
	case errors.Is(err, database.ErrNotHeld):
		return c.JSON(http.StatusConflict, errBody("message is not held"))
	case errors.Is(err, release.ErrRawMissing):
		return c.JSON(http.StatusUnprocessableEntity, errBody("raw payload missing"))
	case errors.Is(err, release.ErrAppendFailed):
		return c.JSON(http.StatusBadGateway, errBody("delivery failed, retry later"))
	default:
		s.logger.Error("request failed", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, errBody("internal error"))
	}
}

func pathID(c echo.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}

func okBody() map[string]interface{} {
	return map[string]interface{}{"ok": true}
}

func errBody(msg string) map[string]interface{} {
	return map[string]interface{}{"ok": false, "error": msg}
}

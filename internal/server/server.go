// Package server exposes digests and the chat service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ryosukesatoh/daily-digest/internal/chat"
	"github.com/ryosukesatoh/daily-digest/internal/digest"
	"github.com/ryosukesatoh/daily-digest/internal/storage"
)

// Asker answers chat questions.
type Asker interface {
	Ask(ctx context.Context, req chat.Request) (chat.Response, error)
}

type Server struct {
	addr   string
	echo   *echo.Echo
	asker  Asker
	store  storage.Store
	logger *slog.Logger
}

func New(addr string, asker Asker, store storage.Store, logger *slog.Logger) *Server {
	s := &Server{
		addr:   addr,
		echo:   echo.New(),
		asker:  asker,
		store:  store,
		logger: logger.With("component", "server"),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			p := c.Request().URL.Path
			return p == "/healthz" || p == "/metrics"
		},
		LogStatus:   true,
		LogURI:      true,
		LogError:    true,
		LogMethod:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds()}
			if v.Error != nil {
				s.logger.Error("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Info("request completed", attrs...)
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())

	s.echo.GET("/healthz", s.health)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	api := s.echo.Group("/api")
	api.POST("/chat", s.chat)
	api.GET("/digests/:source/:date", s.digest)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.addr)
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) chat(c echo.Context) error {
	var req chat.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "bad_request", Message: "invalid JSON body"})
	}

	resp, err := s.asker.Ask(c.Request().Context(), req)
	if err != nil {
		status, body := mapChatError(err)
		body.SessionID = resp.SessionID
		if status == http.StatusInternalServerError {
			s.logger.Error("chat failed", "source", req.SourceKey, "date", req.Date, "error", err)
		}
		return c.JSON(status, body)
	}
	return c.JSON(http.StatusOK, resp)
}

// mapChatError converts a chat error into a status and stable error code.
func mapChatError(err error) (int, errorBody) {
	switch {
	case errors.Is(err, chat.ErrInvalidRequest):
		return http.StatusBadRequest, errorBody{Error: "bad_request", Message: err.Error()}
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "not_found", Message: "no digest for that source and date"}
	case errors.Is(err, chat.ErrInsufficientContext):
		return http.StatusUnprocessableEntity, errorBody{Error: "insufficient_context", Message: "the digest does not cover that question"}
	case errors.Is(err, chat.ErrLLMUnavailable):
		return http.StatusServiceUnavailable, errorBody{Error: "llm_unavailable", Message: "the language model is unavailable, try again later"}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"}
	}
}

func (s *Server) digest(c echo.Context) error {
	source, date := c.Param("source"), c.Param("date")
	if _, err := time.Parse(digest.DateLayout, date); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "bad_request", Message: "date must be YYYY-MM-DD"})
	}

	data, err := s.store.Get(c.Request().Context(), storage.DigestKey(source, date))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Error: "not_found"})
	case err != nil:
		s.logger.Error("failed to read digest", "source", source, "date", date, "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal"})
	}
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", data)
}

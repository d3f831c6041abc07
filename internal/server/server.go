package server

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/micbridge/micbridge/internal/config"
	"github.com/micbridge/micbridge/internal/ingest"
)

//go:embed web/bridge.html
var bridgeHTML []byte

// Server exposes the relay over HTTP: audio ingest, literal-token ingest,
// polling, health and the browser recorder page.
type Server struct {
	cfg       config.HTTPConfig
	ingest    *ingest.Service
	modelName string
	modelOK   func() bool
	vocabSize int
	start     time.Time
	echo      *echo.Echo
	log       *slog.Logger
}

func New(cfg config.HTTPConfig, svc *ingest.Service, modelName string, modelOK func() bool,
	vocabSize int, log *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		ingest:    svc,
		modelName: modelName,
		modelOK:   modelOK,
		vocabSize: vocabSize,
		start:     time.Now(),
		log:       log.With(slog.String("component", "http-server")),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency))
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))
	s.registerRoutes(e)
	s.echo = e
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	if err := s.echo.Start(s.Addr()); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// errorHandler keeps the wire format uniform: failures are always
// {ok:false, detail}.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	detail := "server_error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", slog.String("error", err.Error()))
	}
	_ = c.JSON(status, map[string]any{"ok": false, "detail": detail})
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/canvasmate/internal/broadcast"
	"github.com/canvasmate/internal/drawing"
	"github.com/canvasmate/internal/pipeline"
)

const shutdownTimeout = 10 * time.Second

// ChatProcessor answers a free-form chat message with drawing tool calls.
type ChatProcessor interface {
	ProcessMessage(ctx context.Context, message string) *drawing.ChatResponse
}

// CanvasClearer resets an external drawing backend.
type CanvasClearer interface {
	ClearCanvas(ctx context.Context) error
}

// Deps are the components the HTTP surface delegates to. Chat and Drawing
// are optional.
type Deps struct {
	Orchestrator   *pipeline.Orchestrator
	Hub            *broadcast.Hub
	Chat           ChatProcessor
	Drawing        CanvasClearer
	DefaultBoardID string
}

// Options tune the HTTP server.
type Options struct {
	Port         int
	BodyLimit    string
	AllowOrigins []string
}

// Server represents the API server
type Server struct {
	echo *echo.Echo
	port int
	deps Deps
}

// NewServer creates a new API server
func NewServer(deps Deps, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handleError

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := log.Info()
			if v.Error != nil {
				event = log.Warn().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	if len(opts.AllowOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: opts.AllowOrigins}))
	} else {
		e.Use(middleware.CORS())
	}
	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}

	if deps.DefaultBoardID == "" {
		deps.DefaultBoardID = "default"
	}

	server := &Server{
		echo: e,
		port: opts.Port,
		deps: deps,
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)

	s.echo.POST("/analyze", s.analyze)
	s.echo.POST("/turn", s.turn)
	s.echo.POST("/chat", s.chat)
	s.echo.GET("/board", s.board)
	s.echo.POST("/clear", s.clear)
	s.echo.GET("/ws", s.websocket)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is done. Viewers are disconnected before the HTTP
// server drains.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", s.port).Msg("canvasmate API listening")
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down API server")
		if s.deps.Hub != nil {
			s.deps.Hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Package httpapi serves the operator surface: health, command
// execution, route status and the recovery controls. The same echo
// instance doubles as the dispatch layer the route registry binds
// runtime routes into.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"regent/internal/backup"
	"regent/internal/bootstrap"
	"regent/internal/command"
	"regent/internal/recovery"
	"regent/internal/route"
	"regent/internal/storage"
)

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type Deps struct {
	Commands *command.Registry
	Routes   *route.Registry
	Recovery *recovery.Orchestrator
	Backups  *backup.Manager
	ExecLog  storage.Store
	Journal  *recovery.Log
	Gen      *bootstrap.Generator
}

type Server struct {
	e       *echo.Echo
	log     *slog.Logger
	cfg     Config
	deps    Deps
	started time.Time
}

func New(deps Deps, cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		e:       e,
		log:     log.With(slog.String("comp", "httpapi")),
		cfg:     cfg,
		deps:    deps,
		started: time.Now(),
	}
	s.e.Use(s.requestLog)
	s.mount()
	return s
}

// Echo exposes the dispatch layer for runtime route registration.
func (s *Server) Echo() *echo.Echo { return s.e }

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.log.Debug("request",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Request().URL.Path),
			slog.Int("status", c.Response().Status),
			slog.Duration("took", time.Since(start)))
		return err
	}
}

func (s *Server) mount() {
	s.e.GET("/health", s.handleHealth)
	s.e.GET("/health/detailed", s.handleHealthDetailed)
	s.e.POST("/health/diagnostic", s.handleDiagnostic)

	s.e.GET("/commands", s.handleListCommands)
	s.e.POST("/commands/execute", s.handleExecute)

	s.e.GET("/routes/status", s.handleRouteStatus)
	s.e.POST("/routes/repair", s.handleRouteRepair)

	s.e.POST("/recovery/system", s.handleRecoverySystem)
	s.e.GET("/recovery/status", s.handleRecoveryStatus)
	s.e.POST("/recovery/restore", s.handleRestore)
	s.e.GET("/recovery/backups", s.handleBackups)
	s.e.POST("/recovery/emergency/:procedure", s.handleEmergency)
	s.e.GET("/recovery/logs", s.handleLogs)
}

// Start serves in the background and returns once the listener fails
// or is shut down.
func (s *Server) Start() error {
	s.log.Info("operator api listening", slog.String("addr", s.cfg.Addr))
	err := s.e.Start(s.cfg.Addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.e.Shutdown(ctx)
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, command.ErrNotFound), errors.Is(err, route.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, route.ErrConflict),
		errors.Is(err, route.ErrImmutable),
		errors.Is(err, command.ErrImmutable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errJSON(c echo.Context, err error) error {
	return c.JSON(statusOf(err), map[string]any{"error": err.Error()})
}

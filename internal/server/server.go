// Package server provides the read-only storygate status API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storygate/internal/drift"
	"github.com/fyrsmithlabs/storygate/internal/fsutil"
	"github.com/fyrsmithlabs/storygate/internal/gate"
	"github.com/fyrsmithlabs/storygate/internal/lock"
	"github.com/fyrsmithlabs/storygate/internal/rollback"
	"github.com/fyrsmithlabs/storygate/internal/snapshot"
)

// LockStatus reports live locks.
type LockStatus interface {
	Status(ctx context.Context) (*lock.Status, error)
}

// SnapshotLister lists current snapshots.
type SnapshotLister interface {
	List(ctx context.Context) ([]snapshot.Summary, error)
}

// LedgerReader reads gate ledgers.
type LedgerReader interface {
	Ledger(ctx context.Context, storyID string) (gate.Ledger, error)
}

// DriftLister lists persisted drift reports.
type DriftLister interface {
	List(ctx context.Context, storyID string) ([]*drift.Report, error)
}

// RollbackLister lists rollback logs.
type RollbackLister interface {
	List(ctx context.Context, storyID string) ([]*rollback.Log, error)
}

// Sources are the stores the API reads from.
type Sources struct {
	Locks     LockStatus
	Snapshots SnapshotLister
	Gates     LedgerReader
	Drift     DriftLister
	Rollbacks RollbackLister
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides HTTP endpoints for storygate state.
type Server struct {
	echo    *echo.Echo
	sources Sources
	logger  *zap.Logger
	config  *Config
}

// NewServer creates a new HTTP server.
func NewServer(sources Sources, logger *zap.Logger, cfg *Config) (*Server, error) {
	if sources.Locks == nil || sources.Snapshots == nil || sources.Gates == nil ||
		sources.Drift == nil || sources.Rollbacks == nil {
		return nil, fmt.Errorf("all sources are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9797,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		sources: sources,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/locks", s.handleLocks)
	v1.GET("/snapshots", s.handleSnapshots)

	story := v1.Group("/stories/:id", validStory)
	story.GET("/gates", s.handleGates)
	story.GET("/drift", s.handleDrift)
	story.GET("/rollbacks", s.handleRollbacks)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// LocksResponse is the response body for GET /api/v1/locks.
type LocksResponse struct {
	ActiveLocks []*lock.Lock `json:"activeLocks"`
	StaleCount  int          `json:"staleCount"`
}

func validStory(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !fsutil.SafeName(c.Param("id")) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid story id")
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleLocks(c echo.Context) error {
	st, err := s.sources.Locks.Status(c.Request().Context())
	if err != nil {
		return s.internalError("lock status", err)
	}
	return c.JSON(http.StatusOK, LocksResponse{ActiveLocks: st.ActiveLocks, StaleCount: st.StaleCount})
}

func (s *Server) handleSnapshots(c echo.Context) error {
	list, err := s.sources.Snapshots.List(c.Request().Context())
	if err != nil {
		return s.internalError("snapshot list", err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGates(c echo.Context) error {
	ledger, err := s.sources.Gates.Ledger(c.Request().Context(), c.Param("id"))
	if errors.Is(err, gate.ErrNoLedger) {
		return echo.NewHTTPError(http.StatusNotFound, "no gate results for story")
	}
	if err != nil {
		return s.internalError("gate ledger", err)
	}
	return c.JSON(http.StatusOK, ledger)
}

func (s *Server) handleDrift(c echo.Context) error {
	reports, err := s.sources.Drift.List(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.internalError("drift reports", err)
	}
	return c.JSON(http.StatusOK, reports)
}

func (s *Server) handleRollbacks(c echo.Context) error {
	logs, err := s.sources.Rollbacks.List(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.internalError("rollback logs", err)
	}
	return c.JSON(http.StatusOK, logs)
}

func (s *Server) internalError(what string, err error) error {
	s.logger.Error("request failed", zap.String("source", what), zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, what+" unavailable")
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

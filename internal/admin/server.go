// Package admin serves the operator HTTP surface: health, Prometheus
// metrics and conversation export.
package admin

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"parley/internal/config"
	"parley/internal/memory"
)

// StatusFunc reports component state for /healthz.
type StatusFunc func() map[string]any

// Server is the admin HTTP server.
type Server struct {
	echo   *echo.Echo
	addr   string
	store  memory.Store
	status StatusFunc
	logger *zap.Logger
}

// NewServer wires the admin routes. metrics may be nil to omit /metrics.
func NewServer(cfg config.AdminConfig, store memory.Store, metrics http.Handler, status StatusFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		echo:   echo.New(),
		addr:   cfg.Addr,
		store:  store,
		status: status,
		logger: logger.Named("admin"),
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	e.GET("/healthz", s.health)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
	e.GET("/conversations/:key/export", s.export)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin listening", zap.String("addr", s.addr))
		errCh <- s.echo.Start(s.addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (s *Server) health(c echo.Context) error {
	body := map[string]any{"status": "ok"}
	if s.status != nil {
		for k, v := range s.status() {
			body[k] = v
		}
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) export(c echo.Context) error {
	key, err := url.PathUnescape(c.Param("key"))
	if err != nil || key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid conversation key")
	}

	ctx := c.Request().Context()
	conv, err := s.store.FindByKey(ctx, key)
	if errors.Is(err, memory.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		s.logger.Error("find conversation", zap.String("key", key), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	snap, err := s.store.Export(ctx, conv.ID)
	if err != nil {
		s.logger.Error("export conversation", zap.String("key", key), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, snap)
}

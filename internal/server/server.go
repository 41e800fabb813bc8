// Package server is the operator-facing HTTP API. It exposes the device
// inventory, threat-intel statistics, playbook management, the latest
// health score, and a liveness endpoint backed by the scheduler's view
// of every background service.
package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/orion-sentinel/netsec/internal/device"
	"github.com/orion-sentinel/netsec/internal/health"
	"github.com/orion-sentinel/netsec/internal/intel"
	"github.com/orion-sentinel/netsec/internal/playbook"
	"github.com/orion-sentinel/netsec/internal/scheduler"
)

// DeviceDirectory is the slice of the device store the API needs.
type DeviceDirectory interface {
	List(ctx context.Context, f device.Filter) ([]device.Device, error)
	Get(ctx context.Context, id string) (device.Device, error)
	AddTag(ctx context.Context, id, tag string) error
	RemoveTag(ctx context.Context, id, tag string) error
	SetOwner(ctx context.Context, id, owner string) error
	SetType(ctx context.Context, id string, t device.DeviceType) error
	Delete(ctx context.Context, id string) error
}

// IntelStatter reports aggregate threat-intel store statistics.
type IntelStatter interface {
	Stats(ctx context.Context) (intel.Stats, error)
}

// PlaybookManager exposes the active playbook set and hot reload.
type PlaybookManager interface {
	Load() error
	Playbooks() []playbook.Playbook
}

// ScoreReader returns the most recently computed health snapshot.
type ScoreReader interface {
	LastSnapshot() (health.Snapshot, bool)
}

// ServiceReporter is the scheduler's health view of background services.
type ServiceReporter interface {
	Snapshot() []scheduler.ServiceHealth
	Healthy() bool
}

// Config holds the HTTP listener settings.
type Config struct {
	Listen string
}

// Server wraps the echo instance and its listener lifecycle.
type Server struct {
	echo   *echo.Echo
	listen string
	logger *zap.Logger
}

// New builds the echo instance, installs middleware, and registers all
// handlers. It does not start listening.
func New(cfg Config, devices DeviceDirectory, stats IntelStatter, playbooks PlaybookManager, scores ScoreReader, services ServiceReporter, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("sentineld"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	NewDeviceHandler(devices).Register(e)
	NewSystemHandler(stats, playbooks, scores, services).Register(e)

	return &Server{echo: e, listen: cfg.Listen, logger: logger}
}

// Start blocks serving HTTP until Shutdown is called or the listener
// fails. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("admin API listening", zap.String("addr", s.listen))
	if err := s.echo.Start(s.listen); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

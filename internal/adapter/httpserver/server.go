// Package httpserver is the echo ingress: the websocket connect route, POST /publish,
// health endpoints, version and metrics.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/subpool/internal/adapter/metrics"
	ws "github.com/pscheid92/subpool/internal/adapter/websocket"
	"github.com/pscheid92/subpool/internal/app"
	"github.com/pscheid92/subpool/internal/domain"
	"github.com/pscheid92/subpool/internal/platform/config"
	"github.com/pscheid92/subpool/internal/protocol"
)

type appService interface {
	AuthorizePublish(r *http.Request) bool
	AuthorizeConnect(r *http.Request) bool
	Connect(ctx context.Context, r *http.Request, t protocol.Transport, onClosed func()) (string, error)
	Publish(ctx context.Context, event domain.Event) error
	Status() app.Status
}

// Deps are the collaborators of the server besides the app service.
// Nil metrics are replaced by metrics on a private registry.
type Deps struct {
	Upgrader     *ws.Upgrader
	Limits       *ws.Limits
	HealthChecks []HealthCheck
	Registry     *prometheus.Registry
	HTTPMetrics  *metrics.HTTPMetrics
	WSMetrics    *metrics.WebSocketMetrics
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	app    appService

	upgrader     *ws.Upgrader
	limits       *ws.Limits
	healthChecks []HealthCheck
	registry     *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	wsMetrics    *metrics.WebSocketMetrics
	startTime    time.Time
}

func NewServer(cfg *config.Config, app appService, deps Deps) (*Server, error) {
	if deps.Upgrader == nil || deps.Limits == nil {
		return nil, errors.New("httpserver: upgrader and connection limits are required")
	}
	if deps.HTTPMetrics == nil || deps.WSMetrics == nil {
		reg := prometheus.NewRegistry()
		if deps.HTTPMetrics == nil {
			deps.HTTPMetrics = metrics.NewHTTPMetrics(reg)
		}
		if deps.WSMetrics == nil {
			deps.WSMetrics = metrics.NewWebSocketMetrics(reg)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		app:          app,
		upgrader:     deps.Upgrader,
		limits:       deps.Limits,
		healthChecks: deps.HealthChecks,
		registry:     deps.Registry,
		httpMetrics:  deps.HTTPMetrics,
		wsMetrics:    deps.WSMetrics,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests. Hijacked websocket connections are not
// tracked by echo; the pools close those.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

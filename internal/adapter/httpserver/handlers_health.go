package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/subpool/internal/app"
	"github.com/pscheid92/subpool/internal/platform/version"
)

const (
	startupCheckTimeout   = 2 * time.Second
	readinessCheckTimeout = 5 * time.Second
)

// HealthCheck is a named dependency check: the store, Redis, Kafka.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type readyResponse struct {
	State string `json:"status"`
	app.Status
}

type unhealthyResponse struct {
	Status      string `json:"status"`
	FailedCheck string `json:"failed_check"`
	Error       string `json:"error"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

// handleStartup passes once every dependency answered; it ignores draining.
func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupCheckTimeout)
	defer cancel()

	if name, err := s.failingCheck(ctx); err != nil {
		return writeHealth(c, http.StatusServiceUnavailable, unhealthyResponse{Status: "unhealthy", FailedCheck: name, Error: err.Error()})
	}
	return writeHealth(c, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleLiveness(c echo.Context) error {
	return writeHealth(c, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

// handleReadiness takes the instance out of rotation while it drains, so no new
// sockets land on pools that are about to close.
func (s *Server) handleReadiness(c echo.Context) error {
	status := s.app.Status()
	if !status.Accepting {
		return writeHealth(c, http.StatusServiceUnavailable, readyResponse{State: "draining", Status: status})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessCheckTimeout)
	defer cancel()

	if name, err := s.failingCheck(ctx); err != nil {
		return writeHealth(c, http.StatusServiceUnavailable, unhealthyResponse{Status: "unhealthy", FailedCheck: name, Error: err.Error()})
	}
	return writeHealth(c, http.StatusOK, readyResponse{State: "ready", Status: status})
}

// failingCheck runs the checks in order and returns the first failure.
func (s *Server) failingCheck(ctx context.Context) (string, error) {
	for _, hc := range s.healthChecks {
		if err := hc.Check(ctx); err != nil {
			return hc.Name, err
		}
	}
	return "", nil
}

func (s *Server) handleVersion(c echo.Context) error {
	return writeHealth(c, http.StatusOK, version.Get())
}

func writeHealth(c echo.Context, code int, body any) error {
	if err := c.JSON(code, body); err != nil {
		return fmt.Errorf("failed to write %s response: %w", c.Path(), err)
	}
	return nil
}

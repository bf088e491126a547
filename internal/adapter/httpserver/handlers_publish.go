package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/subpool/internal/domain"
	apperrors "github.com/pscheid92/subpool/internal/platform/errors"
)

const maxPublishBodyBytes = 1 << 20

type publishRequest struct {
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
}

// handlePublish accepts an event for fan-out. The response only acknowledges
// acceptance; delivery happens in the background.
func (s *Server) handlePublish(c echo.Context) error {
	r := c.Request()
	if !s.app.AuthorizePublish(r) {
		return apperrors.UnauthorizedError("not authorized to publish")
	}

	var req publishRequest
	body := http.MaxBytesReader(c.Response(), r.Body, maxPublishBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.ValidationError("malformed body")
	}
	if req.Topic == "" {
		return apperrors.ValidationError("missing topic")
	}

	if err := s.app.Publish(r.Context(), domain.Event{Topic: req.Topic, Payload: req.Payload}); err != nil {
		return fmt.Errorf("publish %q: %w", req.Topic, err)
	}

	if err := c.String(http.StatusOK, "ok"); err != nil {
		return fmt.Errorf("failed to write publish response: %w", err)
	}
	return nil
}

package httpserver

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	ws "github.com/pscheid92/subpool/internal/adapter/websocket"
	apperrors "github.com/pscheid92/subpool/internal/platform/errors"
)

const rejectWriteWait = time.Second

func (s *Server) handleConnect(c echo.Context) error {
	r := c.Request()
	if !ws.IsUpgradeRequest(r) {
		s.wsMetrics.RejectedUpgrades.WithLabelValues("not_upgrade").Inc()
		c.Response().Header().Set("Upgrade", "websocket")
		return echo.NewHTTPError(http.StatusUpgradeRequired, "websocket upgrade required")
	}

	if !s.app.AuthorizeConnect(r) {
		s.wsMetrics.RejectedUpgrades.WithLabelValues("unauthorized").Inc()
		return apperrors.UnauthorizedError("not authorized to connect")
	}

	ip := c.RealIP()
	ok, reason := s.limits.Acquire(ip)
	if !ok {
		s.wsMetrics.RejectedUpgrades.WithLabelValues(string(reason)).Inc()
		if reason == ws.LimitReasonRate {
			return apperrors.RateLimitedError("too many connection attempts").WithContext("ip", ip)
		}
		return apperrors.UnavailableError("connection limit reached", nil).WithContext("reason", string(reason))
	}

	conn, err := s.upgrader.Upgrade(c.Response(), r)
	if err != nil {
		s.limits.Release(ip)
		label := "handshake"
		if errors.Is(err, ws.ErrSubprotocol) {
			label = "subprotocol"
		}
		s.wsMetrics.RejectedUpgrades.WithLabelValues(label).Inc()
		slog.DebugContext(r.Context(), "WebSocket upgrade failed", "error", err)
		// The response is already written or hijacked.
		return nil
	}

	id, err := s.app.Connect(r.Context(), r, conn, func() { s.limits.Release(ip) })
	if err != nil {
		msg := gorillaws.FormatCloseMessage(gorillaws.CloseTryAgainLater, "Try again later")
		_ = conn.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(rejectWriteWait))
		_ = conn.Close()
		s.limits.Release(ip)
		s.wsMetrics.RejectedUpgrades.WithLabelValues("pool").Inc()
		slog.WarnContext(r.Context(), "Connection rejected after upgrade", "ip", ip, "error", err)
		return nil
	}

	slog.DebugContext(r.Context(), "Connection accepted", "connection_id", id, "ip", ip)
	return nil
}

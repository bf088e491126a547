package httpserver

import (
	"context"
	"net/http"
	"testing"

	"github.com/jonboulle/clockwork"
	ws "github.com/pscheid92/subpool/internal/adapter/websocket"
	"github.com/pscheid92/subpool/internal/app"
	"github.com/pscheid92/subpool/internal/domain"
	"github.com/pscheid92/subpool/internal/platform/config"
	"github.com/pscheid92/subpool/internal/protocol"
	"github.com/stretchr/testify/require"
)

type mockAppService struct {
	authorizePublishFn func(r *http.Request) bool
	authorizeConnectFn func(r *http.Request) bool
	connectFn          func(ctx context.Context, r *http.Request, t protocol.Transport, onClosed func()) (string, error)
	publishFn          func(ctx context.Context, event domain.Event) error
	statusFn           func() app.Status
}

func (m *mockAppService) AuthorizePublish(r *http.Request) bool {
	if m.authorizePublishFn != nil {
		return m.authorizePublishFn(r)
	}
	return true
}

func (m *mockAppService) AuthorizeConnect(r *http.Request) bool {
	if m.authorizeConnectFn != nil {
		return m.authorizeConnectFn(r)
	}
	return true
}

func (m *mockAppService) Connect(ctx context.Context, r *http.Request, t protocol.Transport, onClosed func()) (string, error) {
	if m.connectFn != nil {
		return m.connectFn(ctx, r, t, onClosed)
	}
	return "conn-1", nil
}

func (m *mockAppService) Publish(ctx context.Context, event domain.Event) error {
	if m.publishFn != nil {
		return m.publishFn(ctx, event)
	}
	return nil
}

func (m *mockAppService) Status() app.Status {
	if m.statusFn != nil {
		return m.statusFn()
	}
	return app.Status{Accepting: true}
}

type testServerOption func(*Deps)

func withHealthChecks(checks ...HealthCheck) testServerOption {
	return func(d *Deps) { d.HealthChecks = checks }
}

func withLimits(l *ws.Limits) testServerOption {
	return func(d *Deps) { d.Limits = l }
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:           "development",
		Port:             "0",
		ConnectPath:      "/graphql",
		PublishPath:      "/publish",
		PublishRateLimit: 1000,
		PublishRateBurst: 1000,
	}
}

func newTestServer(t *testing.T, app appService, opts ...testServerOption) *Server {
	t.Helper()
	deps := Deps{
		Upgrader: ws.NewUpgrader(nil),
		Limits:   ws.NewLimits(clockwork.NewFakeClock(), 100, 10, 1000, 1000),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv, err := NewServer(testConfig(), app, deps)
	require.NoError(t, err)
	return srv
}

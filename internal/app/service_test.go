package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/subpool/internal/adapter/memory"
	"github.com/pscheid92/subpool/internal/adapter/metrics"
	"github.com/pscheid92/subpool/internal/domain"
	"github.com/pscheid92/subpool/internal/fanout"
	"github.com/pscheid92/subpool/internal/platform/correlation"
	"github.com/pscheid92/subpool/internal/pool"
	"github.com/pscheid92/subpool/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	publishFn func(ctx context.Context, event domain.Event) (fanout.Report, error)
}

func (m *mockPublisher) Publish(ctx context.Context, event domain.Event) (fanout.Report, error) {
	if m.publishFn != nil {
		return m.publishFn(ctx, event)
	}
	return fanout.Report{}, nil
}

type mockConnector struct {
	connectFn func(ctx context.Context, r *http.Request, t protocol.Transport, onClosed func()) (string, error)
}

func (m *mockConnector) Connect(ctx context.Context, r *http.Request, t protocol.Transport, onClosed func()) (string, error) {
	if m.connectFn != nil {
		return m.connectFn(ctx, r, t, onClosed)
	}
	return "conn-1", nil
}

type mockSweeper struct {
	mu            sync.Mutex
	listPoolsFn   func(ctx context.Context) ([]string, error)
	deleteByPool  map[string]int64
	deleteErrPool string
	deleted       []string
}

func (m *mockSweeper) ListPools(ctx context.Context) ([]string, error) {
	return m.listPoolsFn(ctx)
}

func (m *mockSweeper) DeleteByPool(_ context.Context, poolID string, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if poolID == m.deleteErrPool {
		return 0, errors.New("delete failed")
	}
	m.deleted = append(m.deleted, poolID)
	return m.deleteByPool[poolID], nil
}

func (m *mockSweeper) deletedPools() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

type directoryFunc func(ctx context.Context, poolID string) (bool, error)

func (f directoryFunc) PoolAlive(ctx context.Context, poolID string) (bool, error) {
	return f(ctx, poolID)
}

func TestPublish_MissingTopic(t *testing.T) {
	called := false
	svc := NewService(Options{Publisher: &mockPublisher{publishFn: func(context.Context, domain.Event) (fanout.Report, error) {
		called = true
		return fanout.Report{}, nil
	}}})
	defer svc.Stop()

	err := svc.Publish(context.Background(), domain.Event{Payload: map[string]any{"a": 1}})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.PublishSync(context.Background(), domain.Event{})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, called)
}

func TestPublish_RunsDetachedFromRequest(t *testing.T) {
	got := make(chan context.Context, 1)
	svc := NewService(Options{
		PublishTimeout: time.Minute,
		Publisher: &mockPublisher{publishFn: func(ctx context.Context, event domain.Event) (fanout.Report, error) {
			assert.Equal(t, "GREETINGS", event.Topic)
			got <- ctx
			return fanout.Report{Matched: 1, Pools: 1}, nil
		}},
	})
	defer svc.Stop()

	reqCtx, cancel := context.WithCancel(correlation.WithID(context.Background(), "req00001"))
	require.NoError(t, svc.Publish(reqCtx, domain.Event{Topic: "GREETINGS"}))
	cancel()

	select {
	case ctx := <-got:
		id, ok := correlation.ID(ctx)
		assert.True(t, ok)
		assert.Equal(t, "req00001", id)
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
	case <-time.After(2 * time.Second):
		t.Fatal("publish never ran")
	}
}

func TestPublishSync_ReturnsReportAndError(t *testing.T) {
	storeErr := errors.New("down")
	svc := NewService(Options{Publisher: &mockPublisher{publishFn: func(context.Context, domain.Event) (fanout.Report, error) {
		return fanout.Report{Subscriptions: 3}, storeErr
	}}})
	defer svc.Stop()

	report, err := svc.PublishSync(context.Background(), domain.Event{Topic: "T"})
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, 3, report.Subscriptions)
}

func TestStop_WaitsForAcceptedPublishes(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	svc := NewService(Options{Publisher: &mockPublisher{publishFn: func(context.Context, domain.Event) (fanout.Report, error) {
		<-release
		close(finished)
		return fanout.Report{}, nil
	}}})

	require.NoError(t, svc.Publish(context.Background(), domain.Event{Topic: "T"}))

	stopped := make(chan struct{})
	go func() {
		svc.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the publish finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped
	select {
	case <-finished:
	default:
		t.Fatal("publish did not finish")
	}

	assert.ErrorIs(t, svc.Publish(context.Background(), domain.Event{Topic: "T"}), ErrStopped)
	_, err := svc.Connect(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil), nil, nil)
	assert.ErrorIs(t, err, domain.ErrConnectionRejected)
}

func TestConnect_Delegates(t *testing.T) {
	svc := NewService(Options{Connector: &mockConnector{connectFn: func(_ context.Context, r *http.Request, _ protocol.Transport, _ func()) (string, error) {
		assert.Equal(t, "/graphql", r.URL.Path)
		return "abc", nil
	}}})
	defer svc.Stop()

	id, err := svc.Connect(context.Background(), httptest.NewRequest(http.MethodGet, "/graphql", nil), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
}

func TestAuthorize_DefaultsAllow(t *testing.T) {
	svc := NewService(Options{})
	defer svc.Stop()

	r := httptest.NewRequest(http.MethodPost, "/publish", nil)
	assert.True(t, svc.AuthorizePublish(r))
	assert.True(t, svc.AuthorizeConnect(r))
}

func TestAuthorize_UsesHooks(t *testing.T) {
	svc := NewService(Options{Hooks: Hooks{
		IsPublishAuthorized: BearerToken("pub"),
		IsConnectAuthorized: func(r *http.Request) bool { return r.URL.Query().Get("key") == "k" },
	}})
	defer svc.Stop()

	r := httptest.NewRequest(http.MethodPost, "/publish?key=k", nil)
	assert.False(t, svc.AuthorizePublish(r))
	assert.True(t, svc.AuthorizeConnect(r))

	r.Header.Set("Authorization", "Bearer pub")
	assert.True(t, svc.AuthorizePublish(r))
}

func TestSweepOrphans_DeletesDeadPoolsOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPoolMetrics(reg)
	sweeper := &mockSweeper{
		listPoolsFn: func(context.Context) ([]string, error) {
			return []string{"live:default", "dead:default", "unknown:default", "broken:default"}, nil
		},
		deleteByPool:  map[string]int64{"dead:default": 4},
		deleteErrPool: "broken:default",
	}
	dir := directoryFunc(func(_ context.Context, poolID string) (bool, error) {
		switch poolID {
		case "live:default":
			return true, nil
		case "unknown:default":
			return false, errors.New("redis down")
		default:
			return false, nil
		}
	})

	svc := NewService(Options{Sweeper: sweeper, Directory: dir, Metrics: m})
	defer svc.Stop()

	deleted, err := svc.SweepOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
	assert.Equal(t, []string{"dead:default"}, sweeper.deletedPools())
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.OrphanPoolsSwept), 0)
}

func TestSweepOrphans_KeepsRowsOfRestartedPool(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := memory.NewSubscriptionStore(clock)
	ctx := context.Background()
	row := func(conn string) domain.Subscription {
		return domain.Subscription{ID: "1", PoolID: "restarted:default", ConnectionID: conn, Topic: "GREETINGS"}
	}
	require.NoError(t, store.Insert(ctx, row("old")))
	clock.Advance(time.Second)

	// The pool comes back after its liveness was read as dead.
	dir := directoryFunc(func(ctx context.Context, _ string) (bool, error) {
		clock.Advance(time.Second)
		require.NoError(t, store.Insert(ctx, row("new")))
		return false, nil
	})

	svc := NewService(Options{Sweeper: store, Directory: dir, Clock: clock})
	defer svc.Stop()

	deleted, err := svc.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	rows, err := store.QueryByTopic(ctx, "GREETINGS")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].ConnectionID)
}

func TestSweepOrphans_ListFailure(t *testing.T) {
	sweeper := &mockSweeper{listPoolsFn: func(context.Context) ([]string, error) {
		return nil, domain.ErrStore
	}}
	svc := NewService(Options{Sweeper: sweeper, Directory: directoryFunc(func(context.Context, string) (bool, error) {
		return false, nil
	})})
	defer svc.Stop()

	_, err := svc.SweepOrphans(context.Background())
	assert.ErrorIs(t, err, domain.ErrStore)
}

func TestSweepTimer_RunsOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	listed := make(chan struct{}, 4)
	sweeper := &mockSweeper{listPoolsFn: func(context.Context) ([]string, error) {
		listed <- struct{}{}
		return []string{"gone:default"}, nil
	}}

	svc := NewService(Options{
		Sweeper:       sweeper,
		Directory:     directoryFunc(func(context.Context, string) (bool, error) { return false, nil }),
		SweepInterval: time.Minute,
		Clock:         clock,
	})
	defer svc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(time.Minute)
	select {
	case <-listed:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not run")
	}
	require.Eventually(t, func() bool {
		return len(sweeper.deletedPools()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSweepTimer_DisabledWithoutDirectory(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := NewService(Options{
		Sweeper:       &mockSweeper{},
		SweepInterval: time.Minute,
		Clock:         clock,
	})
	svc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, clock.BlockUntilContext(ctx, 1), "no ticker should be waiting")
}

type statsConnector struct {
	mockConnector
	stats pool.Stats
}

func (c *statsConnector) Stats() pool.Stats { return c.stats }

func TestStatus_ReportsPoolsAndPendingPublishes(t *testing.T) {
	release := make(chan struct{})
	svc := NewService(Options{
		Connector: &statsConnector{stats: pool.Stats{Pools: 2, Connections: 5}},
		Publisher: &mockPublisher{publishFn: func(context.Context, domain.Event) (fanout.Report, error) {
			<-release
			return fanout.Report{}, nil
		}},
	})

	assert.Equal(t, Status{Accepting: true, Pools: 2, Connections: 5}, svc.Status())

	require.NoError(t, svc.Publish(context.Background(), domain.Event{Topic: "T"}))
	assert.Equal(t, int64(1), svc.Status().InflightPublishes)

	close(release)
	require.Eventually(t, func() bool { return svc.Status().InflightPublishes == 0 }, 2*time.Second, 5*time.Millisecond)

	svc.Stop()
	assert.False(t, svc.Status().Accepting)
}

func TestStatus_WithoutPoolStats(t *testing.T) {
	svc := NewService(Options{Connector: &mockConnector{}})
	defer svc.Stop()

	assert.Equal(t, Status{Accepting: true}, svc.Status())
}

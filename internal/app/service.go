package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/subpool/internal/adapter/metrics"
	"github.com/pscheid92/subpool/internal/domain"
	"github.com/pscheid92/subpool/internal/fanout"
	"github.com/pscheid92/subpool/internal/platform/correlation"
	"github.com/pscheid92/subpool/internal/pool"
	"github.com/pscheid92/subpool/internal/protocol"
)

// ErrStopped is returned for work submitted after Stop.
var ErrStopped = errors.New("service is stopped")

const defaultPublishTimeout = 30 * time.Second

// Connector routes an upgraded socket into a pool.
type Connector interface {
	Connect(ctx context.Context, r *http.Request, t protocol.Transport, onClosed func()) (string, error)
}

// PoolStats is implemented by connectors that can count what they host.
type PoolStats interface {
	Stats() pool.Stats
}

// Status is what readiness reports about this instance.
type Status struct {
	Accepting         bool  `json:"accepting"`
	Pools             int   `json:"pools"`
	Connections       int   `json:"connections"`
	InflightPublishes int64 `json:"inflight_publishes"`
}

// Publisher runs one fan-out.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) (fanout.Report, error)
}

// Hooks are the authorization points of the server. Nil hooks allow everything.
type Hooks struct {
	IsPublishAuthorized func(r *http.Request) bool
	IsConnectAuthorized func(r *http.Request) bool
	// OnConnect runs on connection_init and is handed to the pools, not called here.
	OnConnect protocol.OnConnectFunc
}

type Options struct {
	Connector Connector
	Publisher Publisher
	Hooks     Hooks

	// Sweeper and Directory enable the orphan sweep; both must be set.
	Sweeper       domain.PoolSweeper
	Directory     domain.PoolDirectory
	SweepInterval time.Duration

	PublishTimeout time.Duration
	Clock          clockwork.Clock
	Metrics        *metrics.PoolMetrics
}

// Service is the use-case layer between the ingress adapters and the pools/fan-out.
type Service struct {
	connector Connector
	publisher Publisher
	hooks     Hooks

	sweeper       domain.PoolSweeper
	directory     domain.PoolDirectory
	sweepInterval time.Duration

	publishTimeout time.Duration
	clock          clockwork.Clock
	metrics        *metrics.PoolMetrics

	// mu orders inflight.Add against Stop's Wait.
	mu       sync.RWMutex
	stopped  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
	pending  atomic.Int64
	sweepWg  sync.WaitGroup
}

func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewPoolMetrics(prometheus.NewRegistry())
	}

	s := &Service{
		connector:      opts.Connector,
		publisher:      opts.Publisher,
		hooks:          opts.Hooks,
		sweeper:        opts.Sweeper,
		directory:      opts.Directory,
		sweepInterval:  opts.SweepInterval,
		publishTimeout: opts.PublishTimeout,
		clock:          opts.Clock,
		metrics:        opts.Metrics,
		stopCh:         make(chan struct{}),
	}

	if s.sweeper != nil && s.directory != nil && s.sweepInterval > 0 {
		s.startSweepTimer()
	}
	return s
}

func (s *Service) AuthorizePublish(r *http.Request) bool {
	if s.hooks.IsPublishAuthorized == nil {
		return true
	}
	return s.hooks.IsPublishAuthorized(r)
}

func (s *Service) AuthorizeConnect(r *http.Request) bool {
	if s.hooks.IsConnectAuthorized == nil {
		return true
	}
	return s.hooks.IsConnectAuthorized(r)
}

// Connect hands an upgraded socket to its pool. onClosed runs after teardown.
func (s *Service) Connect(ctx context.Context, r *http.Request, t protocol.Transport, onClosed func()) (string, error) {
	if s.isStopped() {
		return "", fmt.Errorf("%w: %w", domain.ErrConnectionRejected, ErrStopped)
	}
	return s.connector.Connect(ctx, r, t, onClosed)
}

// Publish validates the event and starts its fan-out in the background.
// The fan-out outlives ctx but keeps its correlation id, bounded by the publish timeout.
func (s *Service) Publish(ctx context.Context, event domain.Event) error {
	if event.Topic == "" {
		return fmt.Errorf("%w: missing topic", domain.ErrValidation)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStopped
	}

	detached := correlation.Detach(ctx)
	s.pending.Add(1)
	s.inflight.Go(func() {
		defer s.pending.Add(-1)
		report, err := s.PublishSync(detached, event)
		if err != nil {
			slog.ErrorContext(detached, "Publish failed", "topic", event.Topic, "error", err)
			return
		}
		slog.DebugContext(detached, "Publish finished",
			"topic", event.Topic,
			"matched", report.Matched,
			"pools", report.Pools,
			"failed_pools", report.FailedPools)
	})
	return nil
}

// PublishSync runs the fan-out and waits for it.
func (s *Service) PublishSync(ctx context.Context, event domain.Event) (fanout.Report, error) {
	if event.Topic == "" {
		return fanout.Report{}, fmt.Errorf("%w: missing topic", domain.ErrValidation)
	}
	ctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	return s.publisher.Publish(ctx, event)
}

// Stop rejects new work, stops the sweep timer and waits for accepted publishes.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.stopCh)
	})
	s.sweepWg.Wait()
	s.inflight.Wait()
}

// Status reports whether the service accepts work and what it currently hosts.
func (s *Service) Status() Status {
	st := Status{Accepting: !s.isStopped(), InflightPublishes: s.pending.Load()}
	if ps, ok := s.connector.(PoolStats); ok {
		stats := ps.Stats()
		st.Pools, st.Connections = stats.Pools, stats.Connections
	}
	return st
}

func (s *Service) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

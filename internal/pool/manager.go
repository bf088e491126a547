package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/subpool/internal/adapter/metrics"
	"github.com/pscheid92/subpool/internal/domain"
	"github.com/pscheid92/subpool/internal/protocol"
)

// Options configures a Manager and the pools it starts.
type Options struct {
	InstanceID            string
	Strategy              Strategy
	Protocol              protocol.Config
	MaxConnectionsPerPool int

	Store     domain.SubscriptionStore
	Resolver  domain.SubscriptionResolver
	OnConnect protocol.OnConnectFunc

	// OnPoolStarted runs before the first connection of a pool is accepted.
	// A failure refuses that connection.
	OnPoolStarted func(ctx context.Context, poolID string) error
	// OnPoolStopped runs after a pool's actor has exited.
	OnPoolStopped func(poolID string)

	Clock     clockwork.Clock
	Metrics   *metrics.PoolMetrics
	WSMetrics *metrics.WebSocketMetrics
}

func (o Options) protocolDeps() protocol.Deps {
	return protocol.Deps{
		Store:     o.Store,
		Resolver:  o.Resolver,
		OnConnect: o.OnConnect,
		Clock:     o.Clock,
		Metrics:   o.WSMetrics,
	}
}

type poolEntry struct {
	pool *Pool
	refs int
}

// Manager routes connections to pools, keyed "<instance>:<strategy key>".
// A pool exists while at least one connection references it.
type Manager struct {
	opts    Options
	mu      sync.Mutex
	pools   map[string]*poolEntry
	stopped bool
	evictor *evictor
	metrics *metrics.PoolMetrics
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewPoolMetrics(prometheus.NewRegistry())
	}
	if opts.WSMetrics == nil {
		opts.WSMetrics = metrics.NewWebSocketMetrics(prometheus.NewRegistry())
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.Strategy.key == nil {
		opts.Strategy = Global()
	}

	return &Manager{
		opts:    opts,
		pools:   make(map[string]*poolEntry),
		evictor: &evictor{store: opts.Store, metrics: opts.Metrics},
		metrics: opts.Metrics,
	}
}

// InstanceID is the prefix of every pool id this manager hosts.
func (m *Manager) InstanceID() string { return m.opts.InstanceID }

// PoolIDFor returns the pool id a request is routed to.
func (m *Manager) PoolIDFor(r *http.Request) string {
	return m.opts.InstanceID + ":" + m.opts.Strategy.Key(r)
}

// Connect routes an upgraded socket to its pool and returns the new connection id.
// onClosed runs once the connection has been torn down.
func (m *Manager) Connect(ctx context.Context, r *http.Request, t protocol.Transport, onClosed func()) (string, error) {
	poolID := m.PoolIDFor(r)
	connectionID := uuid.NewString()

	for attempt := 0; attempt < 2; attempt++ {
		p, err := m.acquire(ctx, poolID)
		if err != nil {
			return "", err
		}

		err = p.Connect(connectionID, t, r, func() {
			m.release(p)
			if onClosed != nil {
				onClosed()
			}
		})
		if err == nil {
			return connectionID, nil
		}
		m.release(p)
		if !errors.Is(err, domain.ErrPoolNotFound) {
			return "", err
		}
		// actor died under us, start a fresh one
		m.discard(p)
	}
	return "", fmt.Errorf("%w: %s", domain.ErrPoolNotFound, poolID)
}

func (m *Manager) acquire(ctx context.Context, poolID string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, fmt.Errorf("%w: manager is stopped", domain.ErrConnectionRejected)
	}

	if e, ok := m.pools[poolID]; ok {
		e.refs++
		return e.pool, nil
	}

	if m.opts.OnPoolStarted != nil {
		if err := m.opts.OnPoolStarted(ctx, poolID); err != nil {
			return nil, fmt.Errorf("start pool %s: %w", poolID, err)
		}
	}

	p := newPool(poolID, m.opts, m.evictor)
	m.pools[poolID] = &poolEntry{pool: p, refs: 1}
	m.metrics.ActivePools.Set(float64(len(m.pools)))
	slog.Info("pool started", "pool_id", poolID, "strategy", m.opts.Strategy.String())
	return p, nil
}

// release drops one reference; the last one stops the pool.
func (m *Manager) release(p *Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.pools[p.ID()]
	if !ok || e.pool != p {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	m.removeLocked(p)
}

func (m *Manager) discard(p *Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.pools[p.ID()]; ok && e.pool == p {
		m.removeLocked(p)
	}
}

// removeLocked stops p while holding mu so a pool id is never started and
// stopped out of order. It runs from connection teardown, so it must not wait
// for connections.
func (m *Manager) removeLocked(p *Pool) {
	delete(m.pools, p.ID())
	m.metrics.ActivePools.Set(float64(len(m.pools)))
	timeout := m.opts.Clock.NewTimer(stopTimeout)
	p.halt(timeout.Chan())
	timeout.Stop()
	if m.opts.OnPoolStopped != nil {
		m.opts.OnPoolStopped(p.ID())
	}
	slog.Info("pool stopped", "pool_id", p.ID())
}

func (m *Manager) lookup(poolID string) (*Pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pools[poolID]
	if !ok {
		return nil, false
	}
	return e.pool, true
}

// HasPool reports whether poolID runs on this instance.
func (m *Manager) HasPool(poolID string) bool {
	_, ok := m.lookup(poolID)
	return ok
}

// PoolIDs lists the pools running on this instance.
func (m *Manager) PoolIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	return ids
}

// Stats is a snapshot of what this instance hosts.
type Stats struct {
	Pools       int
	Connections int
}

// Stats counts running pools and the connections routed to them, including
// connections still being registered.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Pools: len(m.pools)}
	for _, e := range m.pools {
		st.Connections += e.refs
	}
	return st
}

// Deliver hands batch to a local pool. When the pool is gone every connection
// the batch names is evicted from the store instead.
func (m *Manager) Deliver(_ context.Context, poolID string, batch domain.Batch) error {
	p, ok := m.lookup(poolID)
	if !ok {
		if err := validateBatch(batch); err != nil {
			m.metrics.RejectedBatches.Inc()
			return err
		}
		if ids := batch.ConnectionIDs(); len(ids) > 0 {
			slog.Debug("delivery for unknown pool, evicting", "pool_id", poolID, "connections", len(ids))
			m.evictor.evict("pool_missing", ids...)
		}
		return nil
	}
	return p.Publish(batch)
}

// CloseConnection closes a connection hosted here, or deletes its rows when no
// local pool holds it.
func (m *Manager) CloseConnection(ctx context.Context, poolID, connectionID string) error {
	p, ok := m.lookup(poolID)
	if !ok {
		return m.opts.Store.DeleteByConnection(ctx, connectionID)
	}
	return p.Close(ctx, connectionID)
}

// PoolAlive reports whether a pool id is still hosted. Pools of this instance are
// alive while running; pools of other instances cannot be checked locally and are
// assumed alive.
func (m *Manager) PoolAlive(_ context.Context, poolID string) (bool, error) {
	if m.HasPool(poolID) {
		return true, nil
	}
	return !strings.HasPrefix(poolID, m.opts.InstanceID+":"), nil
}

// Stop closes every pool and waits for pending evictions.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	pools := make([]*Pool, 0, len(m.pools))
	for _, e := range m.pools {
		pools = append(pools, e.pool)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Go(p.Stop)
	}
	wg.Wait()

	m.mu.Lock()
	for _, p := range pools {
		if e, ok := m.pools[p.ID()]; ok && e.pool == p {
			delete(m.pools, p.ID())
			if m.opts.OnPoolStopped != nil {
				m.opts.OnPoolStopped(p.ID())
			}
		}
	}
	m.metrics.ActivePools.Set(float64(len(m.pools)))
	m.mu.Unlock()

	m.evictor.wait()
	slog.Info("pool manager stopped", "pools", len(pools))
}

// Package pool hosts live connections. Each pool is an actor: one goroutine owns
// its connection map and serializes connect, publish, close and stop requests.
// A Manager routes upgrades to pools and owns their lifecycle.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/subpool/internal/adapter/metrics"
	"github.com/pscheid92/subpool/internal/domain"
	"github.com/pscheid92/subpool/internal/protocol"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
	evictTimeout   = 5 * time.Second
	cmdBuffer      = 256
)

type poolCmd interface{ isPoolCmd() }

type basePoolCmd struct{}

func (basePoolCmd) isPoolCmd() {}

type connectCmd struct {
	basePoolCmd
	connectionID string
	transport    protocol.Transport
	request      *http.Request
	onClosed     func()
	reply        chan error
}

type publishCmd struct {
	basePoolCmd
	batch domain.Batch
	reply chan struct{}
}

type closeCmd struct {
	basePoolCmd
	connectionID string
	reply        chan bool
}

type unregisterCmd struct {
	basePoolCmd
	session *protocol.Session
}

type countCmd struct {
	basePoolCmd
	reply chan int
}

type stopCmd struct {
	basePoolCmd
}

// Pool is the actor owning the live connections of one pool id.
type Pool struct {
	id             string
	cmdCh          chan poolCmd
	clock          clockwork.Clock
	sessions       map[string]*protocol.Session
	deps           protocol.Deps
	cfg            protocol.Config
	maxConnections int
	evictor        *evictor
	metrics        *metrics.PoolMetrics
	done           chan struct{}
	stopTimeout    time.Duration

	closingMu sync.Mutex
	closing   []*protocol.Session
}

func newPool(id string, opts Options, ev *evictor) *Pool {
	p := &Pool{
		id:             id,
		cmdCh:          make(chan poolCmd, cmdBuffer),
		clock:          opts.Clock,
		sessions:       make(map[string]*protocol.Session),
		deps:           opts.protocolDeps(),
		cfg:            opts.Protocol,
		maxConnections: opts.MaxConnectionsPerPool,
		evictor:        ev,
		metrics:        opts.Metrics,
		done:           make(chan struct{}),
		stopTimeout:    stopTimeout,
	}
	go p.run()
	return p
}

func (p *Pool) ID() string { return p.id }

// Connect hands a freshly upgraded socket to the pool. onClosed runs once the
// connection is torn down and its rows are deleted.
func (p *Pool) Connect(connectionID string, t protocol.Transport, r *http.Request, onClosed func()) error {
	reply := make(chan error, 1)
	if !p.submit(connectCmd{connectionID: connectionID, transport: t, request: r, onClosed: onClosed, reply: reply}) {
		return fmt.Errorf("%w: %s", domain.ErrPoolNotFound, p.id)
	}
	return awaitReply(p, reply, "connect")
}

// Publish writes each delivery of batch to its connection. Entries addressed to
// connections this pool does not hold are evicted from the store.
// A malformed batch is rejected with ErrProtocol before anything is sent.
func (p *Pool) Publish(batch domain.Batch) error {
	if err := validateBatch(batch); err != nil {
		p.metrics.RejectedBatches.Inc()
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	reply := make(chan struct{}, 1)
	if !p.submit(publishCmd{batch: batch, reply: reply}) {
		return fmt.Errorf("%w: %s", domain.ErrPoolNotFound, p.id)
	}

	timer := p.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case <-reply:
		return nil
	case <-timer.Chan():
		return fmt.Errorf("%w: publish to pool %s timed out after %v", domain.ErrDelivery, p.id, commandTimeout)
	}
}

// Close closes a live connection of this pool. When the pool does not hold the
// connection its rows are deleted directly.
func (p *Pool) Close(ctx context.Context, connectionID string) error {
	reply := make(chan bool, 1)
	live := false
	if p.submit(closeCmd{connectionID: connectionID, reply: reply}) {
		timer := p.clock.NewTimer(commandTimeout)
		defer timer.Stop()
		select {
		case live = <-reply:
		case <-timer.Chan():
			return fmt.Errorf("close command timed out after %v", commandTimeout)
		}
	}
	if live {
		return nil
	}
	return p.deps.Store.DeleteByConnection(ctx, connectionID)
}

// Count returns the number of connections the pool holds, or -1 on timeout.
func (p *Pool) Count() int {
	reply := make(chan int, 1)
	if !p.submit(countCmd{reply: reply}) {
		return 0
	}

	timer := p.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case n := <-reply:
		return n
	case <-timer.Chan():
		slog.Warn("pool count timed out", "pool_id", p.id, "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every connection with 1001 and waits for their teardown.
func (p *Pool) Stop() {
	timeout := p.clock.NewTimer(p.stopTimeout)
	defer timeout.Stop()

	if !p.halt(timeout.Chan()) {
		return
	}

	p.closingMu.Lock()
	closing := append([]*protocol.Session(nil), p.closing...)
	p.closingMu.Unlock()

	for _, s := range closing {
		select {
		case <-s.Done():
		case <-timeout.Chan():
			slog.Warn("connections still closing after pool stop", "pool_id", p.id)
			p.metrics.StopTimeouts.Inc()
			return
		}
	}
	slog.Debug("pool stopped", "pool_id", p.id, "closed_connections", len(closing))
}

// halt stops the actor without waiting for connection teardown.
func (p *Pool) halt(timeout <-chan time.Time) bool {
	p.submit(stopCmd{})

	select {
	case <-p.done:
		return true
	case <-timeout:
		slog.Warn("pool stop timeout exceeded", "pool_id", p.id, "timeout", p.stopTimeout)
		p.metrics.StopTimeouts.Inc()
		return false
	}
}

func (p *Pool) submit(cmd poolCmd) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.cmdCh <- cmd:
		return true
	case <-p.done:
		return false
	}
}

func awaitReply(p *Pool, reply chan error, op string) error {
	timer := p.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case err := <-reply:
		return err
	case <-timer.Chan():
		return fmt.Errorf("%s command timed out after %v", op, commandTimeout)
	}
}

func (p *Pool) run() {
	defer close(p.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pool panic recovered", "pool_id", p.id, "panic", r)
			p.metrics.Panics.Inc()
			p.closeAll(websocket.CloseInternalServerErr, "Internal error")
		}
	}()

	depthTicker := p.clock.NewTicker(time.Second)
	defer depthTicker.Stop()
	defer p.metrics.CommandDepth.DeleteLabelValues(p.id)

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(p.cmdCh)
			p.metrics.CommandDepth.WithLabelValues(p.id).Set(float64(depth))
			if depth > cmdBuffer*4/5 {
				slog.Warn("pool command channel near capacity", "pool_id", p.id, "depth", depth, "capacity", cap(p.cmdCh))
			}

		case cmd := <-p.cmdCh:
			switch c := cmd.(type) {
			case connectCmd:
				p.handleConnect(c)
			case publishCmd:
				p.handlePublish(c)
			case closeCmd:
				p.handleClose(c)
			case unregisterCmd:
				p.handleUnregister(c)
			case countCmd:
				c.reply <- len(p.sessions)
			case stopCmd:
				p.handleStop()
				return
			default:
				slog.Warn("pool received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (p *Pool) handleConnect(c connectCmd) {
	if _, exists := p.sessions[c.connectionID]; exists {
		c.reply <- fmt.Errorf("connection %s already registered", c.connectionID)
		return
	}
	if p.maxConnections > 0 && len(p.sessions) >= p.maxConnections {
		slog.Warn("rejecting connection: pool is full", "pool_id", p.id, "max_connections", p.maxConnections)
		c.reply <- fmt.Errorf("%w: pool %s holds the maximum of %d connections", domain.ErrConnectionRejected, p.id, p.maxConnections)
		return
	}

	s := protocol.NewSession(c.connectionID, p.id, c.transport, c.request, p.cfg, p.deps)
	s.OnClosed(p.unregister)
	if c.onClosed != nil {
		s.OnClosed(func(*protocol.Session) { c.onClosed() })
	}
	p.sessions[c.connectionID] = s
	s.Start()

	slog.Debug("connection registered", "pool_id", p.id, "connection_id", c.connectionID, "connections", len(p.sessions))
	c.reply <- nil
}

func (p *Pool) handlePublish(c publishCmd) {
	defer func() { c.reply <- struct{}{} }()

	var missing []string
	seen := make(map[string]struct{})
	for _, d := range c.batch {
		s, ok := p.sessions[d.ConnectionID]
		if !ok {
			if _, dup := seen[d.ConnectionID]; !dup {
				seen[d.ConnectionID] = struct{}{}
				missing = append(missing, d.ConnectionID)
			}
			continue
		}
		if s.State() != protocol.StateOpen {
			// teardown in progress deletes the rows
			continue
		}
		if err := s.Send(d.Message); err != nil {
			slog.Warn("disconnecting slow client", "pool_id", p.id, "connection_id", d.ConnectionID, "error", err)
			p.metrics.SlowClientsEvicted.Inc()
			s.Close(websocket.ClosePolicyViolation, "Send queue full")
		}
	}

	if len(missing) > 0 {
		p.evictor.evict("stale_connection", missing...)
	}
}

func (p *Pool) handleClose(c closeCmd) {
	s, ok := p.sessions[c.connectionID]
	if ok {
		s.Close(websocket.CloseNormalClosure, "Connection closed by server")
	}
	c.reply <- ok
}

func (p *Pool) unregister(s *protocol.Session) {
	p.submit(unregisterCmd{session: s})
}

func (p *Pool) handleUnregister(c unregisterCmd) {
	current, ok := p.sessions[c.session.ID()]
	if !ok || current != c.session {
		return
	}
	delete(p.sessions, c.session.ID())
	slog.Debug("connection unregistered", "pool_id", p.id, "connection_id", c.session.ID(), "remaining", len(p.sessions))
}

func (p *Pool) handleStop() {
	slog.Info("pool shutting down", "pool_id", p.id, "connections", len(p.sessions))
	p.closeAll(websocket.CloseGoingAway, "Server shutting down")
}

func (p *Pool) closeAll(code int, reason string) {
	closing := make([]*protocol.Session, 0, len(p.sessions))
	for id, s := range p.sessions {
		s.Close(code, reason)
		closing = append(closing, s)
		delete(p.sessions, id)
	}

	p.closingMu.Lock()
	p.closing = append(p.closing, closing...)
	p.closingMu.Unlock()
}

func validateBatch(batch domain.Batch) error {
	for i, d := range batch {
		if d.ConnectionID == "" {
			return fmt.Errorf("%w: entry %d has no connection id", domain.ErrProtocol, i)
		}
		switch d.Message.Type {
		case domain.MessageNext, domain.MessageError, domain.MessageComplete:
		default:
			return fmt.Errorf("%w: entry %d has message type %q", domain.ErrProtocol, i, d.Message.Type)
		}
		if d.Message.ID == "" {
			return fmt.Errorf("%w: entry %d has no subscription id", domain.ErrProtocol, i)
		}
	}
	return nil
}

// evictor deletes the rows of connections no pool holds anymore.
type evictor struct {
	store   domain.SubscriptionStore
	metrics *metrics.PoolMetrics
	wg      sync.WaitGroup
}

func (e *evictor) evict(trigger string, connectionIDs ...string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for _, id := range connectionIDs {
			ctx, cancel := context.WithTimeout(context.Background(), evictTimeout)
			err := e.store.DeleteByConnection(ctx, id)
			cancel()
			if err != nil {
				slog.Error("failed to evict connection", "connection_id", id, "trigger", trigger, "error", err)
				continue
			}
			e.metrics.Evictions.WithLabelValues(trigger).Inc()
			slog.Debug("evicted connection without live socket", "connection_id", id, "trigger", trigger)
		}
	}()
}

func (e *evictor) wait() {
	e.wg.Wait()
}

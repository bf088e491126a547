package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/subpool/internal/adapter/metrics"
	"github.com/pscheid92/subpool/internal/domain"
)

const (
	storeTimeout   = 5 * time.Second
	cleanupTimeout = 10 * time.Second
)

// Transport is the socket a Session speaks over. *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Config holds the protocol timings of a connection.
type Config struct {
	KeepAliveInterval time.Duration
	PongTimeout       time.Duration
	InitTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	MaxMessageSize    int64
}

// DefaultConfig returns the graphql-transport-ws defaults used in production.
func DefaultConfig() Config {
	return Config{
		KeepAliveInterval: 12 * time.Second,
		PongTimeout:       6 * time.Second,
		InitTimeout:       3 * time.Second,
		WriteTimeout:      5 * time.Second,
		SendBuffer:        16,
		MaxMessageSize:    64 << 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// ConnectionContext is what the connect hook sees of a connection.
type ConnectionContext struct {
	ConnectionID string
	PoolID       string
	Request      *http.Request
	InitPayload  map[string]any
}

// OnConnectFunc decides whether an initialised connection is accepted.
// Returning false or an error closes the connection with 4403.
type OnConnectFunc func(ctx context.Context, cc ConnectionContext) (bool, error)

// Deps are the collaborators a Session needs.
type Deps struct {
	Store     domain.SubscriptionStore
	Resolver  domain.SubscriptionResolver
	OnConnect OnConnectFunc
	Clock     clockwork.Clock
	Metrics   *metrics.WebSocketMetrics
}

// State is the lifecycle of a Session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type outbound struct {
	kind string
	data []byte
}

type closeRequest struct {
	code   int
	reason string
}

// Session bridges one socket to the subscription store. The read loop owns the
// protocol state; a single writer goroutine owns socket writes.
type Session struct {
	id        string
	poolID    string
	transport Transport
	request   *http.Request
	cfg       Config
	deps      Deps
	clock     clockwork.Clock
	metrics   *metrics.WebSocketMetrics

	state atomic.Int32

	sendCh  chan outbound
	closeCh chan closeRequest
	pongCh  chan struct{}
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce  sync.Once
	finishOnce sync.Once
	startOnce  sync.Once
	wg         sync.WaitGroup
	finished   chan struct{}

	initTimer clockwork.Timer

	// read loop only
	initReceived bool
	subs         map[string]struct{}

	hookMu   sync.Mutex
	onClosed []func(*Session)
}

// NewSession prepares a session. Nothing runs until Start.
func NewSession(connectionID, poolID string, transport Transport, r *http.Request, cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewWebSocketMetrics(prometheus.NewRegistry())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        connectionID,
		poolID:    poolID,
		transport: transport,
		request:   r,
		cfg:       cfg,
		deps:      deps,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		sendCh:    make(chan outbound, cfg.SendBuffer),
		closeCh:   make(chan closeRequest, 1),
		pongCh:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]struct{}),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) PoolID() string { return s.poolID }

func (s *Session) State() State {
	return State(s.state.Load())
}

// OnClosed registers fn to run once after the session is torn down and its rows deleted.
func (s *Session) OnClosed(fn func(*Session)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onClosed = append(s.onClosed, fn)
}

// Done is closed once teardown has completed.
func (s *Session) Done() <-chan struct{} {
	return s.finished
}

// Start launches the read and write loops and arms the init timeout.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.transport.SetReadLimit(s.cfg.MaxMessageSize)
		s.metrics.ActiveConnections.Inc()

		s.initTimer = s.clock.AfterFunc(s.cfg.InitTimeout, func() {
			if s.State() == StateConnecting {
				s.Close(CloseInitTimeout, "Connection initialisation timeout")
			}
		})

		s.wg.Add(1)
		go s.writeLoop()
		go s.readLoop()
	})
}

// Send queues a protocol message for this connection. It fails with
// ErrDelivery when the session is not open or its send queue is full.
func (s *Session) Send(msg domain.Message) error {
	if st := s.State(); st != StateOpen {
		return fmt.Errorf("%w: connection %s is %s", domain.ErrDelivery, s.id, st)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode message: %w", domain.ErrDelivery, err)
	}
	if !s.enqueue(outbound{kind: msg.Type, data: data}) {
		return fmt.Errorf("%w: send queue of connection %s is full", domain.ErrDelivery, s.id)
	}
	return nil
}

// Close writes a close frame with code and reason, then closes the socket.
// Only the first call has an effect.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing))
		s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
		s.closeCh <- closeRequest{code: code, reason: truncateReason(reason)}
	})
}

func (s *Session) enqueue(out outbound) bool {
	select {
	case s.sendCh <- out:
		return true
	default:
		return false
	}
}

func (s *Session) sendFrame(f Frame) {
	if !s.enqueue(outbound{kind: f.Type, data: encodeFrame(f)}) {
		s.Close(websocket.ClosePolicyViolation, "send queue full")
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	defer func() { _ = s.transport.Close() }()

	ticker := s.clock.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	var pongTimer clockwork.Timer
	var pongDeadline <-chan time.Time
	defer func() {
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	for {
		select {
		case out := <-s.sendCh:
			if err := s.write(out); err != nil {
				slog.Debug("websocket write failed", "connection_id", s.id, "error", err)
				return
			}
		case <-ticker.Chan():
			if s.State() != StateOpen || pongDeadline != nil {
				continue
			}
			// Armed before writing so a pong can never outrun its timer.
			pongTimer = s.clock.NewTimer(s.cfg.PongTimeout)
			pongDeadline = pongTimer.Chan()
			if err := s.write(outbound{kind: TypePing, data: encodeFrame(Frame{Type: TypePing})}); err != nil {
				return
			}
		case <-s.pongCh:
			if pongTimer != nil {
				pongTimer.Stop()
				s.metrics.KeepAlivesAnswered.Inc()
			}
			pongTimer, pongDeadline = nil, nil
		case <-pongDeadline:
			pongTimer, pongDeadline = nil, nil
			s.metrics.KeepAliveTimeouts.Inc()
			s.Close(CloseKeepAliveTimeout, "Keep-alive timeout")
		case req := <-s.closeCh:
			s.writeClose(req)
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) write(out outbound) error {
	_ = s.transport.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.transport.WriteMessage(websocket.TextMessage, out.data); err != nil {
		return err
	}
	s.metrics.MessagesSent.WithLabelValues(out.kind).Inc()
	return nil
}

func (s *Session) writeClose(req closeRequest) {
	msg := websocket.FormatCloseMessage(req.code, req.reason)
	if err := s.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		slog.Debug("websocket close frame failed", "connection_id", s.id, "error", err)
	}
	s.metrics.Closes.WithLabelValues(strconv.Itoa(req.code)).Inc()
}

func (s *Session) readLoop() {
	defer s.finish()

	for {
		_, data, err := s.transport.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				s.State() < StateClosing {
				slog.Debug("websocket read ended", "connection_id", s.id, "error", err)
			}
			return
		}
		if s.State() >= StateClosing {
			continue
		}

		if err := s.handle(data); err != nil {
			if ce, ok := errors.AsType[*closeError](err); ok {
				s.Close(ce.code, ce.reason)
				continue
			}
			slog.Warn("closing connection after frame error", "connection_id", s.id, "pool_id", s.poolID, "error", err)
			s.Close(CloseInternalError, err.Error())
		}
	}
}

func (s *Session) handle(data []byte) error {
	f, err := parseFrame(data)
	if err != nil {
		return err
	}
	s.metrics.MessagesReceived.WithLabelValues(f.Type).Inc()

	switch f.Type {
	case TypeConnectionInit:
		return s.handleInit(f)
	case TypePing:
		s.sendFrame(Frame{Type: TypePong, Payload: f.Payload})
		return nil
	case TypePong:
		select {
		case s.pongCh <- struct{}{}:
		default:
		}
		return nil
	case TypeSubscribe:
		return s.handleSubscribe(f)
	case TypeComplete:
		return s.handleComplete(f)
	default:
		return closeWith(CloseBadRequest, fmt.Sprintf("Invalid message received: unexpected type %q", f.Type))
	}
}

func (s *Session) handleInit(f Frame) error {
	if s.initReceived {
		return closeWith(CloseTooManyInitRequests, "Too many initialisation requests")
	}
	s.initReceived = true

	var payload map[string]any
	if len(f.Payload) > 0 && string(f.Payload) != "null" {
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			return closeWith(CloseBadRequest, "Invalid connection_init payload")
		}
	}

	if s.deps.OnConnect != nil {
		ok, err := s.deps.OnConnect(s.ctx, ConnectionContext{
			ConnectionID: s.id,
			PoolID:       s.poolID,
			Request:      s.request,
			InitPayload:  payload,
		})
		if err != nil {
			slog.Info("connect hook failed", "connection_id", s.id, "error", err)
		}
		if err != nil || !ok {
			return closeWith(CloseForbidden, "Forbidden")
		}
	}

	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return nil
	}
	s.initTimer.Stop()
	s.sendFrame(Frame{Type: TypeConnectionAck})
	return nil
}

func (s *Session) handleSubscribe(f Frame) error {
	if s.State() != StateOpen {
		return closeWith(CloseUnauthorized, "Unauthorized")
	}
	if f.ID == "" {
		return closeWith(CloseBadRequest, "Invalid message received: subscribe without id")
	}
	if _, ok := s.subs[f.ID]; ok {
		return closeWith(CloseSubscriberExists, "Subscriber for "+f.ID+" already exists")
	}

	var payload SubscribePayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		return fmt.Errorf("%w: invalid subscribe payload: %s", domain.ErrValidation, err.Error())
	}
	desc := payload.descriptor()

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	target, err := s.deps.Resolver.ResolveSubscription(ctx, desc)
	if err != nil {
		return err
	}

	err = s.deps.Store.Insert(ctx, domain.Subscription{
		ID:           f.ID,
		PoolID:       s.poolID,
		ConnectionID: s.id,
		Topic:        target.Topic,
		Filter:       target.Filter,
		Descriptor:   desc,
	})
	if errors.Is(err, domain.ErrSubscriptionExists) {
		return closeWith(CloseSubscriberExists, "Subscriber for "+f.ID+" already exists")
	}
	if err != nil {
		return err
	}

	s.subs[f.ID] = struct{}{}
	slog.Debug("subscription registered", "connection_id", s.id, "subscription_id", f.ID, "topic", target.Topic)
	return nil
}

func (s *Session) handleComplete(f Frame) error {
	if f.ID == "" {
		return closeWith(CloseBadRequest, "Invalid message received: complete without id")
	}

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	if err := s.deps.Store.DeleteByID(ctx, s.id, f.ID); err != nil {
		return err
	}
	delete(s.subs, f.ID)
	s.sendFrame(Frame{Type: TypeComplete, ID: f.ID})
	return nil
}

// finish runs once when the read loop ends, whichever side closed the socket.
func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel()
		close(s.done)
		s.wg.Wait()
		s.initTimer.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := s.deps.Store.DeleteByConnection(ctx, s.id); err != nil {
			slog.Error("failed to delete subscriptions of closed connection", "connection_id", s.id, "error", err)
		}

		s.metrics.ActiveConnections.Dec()
		s.hookMu.Lock()
		hooks := s.onClosed
		s.hookMu.Unlock()
		for _, fn := range hooks {
			fn(s)
		}
		close(s.finished)
	})
}

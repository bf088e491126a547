// Package resilient decorates a subscription store with a circuit breaker and retries.
//
// Every call goes through one failsafe-go breaker. While it is open, calls fail fast
// with domain.ErrStore instead of piling up on a dead database. Deletes are retried
// with backoff because a lost delete leaves rows that only lazy eviction can reclaim.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/subpool/internal/adapter/metrics"
	"github.com/pscheid92/subpool/internal/domain"
	"github.com/pscheid92/subpool/internal/platform/retry"
)

// Options tunes the breaker and the delete retry policy. Zero values take defaults.
type Options struct {
	FailureRateThreshold float64
	MinExecutions        uint
	FailureWindow        time.Duration
	OpenDelay            time.Duration
	RetryPolicy          retry.Policy
}

func (o Options) withDefaults() Options {
	if o.FailureRateThreshold == 0 {
		o.FailureRateThreshold = 0.6
	}
	if o.MinExecutions == 0 {
		o.MinExecutions = 5
	}
	if o.FailureWindow == 0 {
		o.FailureWindow = 10 * time.Second
	}
	if o.OpenDelay == 0 {
		o.OpenDelay = 30 * time.Second
	}
	if o.RetryPolicy.MaxAttempts == 0 {
		o.RetryPolicy = retry.Policy{
			MaxAttempts:      3,
			InitialBackoff:   100 * time.Millisecond,
			RateLimitBackoff: time.Second,
		}
	}
	return o
}

// Store wraps a domain.SubscriptionStore.
type Store struct {
	inner   domain.SubscriptionStore
	cb      circuitbreaker.CircuitBreaker[any]
	policy  retry.Policy
	metrics *metrics.StoreMetrics
}

var (
	_ domain.SubscriptionStore = (*Store)(nil)
	_ domain.PoolSweeper       = (*Store)(nil)
)

// NewStore builds the decorator. m may be nil.
func NewStore(inner domain.SubscriptionStore, opts Options, m *metrics.StoreMetrics) *Store {
	opts = opts.withDefaults()
	if m == nil {
		m = metrics.NewStoreMetrics(prometheus.NewRegistry())
	}

	s := &Store{inner: inner, policy: opts.RetryPolicy, metrics: m}
	s.policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Retrying store call", "attempt", attempt, "backoff", backoff, "error", err)
	}

	s.cb = circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(opts.FailureRateThreshold, opts.MinExecutions, opts.FailureWindow).
		WithDelay(opts.OpenDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "subscription_store",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			m.CircuitTransitions.WithLabelValues(e.NewState.String()).Inc()
			m.CircuitState.Set(stateToFloat(e.NewState))
		}).
		Build()

	return s
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// State returns the breaker state.
func (s *Store) State() circuitbreaker.State {
	return s.cb.State()
}

func (s *Store) Insert(ctx context.Context, sub domain.Subscription) error {
	return s.guard("insert", func() error { return s.inner.Insert(ctx, sub) })
}

func (s *Store) DeleteByConnection(ctx context.Context, connectionID string) error {
	return s.withRetry(ctx, "delete_by_connection", func() error {
		return s.guard("delete_by_connection", func() error { return s.inner.DeleteByConnection(ctx, connectionID) })
	})
}

func (s *Store) DeleteByID(ctx context.Context, connectionID, id string) error {
	return s.withRetry(ctx, "delete_by_id", func() error {
		return s.guard("delete_by_id", func() error { return s.inner.DeleteByID(ctx, connectionID, id) })
	})
}

func (s *Store) QueryByTopic(ctx context.Context, topic string) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	err := s.guard("query_by_topic", func() error {
		var err error
		subs, err = s.inner.QueryByTopic(ctx, topic)
		return err
	})
	return subs, err
}

func (s *Store) ListPools(ctx context.Context) ([]string, error) {
	sweeper, ok := s.inner.(domain.PoolSweeper)
	if !ok {
		return nil, errors.ErrUnsupported
	}
	var pools []string
	err := s.guard("list_pools", func() error {
		var err error
		pools, err = sweeper.ListPools(ctx)
		return err
	})
	return pools, err
}

func (s *Store) DeleteByPool(ctx context.Context, poolID string, createdBefore time.Time) (int64, error) {
	sweeper, ok := s.inner.(domain.PoolSweeper)
	if !ok {
		return 0, errors.ErrUnsupported
	}
	var deleted int64
	err := s.guard("delete_by_pool", func() error {
		var err error
		deleted, err = sweeper.DeleteByPool(ctx, poolID, createdBefore)
		return err
	})
	return deleted, err
}

// guard runs op under the breaker. Only ErrStore failures count against it;
// a rejected duplicate is a healthy answer from the store.
func (s *Store) guard(operation string, op func() error) error {
	if !s.cb.TryAcquirePermit() {
		s.metrics.Operations.WithLabelValues(operation, "rejected").Inc()
		return fmt.Errorf("%w: %s: %w", domain.ErrStore, operation, circuitbreaker.ErrOpen)
	}

	err := op()
	if err != nil && errors.Is(err, domain.ErrStore) {
		s.cb.RecordError(err)
		s.metrics.Operations.WithLabelValues(operation, "error").Inc()
		return err
	}

	s.cb.RecordSuccess()
	if err != nil {
		s.metrics.Operations.WithLabelValues(operation, "conflict").Inc()
		return err
	}
	s.metrics.Operations.WithLabelValues(operation, "ok").Inc()
	return nil
}

func (s *Store) withRetry(ctx context.Context, operation string, op func() error) error {
	attempts := 0
	err := retry.DoVoid(ctx, s.policy, classify, func() error {
		attempts++
		if attempts > 1 {
			s.metrics.Retries.WithLabelValues(operation).Inc()
		}
		return op()
	})
	if permanent, ok := errors.AsType[*retry.PermanentError](err); ok {
		return permanent.Err
	}
	return err
}

func classify(err error) retry.Action {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return retry.Stop
	case errors.Is(err, domain.ErrStore):
		return retry.Retry
	default:
		return retry.Stop
	}
}

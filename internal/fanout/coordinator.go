// Package fanout turns one published event into one delivery batch per pool.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/subpool/internal/adapter/metrics"
	"github.com/pscheid92/subpool/internal/domain"
	"github.com/pscheid92/subpool/internal/filter"
	"golang.org/x/sync/errgroup"
)

// Report summarizes one publish.
type Report struct {
	Subscriptions     int
	Matched           int
	Resolved          int
	ExecutionFailures int
	Pools             int
	FailedPools       int
}

// Coordinator runs the publish pipeline: query, filter, execute, group, deliver.
type Coordinator struct {
	store       domain.SubscriptionStore
	executor    domain.Executor
	dispatcher  domain.Dispatcher
	concurrency int
	clock       clockwork.Clock
	metrics     *metrics.FanoutMetrics
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithConcurrency bounds how many subscriptions are executed at once.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func WithMetrics(m *metrics.FanoutMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(store domain.SubscriptionStore, executor domain.Executor, dispatcher domain.Dispatcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		executor:    executor,
		dispatcher:  dispatcher,
		concurrency: runtime.GOMAXPROCS(0) * 4,
		clock:       clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewFanoutMetrics(prometheus.NewRegistry())
	}
	return c
}

type resolved struct {
	sub     domain.Subscription
	payload json.RawMessage
	ok      bool
}

// Publish delivers event to every matching subscription. A failing subscription
// or pool never blocks the others; an error is returned only when the store query
// fails or every pool failed.
func (c *Coordinator) Publish(ctx context.Context, event domain.Event) (Report, error) {
	start := c.clock.Now()
	defer func() { c.metrics.Duration.Observe(c.clock.Since(start).Seconds()) }()

	if event.Topic == "" {
		c.metrics.Publishes.WithLabelValues("invalid").Inc()
		return Report{}, fmt.Errorf("%w: missing topic", domain.ErrValidation)
	}

	rows, err := c.store.QueryByTopic(ctx, event.Topic)
	if err != nil {
		c.metrics.Publishes.WithLabelValues("failed").Inc()
		if errors.Is(err, domain.ErrStore) {
			return Report{}, err
		}
		return Report{}, fmt.Errorf("%w: query topic %s: %w", domain.ErrStore, event.Topic, err)
	}

	report := Report{Subscriptions: len(rows)}
	matched := make([]domain.Subscription, 0, len(rows))
	payload := filter.Prepare(event.Payload)
	for _, row := range rows {
		if payload.Matches(row.Filter) {
			matched = append(matched, row)
		}
	}
	report.Matched = len(matched)
	c.metrics.Matched.Add(float64(len(matched)))
	c.metrics.Filtered.Add(float64(len(rows) - len(matched)))

	results := c.execute(ctx, matched, event.Payload)

	groups, order := groupByPool(results)
	for _, r := range results {
		if r.ok {
			report.Resolved++
		} else {
			report.ExecutionFailures++
		}
	}
	report.Pools = len(order)

	errs := c.deliver(ctx, groups, order)
	report.FailedPools = len(errs)

	slog.Debug("publish fanned out",
		"topic", event.Topic,
		"subscriptions", report.Subscriptions,
		"matched", report.Matched,
		"pools", report.Pools,
		"failed_pools", report.FailedPools,
	)

	switch {
	case report.Pools > 0 && report.FailedPools == report.Pools:
		c.metrics.Publishes.WithLabelValues("failed").Inc()
		return report, errors.Join(errs...)
	case report.FailedPools > 0:
		slog.Warn("publish partially delivered", "topic", event.Topic, "failed_pools", report.FailedPools, "pools", report.Pools, "error", errors.Join(errs...))
		c.metrics.Publishes.WithLabelValues("partial").Inc()
	default:
		c.metrics.Publishes.WithLabelValues("ok").Inc()
	}
	return report, nil
}

func (c *Coordinator) execute(ctx context.Context, subs []domain.Subscription, payload map[string]any) []resolved {
	results := make([]resolved, len(subs))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, sub := range subs {
		g.Go(func() error {
			results[i] = c.executeOne(ctx, sub, payload)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Coordinator) executeOne(ctx context.Context, sub domain.Subscription, payload map[string]any) (r resolved) {
	r.sub = sub
	defer func() {
		if p := recover(); p != nil {
			slog.Error("subscription execution panicked", "subscription_id", sub.ID, "connection_id", sub.ConnectionID, "panic", p)
			c.metrics.ExecutionFailures.Inc()
			r.ok = false
		}
	}()

	result, err := c.executor.Execute(ctx, sub.Descriptor, payload)
	if err != nil {
		slog.Warn("subscription execution failed", "subscription_id", sub.ID, "connection_id", sub.ConnectionID, "topic", sub.Topic, "error", err)
		c.metrics.ExecutionFailures.Inc()
		return r
	}

	data, err := json.Marshal(result)
	if err != nil {
		slog.Warn("subscription result not encodable", "subscription_id", sub.ID, "connection_id", sub.ConnectionID, "error", err)
		c.metrics.ExecutionFailures.Inc()
		return r
	}
	r.payload = data
	r.ok = true
	return r
}

func groupByPool(results []resolved) (map[string]domain.Batch, []string) {
	groups := make(map[string]domain.Batch)
	var order []string
	for _, r := range results {
		if !r.ok {
			continue
		}
		if _, ok := groups[r.sub.PoolID]; !ok {
			order = append(order, r.sub.PoolID)
		}
		groups[r.sub.PoolID] = append(groups[r.sub.PoolID], domain.Delivery{
			ConnectionID: r.sub.ConnectionID,
			Message: domain.Message{
				ID:      r.sub.ID,
				Type:    domain.MessageNext,
				Payload: r.payload,
			},
		})
	}
	return groups, order
}

func (c *Coordinator) deliver(ctx context.Context, groups map[string]domain.Batch, order []string) []error {
	errs := make([]error, len(order))

	var g errgroup.Group
	for i, poolID := range order {
		g.Go(func() error {
			err := c.dispatcher.Deliver(ctx, poolID, groups[poolID])
			if err != nil {
				c.metrics.Deliveries.WithLabelValues("failed").Inc()
				errs[i] = fmt.Errorf("pool %s: %w", poolID, err)
				return nil
			}
			c.metrics.Deliveries.WithLabelValues("ok").Inc()
			return nil
		})
	}
	_ = g.Wait()

	failed := errs[:0]
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	return failed
}

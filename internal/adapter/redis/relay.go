package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/subpool/internal/adapter/metrics"
	"github.com/pscheid92/subpool/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	poolChannelPrefix     = "subpool:pool:"
	instanceChannelPrefix = "subpool:instance:"
	handleTimeout         = 5 * time.Second
	unsubscribeTimeout    = 2 * time.Second

	subscribeConfirmTimeout  = 2 * time.Second
	subscribeConfirmInterval = 5 * time.Millisecond
)

// PoolChannel is the pub/sub channel a pool listens on.
func PoolChannel(poolID string) string {
	return poolChannelPrefix + poolID
}

// LocalPools is the in-process side of the relay.
type LocalPools interface {
	Deliver(ctx context.Context, poolID string, batch domain.Batch) error
	CloseConnection(ctx context.Context, poolID, connectionID string) error
	HasPool(poolID string) bool
}

// Relay routes pool deliveries to whichever instance hosts the pool.
type Relay struct {
	rdb        *goredis.Client
	local      LocalPools
	store      domain.SubscriptionStore
	instanceID string
	pubsub     *goredis.PubSub
	metrics    *metrics.RedisMetrics

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRelay subscribes to the instance's control channel right away so pool
// subscriptions can be added before Start.
func NewRelay(ctx context.Context, rdb *goredis.Client, local LocalPools, store domain.SubscriptionStore, instanceID string, m *metrics.RedisMetrics) *Relay {
	if m == nil {
		m = metrics.NewRedisMetrics(prometheus.NewRegistry())
	}
	return &Relay{
		rdb:        rdb,
		local:      local,
		store:      store,
		instanceID: instanceID,
		pubsub:     rdb.Subscribe(ctx, instanceChannelPrefix+instanceID),
		metrics:    m,
	}
}

// Start consumes envelopes until ctx is done or the relay is closed.
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ch := r.pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok || msg == nil {
					return
				}
				r.handle(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops consuming and releases the pub/sub connection.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.pubsub.Close()
		r.wg.Wait()
	})
	return err
}

// PoolStarted subscribes this instance to the pool's channel. It must complete
// before the pool accepts connections, or deliveries could see zero receivers.
func (r *Relay) PoolStarted(ctx context.Context, poolID string) error {
	channel := PoolChannel(poolID)
	if err := r.pubsub.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("subscribe to pool channel: %w", err)
	}

	// SUBSCRIBE is not acknowledged synchronously; wait until Redis counts us.
	ctx, cancel := context.WithTimeout(ctx, subscribeConfirmTimeout)
	defer cancel()
	for {
		counts, err := r.rdb.PubSubNumSub(ctx, channel).Result()
		if err == nil && counts[channel] > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("subscription to %s not confirmed: %w", channel, ctx.Err())
		case <-time.After(subscribeConfirmInterval):
		}
	}
}

// PoolStopped drops the pool's channel subscription.
func (r *Relay) PoolStopped(poolID string) {
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := r.pubsub.Unsubscribe(ctx, PoolChannel(poolID)); err != nil {
		slog.Warn("failed to unsubscribe pool channel", "pool_id", poolID, "error", err)
	}
}

// Deliver sends batch to the pool, locally when hosted here, otherwise over
// Redis. When no instance listens for the pool, its connections are evicted.
func (r *Relay) Deliver(ctx context.Context, poolID string, batch domain.Batch) error {
	if r.local.HasPool(poolID) {
		return r.local.Deliver(ctx, poolID, batch)
	}

	receivers, err := r.publish(ctx, poolID, envelope{Kind: kindDeliver, Origin: r.instanceID, Batch: batch})
	if err != nil {
		return err
	}
	if receivers == 0 {
		r.evict(ctx, poolID, batch.ConnectionIDs()...)
	}
	return nil
}

// CloseConnection closes a connection wherever it lives; unreachable
// connections have their rows deleted.
func (r *Relay) CloseConnection(ctx context.Context, poolID, connectionID string) error {
	if r.local.HasPool(poolID) {
		return r.local.CloseConnection(ctx, poolID, connectionID)
	}

	receivers, err := r.publish(ctx, poolID, envelope{Kind: kindClose, Origin: r.instanceID, ConnectionID: connectionID})
	if err != nil {
		return err
	}
	if receivers == 0 {
		r.evict(ctx, poolID, connectionID)
	}
	return nil
}

// PoolAlive reports whether any instance still subscribes to the pool's channel.
func (r *Relay) PoolAlive(ctx context.Context, poolID string) (bool, error) {
	if r.local.HasPool(poolID) {
		return true, nil
	}
	return NewDirectory(r.rdb).PoolAlive(ctx, poolID)
}

// Directory answers pool liveness from Redis alone, for processes that host no pools.
type Directory struct {
	rdb *goredis.Client
}

var _ domain.PoolDirectory = (*Directory)(nil)

func NewDirectory(rdb *goredis.Client) *Directory {
	return &Directory{rdb: rdb}
}

func (d *Directory) PoolAlive(ctx context.Context, poolID string) (bool, error) {
	channel := PoolChannel(poolID)
	counts, err := d.rdb.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return false, fmt.Errorf("pubsub numsub %s: %w", channel, err)
	}
	return counts[channel] > 0, nil
}

func (r *Relay) publish(ctx context.Context, poolID string, e envelope) (int64, error) {
	if e.Kind == kindDeliver {
		for i, d := range e.Batch {
			if d.ConnectionID == "" || d.Message.ID == "" || d.Message.Type == "" {
				return 0, fmt.Errorf("%w: entry %d is incomplete", domain.ErrProtocol, i)
			}
		}
	}

	data, err := encodeEnvelope(e)
	if err != nil {
		return 0, fmt.Errorf("%w: encode relay envelope: %w", domain.ErrDelivery, err)
	}

	receivers, err := r.rdb.Publish(ctx, PoolChannel(poolID), data).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: publish to pool %s: %w", domain.ErrDelivery, poolID, err)
	}
	r.metrics.RelayMessages.WithLabelValues("sent", e.Kind.String()).Inc()
	return receivers, nil
}

func (r *Relay) evict(ctx context.Context, poolID string, connectionIDs ...string) {
	for _, id := range connectionIDs {
		if err := r.store.DeleteByConnection(ctx, id); err != nil {
			slog.Error("failed to evict connection of unreachable pool", "pool_id", poolID, "connection_id", id, "error", err)
			continue
		}
		r.metrics.RelayEvictions.Inc()
	}
	slog.Debug("evicted connections of unreachable pool", "pool_id", poolID, "connections", len(connectionIDs))
}

func (r *Relay) handle(ctx context.Context, msg *goredis.Message) {
	poolID, ok := strings.CutPrefix(msg.Channel, poolChannelPrefix)
	if !ok {
		// instance control channel, nothing is sent there yet
		return
	}

	e, err := decodeEnvelope([]byte(msg.Payload))
	if err != nil {
		slog.Warn("dropping relay message", "pool_id", poolID, "error", err)
		r.metrics.RelayMessages.WithLabelValues("dropped", "unknown").Inc()
		return
	}
	r.metrics.RelayMessages.WithLabelValues("received", e.Kind.String()).Inc()

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	switch e.Kind {
	case kindDeliver:
		err = r.local.Deliver(ctx, poolID, e.Batch)
	case kindClose:
		err = r.local.CloseConnection(ctx, poolID, e.ConnectionID)
	}
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, domain.ErrProtocol) {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "relay message failed", "pool_id", poolID, "kind", e.Kind.String(), "origin", e.Origin, "error", err)
	}
}

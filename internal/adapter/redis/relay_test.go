package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/subpool/internal/adapter/memory"
	"github.com/pscheid92/subpool/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocal struct {
	mu        sync.Mutex
	pools     map[string]bool
	delivered map[string][]domain.Batch
	closed    []string
}

func newFakeLocal(pools ...string) *fakeLocal {
	l := &fakeLocal{pools: make(map[string]bool), delivered: make(map[string][]domain.Batch)}
	for _, p := range pools {
		l.pools[p] = true
	}
	return l
}

func (l *fakeLocal) Deliver(_ context.Context, poolID string, batch domain.Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delivered[poolID] = append(l.delivered[poolID], batch)
	return nil
}

func (l *fakeLocal) CloseConnection(_ context.Context, _ string, connectionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, connectionID)
	return nil
}

func (l *fakeLocal) HasPool(poolID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pools[poolID]
}

func (l *fakeLocal) batches(poolID string) []domain.Batch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Batch(nil), l.delivered[poolID]...)
}

func (l *fakeLocal) closedConnections() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.closed...)
}

func batchFor(conns ...string) domain.Batch {
	b := make(domain.Batch, 0, len(conns))
	for _, c := range conns {
		b = append(b, domain.Delivery{ConnectionID: c, Message: domain.Message{ID: "1", Type: domain.MessageNext, Payload: []byte(`{}`)}})
	}
	return b
}

func TestRelay_LocalPoolSkipsRedis(t *testing.T) {
	// nothing listens on this address; a Redis round trip would fail
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer func() { _ = rdb.Close() }()

	local := newFakeLocal("a:global")
	store := memory.NewSubscriptionStore(clockwork.NewFakeClock())
	relay := NewRelay(context.Background(), rdb, local, store, "a", nil)
	defer func() { _ = relay.Close() }()

	require.NoError(t, relay.Deliver(context.Background(), "a:global", batchFor("c1")))
	assert.Len(t, local.batches("a:global"), 1)

	require.NoError(t, relay.CloseConnection(context.Background(), "a:global", "c1"))
	assert.Equal(t, []string{"c1"}, local.closedConnections())

	alive, err := relay.PoolAlive(context.Background(), "a:global")
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestRelay_RemoteFailureIsDeliveryError(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer func() { _ = rdb.Close() }()

	relay := NewRelay(context.Background(), rdb, newFakeLocal(), memory.NewSubscriptionStore(clockwork.NewFakeClock()), "a", nil)
	defer func() { _ = relay.Close() }()

	err := relay.Deliver(context.Background(), "b:global", batchFor("c1"))
	assert.ErrorIs(t, err, domain.ErrDelivery)
}

func TestRelay_RejectsIncompleteBatch(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer func() { _ = rdb.Close() }()

	relay := NewRelay(context.Background(), rdb, newFakeLocal(), memory.NewSubscriptionStore(clockwork.NewFakeClock()), "a", nil)
	defer func() { _ = relay.Close() }()

	err := relay.Deliver(context.Background(), "b:global", domain.Batch{{ConnectionID: "c1"}})
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

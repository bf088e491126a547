package domain

import (
	"context"
	"time"
)

// SubscriptionStore persists subscription rows. It is the only state shared
// between pools and the fan-out path.
type SubscriptionStore interface {
	// Insert stores a new row. A second row with the same (pool, connection, id)
	// is rejected with ErrSubscriptionExists.
	Insert(ctx context.Context, sub Subscription) error
	// DeleteByConnection removes every row of a connection. Zero rows is not an error.
	DeleteByConnection(ctx context.Context, connectionID string) error
	// DeleteByID removes a single subscription of a connection.
	DeleteByID(ctx context.Context, connectionID, id string) error
	QueryByTopic(ctx context.Context, topic string) ([]Subscription, error)
}

// Dispatcher delivers a batch to the pool that owns its connections.
type Dispatcher interface {
	Deliver(ctx context.Context, poolID string, batch Batch) error
}

// PoolSweeper is implemented by stores that can enumerate and drop rows per pool.
// It backs orphan cleanup for pools whose instance died without closing its sockets.
// DeleteByPool only drops rows created before createdBefore, so a pool restarted
// mid-sweep keeps its new rows.
type PoolSweeper interface {
	ListPools(ctx context.Context) ([]string, error)
	DeleteByPool(ctx context.Context, poolID string, createdBefore time.Time) (int64, error)
}

// PoolDirectory reports whether a pool is still hosted by a live instance.
type PoolDirectory interface {
	PoolAlive(ctx context.Context, poolID string) (bool, error)
}

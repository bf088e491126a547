package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/subpool/internal/domain"
)

const uniqueViolation = "23505"

const (
	insertSubscriptionSQL = `
INSERT INTO subscriptions (id, pool_id, connection_id, topic, filter, descriptor)
VALUES ($1, $2, $3, $4, $5, $6)`

	deleteByConnectionSQL = `DELETE FROM subscriptions WHERE connection_id = $1`

	deleteByIDSQL = `DELETE FROM subscriptions WHERE connection_id = $1 AND id = $2`

	queryByTopicSQL = `
SELECT id, pool_id, connection_id, topic, filter, descriptor, created_at
FROM subscriptions
WHERE topic = $1`

	listPoolsSQL = `SELECT DISTINCT pool_id FROM subscriptions`

	deleteByPoolSQL = `DELETE FROM subscriptions WHERE pool_id = $1 AND created_at < $2`
)

// SubscriptionRepo stores subscription rows in the subscriptions table.
// Filter and descriptor are JSONB; a NULL filter matches every payload.
type SubscriptionRepo struct {
	pool *pgxpool.Pool
}

var (
	_ domain.SubscriptionStore = (*SubscriptionRepo)(nil)
	_ domain.PoolSweeper       = (*SubscriptionRepo)(nil)
)

func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

func (r *SubscriptionRepo) Insert(ctx context.Context, sub domain.Subscription) error {
	descriptor, err := json.Marshal(sub.Descriptor)
	if err != nil {
		return fmt.Errorf("failed to encode descriptor: %w", err)
	}

	var filter any
	if sub.Filter != nil {
		b, err := json.Marshal(sub.Filter)
		if err != nil {
			return fmt.Errorf("failed to encode filter: %w", err)
		}
		filter = b
	}

	_, err = r.pool.Exec(ctx, insertSubscriptionSQL, sub.ID, sub.PoolID, sub.ConnectionID, sub.Topic, filter, descriptor)
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr.Code == uniqueViolation {
		return fmt.Errorf("subscription %q on connection %q: %w", sub.ID, sub.ConnectionID, domain.ErrSubscriptionExists)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to insert subscription: %w", domain.ErrStore, err)
	}
	return nil
}

func (r *SubscriptionRepo) DeleteByConnection(ctx context.Context, connectionID string) error {
	if _, err := r.pool.Exec(ctx, deleteByConnectionSQL, connectionID); err != nil {
		return fmt.Errorf("%w: failed to delete subscriptions of connection: %w", domain.ErrStore, err)
	}
	return nil
}

func (r *SubscriptionRepo) DeleteByID(ctx context.Context, connectionID, id string) error {
	if _, err := r.pool.Exec(ctx, deleteByIDSQL, connectionID, id); err != nil {
		return fmt.Errorf("%w: failed to delete subscription: %w", domain.ErrStore, err)
	}
	return nil
}

func (r *SubscriptionRepo) QueryByTopic(ctx context.Context, topic string) ([]domain.Subscription, error) {
	rows, err := r.pool.Query(ctx, queryByTopicSQL, topic)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query subscriptions by topic: %w", domain.ErrStore, err)
	}

	subs, err := pgx.CollectRows(rows, scanSubscription)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read subscriptions: %w", domain.ErrStore, err)
	}
	return subs, nil
}

func (r *SubscriptionRepo) ListPools(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, listPoolsSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list pools: %w", domain.ErrStore, err)
	}

	pools, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read pools: %w", domain.ErrStore, err)
	}
	return pools, nil
}

func (r *SubscriptionRepo) DeleteByPool(ctx context.Context, poolID string, createdBefore time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, deleteByPoolSQL, poolID, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to delete subscriptions of pool: %w", domain.ErrStore, err)
	}
	return tag.RowsAffected(), nil
}

func scanSubscription(row pgx.CollectableRow) (domain.Subscription, error) {
	var (
		sub        domain.Subscription
		filter     []byte
		descriptor []byte
	)
	if err := row.Scan(&sub.ID, &sub.PoolID, &sub.ConnectionID, &sub.Topic, &filter, &descriptor, &sub.CreatedAt); err != nil {
		return domain.Subscription{}, err
	}

	if filter != nil {
		if err := json.Unmarshal(filter, &sub.Filter); err != nil {
			return domain.Subscription{}, fmt.Errorf("failed to decode filter of %q: %w", sub.ID, err)
		}
	}
	if err := json.Unmarshal(descriptor, &sub.Descriptor); err != nil {
		return domain.Subscription{}, fmt.Errorf("failed to decode descriptor of %q: %w", sub.ID, err)
	}
	return sub, nil
}

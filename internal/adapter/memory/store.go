// Package memory is an in-process subscription store for single-instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/subpool/internal/domain"
)

type rowKey struct {
	poolID       string
	connectionID string
	id           string
}

// SubscriptionStore keeps rows in maps indexed by topic and by connection.
type SubscriptionStore struct {
	mu           sync.RWMutex
	clock        clockwork.Clock
	rows         map[rowKey]domain.Subscription
	byTopic      map[string]map[rowKey]struct{}
	byConnection map[string]map[rowKey]struct{}
}

var (
	_ domain.SubscriptionStore = (*SubscriptionStore)(nil)
	_ domain.PoolSweeper       = (*SubscriptionStore)(nil)
)

func NewSubscriptionStore(clock clockwork.Clock) *SubscriptionStore {
	return &SubscriptionStore{
		clock:        clock,
		rows:         make(map[rowKey]domain.Subscription),
		byTopic:      make(map[string]map[rowKey]struct{}),
		byConnection: make(map[string]map[rowKey]struct{}),
	}
}

func (s *SubscriptionStore) Insert(_ context.Context, sub domain.Subscription) error {
	key := rowKey{poolID: sub.PoolID, connectionID: sub.ConnectionID, id: sub.ID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows[key]; exists {
		return fmt.Errorf("subscription %q on connection %q: %w", sub.ID, sub.ConnectionID, domain.ErrSubscriptionExists)
	}

	sub.CreatedAt = s.clock.Now()
	s.rows[key] = sub
	index(s.byTopic, sub.Topic, key)
	index(s.byConnection, sub.ConnectionID, key)
	return nil
}

func (s *SubscriptionStore) DeleteByConnection(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.byConnection[connectionID] {
		s.remove(key)
	}
	return nil
}

func (s *SubscriptionStore) DeleteByID(_ context.Context, connectionID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.byConnection[connectionID] {
		if key.id == id {
			s.remove(key)
		}
	}
	return nil
}

func (s *SubscriptionStore) QueryByTopic(_ context.Context, topic string) ([]domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.byTopic[topic]
	subs := make([]domain.Subscription, 0, len(keys))
	for key := range keys {
		subs = append(subs, s.rows[key])
	}
	return subs, nil
}

func (s *SubscriptionStore) ListPools(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	pools := make([]string, 0)
	for key := range s.rows {
		if _, ok := seen[key.poolID]; ok {
			continue
		}
		seen[key.poolID] = struct{}{}
		pools = append(pools, key.poolID)
	}
	return pools, nil
}

func (s *SubscriptionStore) DeleteByPool(_ context.Context, poolID string, createdBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, row := range s.rows {
		if key.poolID == poolID && row.CreatedAt.Before(createdBefore) {
			s.remove(key)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of stored rows.
func (s *SubscriptionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// must be called with mu held
func (s *SubscriptionStore) remove(key rowKey) {
	sub, ok := s.rows[key]
	if !ok {
		return
	}
	delete(s.rows, key)
	unindex(s.byTopic, sub.Topic, key)
	unindex(s.byConnection, sub.ConnectionID, key)
}

func index(idx map[string]map[rowKey]struct{}, name string, key rowKey) {
	set, ok := idx[name]
	if !ok {
		set = make(map[rowKey]struct{})
		idx[name] = set
	}
	set[key] = struct{}{}
}

func unindex(idx map[string]map[rowKey]struct{}, name string, key rowKey) {
	set := idx[name]
	delete(set, key)
	if len(set) == 0 {
		delete(idx, name)
	}
}

package app

import (
	"context"
	"log/slog"
	"time"
)

const sweepScanTimeout = 30 * time.Second

// SweepOrphans deletes the rows of every pool no live instance hosts anymore.
// Those rows belong to sockets that died with their instance; nothing else removes them.
// Only rows older than the scan are deleted: a pool that comes back between the
// liveness check and the delete keeps what it wrote since.
func (s *Service) SweepOrphans(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, sweepScanTimeout)
	defer cancel()

	scanStart := s.clock.Now()
	pools, err := s.sweeper.ListPools(ctx)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, poolID := range pools {
		alive, err := s.directory.PoolAlive(ctx, poolID)
		if err != nil {
			slog.Warn("Skipping pool, liveness unknown", "pool_id", poolID, "error", err)
			continue
		}
		if alive {
			continue
		}

		n, err := s.sweeper.DeleteByPool(ctx, poolID, scanStart)
		if err != nil {
			slog.Error("Failed to delete orphaned pool rows", "pool_id", poolID, "error", err)
			continue
		}
		s.metrics.OrphanPoolsSwept.Inc()
		deleted += n
		slog.Info("Swept orphaned pool", "pool_id", poolID, "rows", n)
	}
	return deleted, nil
}

func (s *Service) startSweepTimer() {
	ticker := s.clock.NewTicker(s.sweepInterval)
	s.sweepWg.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if _, err := s.SweepOrphans(context.Background()); err != nil {
					slog.Error("Orphan sweep failed", "error", err)
				}
			case <-s.stopCh:
				return
			}
		}
	})
	slog.Info("Orphan sweep started", "interval", s.sweepInterval)
}

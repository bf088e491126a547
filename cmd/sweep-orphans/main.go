// Command sweep-orphans deletes subscription rows whose pool no instance hosts anymore.
// Servers run the same sweep periodically; this is the one-shot version for operators.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/pscheid92/subpool/internal/adapter/postgres"
	"github.com/pscheid92/subpool/internal/adapter/redis"
	"github.com/pscheid92/subpool/internal/app"
	"github.com/pscheid92/subpool/internal/domain"
	"github.com/pscheid92/subpool/internal/platform/logging"
	"github.com/spf13/pflag"
)

const connectTimeout = 10 * time.Second

func main() {
	var (
		databaseURL = pflag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres URL (or set DATABASE_URL env)")
		redisURL    = pflag.String("redis", os.Getenv("REDIS_URL"), "Redis URL (or set REDIS_URL env)")
		dryRun      = pflag.Bool("dry-run", false, "Only report orphaned pools, delete nothing")
		verbose     = pflag.BoolP("verbose", "v", false, "Verbose logging")
	)
	pflag.Parse()

	if *databaseURL == "" || *redisURL == "" {
		log.Fatal("Postgres and Redis URLs are required (--database-url/DATABASE_URL, --redis/REDIS_URL)")
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	slog.SetDefault(logging.New(os.Stdout, level, "text"))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	db, err := postgres.Connect(ctx, *databaseURL, 2, nil)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()
	slog.Info("Connected to Postgres", "url", sanitizeURL(*databaseURL))

	rdb, err := redis.NewClient(ctx, *redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() { _ = rdb.Close() }()
	slog.Info("Connected to Redis", "url", sanitizeURL(*redisURL))

	start := time.Now()
	summary, err := run(context.Background(), postgres.NewSubscriptionRepo(db), redis.NewDirectory(rdb), *dryRun)
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}

	slog.Info("Sweep summary",
		"dry_run", *dryRun,
		"pools", summary.pools,
		"orphaned", len(summary.orphaned),
		"rows_deleted", summary.deleted,
		"duration_ms", time.Since(start).Milliseconds())
}

type summary struct {
	pools    int
	orphaned []string
	deleted  int64
}

func run(ctx context.Context, sweeper domain.PoolSweeper, dir domain.PoolDirectory, dryRun bool) (summary, error) {
	pools, err := sweeper.ListPools(ctx)
	if err != nil {
		return summary{}, fmt.Errorf("list pools: %w", err)
	}

	s := summary{pools: len(pools)}
	for _, poolID := range pools {
		alive, err := dir.PoolAlive(ctx, poolID)
		if err != nil {
			return s, fmt.Errorf("check pool %s: %w", poolID, err)
		}
		slog.Debug("Checked pool", "pool_id", poolID, "alive", alive)
		if !alive {
			s.orphaned = append(s.orphaned, poolID)
		}
	}

	if dryRun || len(s.orphaned) == 0 {
		return s, nil
	}

	svc := app.NewService(app.Options{Sweeper: sweeper, Directory: dir})
	defer svc.Stop()
	s.deleted, err = svc.SweepOrphans(ctx)
	if err != nil {
		return s, fmt.Errorf("sweep: %w", err)
	}
	return s, nil
}

func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[invalid url]"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

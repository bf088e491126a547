package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/subpool/internal/adapter/httpserver"
	"github.com/pscheid92/subpool/internal/adapter/kafka"
	"github.com/pscheid92/subpool/internal/adapter/memory"
	"github.com/pscheid92/subpool/internal/adapter/metrics"
	"github.com/pscheid92/subpool/internal/adapter/postgres"
	"github.com/pscheid92/subpool/internal/adapter/redis"
	"github.com/pscheid92/subpool/internal/adapter/resilient"
	ws "github.com/pscheid92/subpool/internal/adapter/websocket"
	"github.com/pscheid92/subpool/internal/app"
	"github.com/pscheid92/subpool/internal/domain"
	"github.com/pscheid92/subpool/internal/fanout"
	"github.com/pscheid92/subpool/internal/platform/config"
	"github.com/pscheid92/subpool/internal/platform/logging"
	"github.com/pscheid92/subpool/internal/platform/version"
	"github.com/pscheid92/subpool/internal/pool"
	"github.com/pscheid92/subpool/internal/protocol"
	goredis "github.com/redis/go-redis/v9"
)

const (
	startupTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// sweepableStore is what the pools and the orphan sweep need from the store.
type sweepableStore interface {
	domain.SubscriptionStore
	domain.PoolSweeper
}

type components struct {
	server   *httpserver.Server
	app      *app.Service
	manager  *pool.Manager
	relay    *redis.Relay
	consumer *kafka.Consumer
	cancel   context.CancelFunc
}

func runGracefulShutdown(c components) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		if c.consumer != nil {
			if err := c.consumer.Close(); err != nil {
				slog.Error("Kafka consumer close error", "error", err)
			}
		}

		// In-flight publishes finish before the pools go away.
		c.app.Stop()
		c.manager.Stop()

		if c.relay != nil {
			if err := c.relay.Close(); err != nil {
				slog.Error("Relay close error", "error", err)
			}
		}
		c.cancel()

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, tracer pgx.QueryTracer) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, 0, tracer)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, db); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return db
}

func setupRedis(cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL, redis.NewMetricsHook(m), redis.NewCircuitBreakerHook(m))
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupStore(cfg *config.Config, clock clockwork.Clock, reg prometheus.Registerer) (sweepableStore, *pgxpool.Pool) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		slog.Info("Using in-memory subscription store")
		return memory.NewSubscriptionStore(clock), nil
	}

	db := setupDB(cfg, postgres.NewQueryTracer(metrics.NewDatabaseMetrics(reg), clock))
	store := resilient.NewStore(postgres.NewSubscriptionRepo(db), resilient.Options{}, metrics.NewStoreMetrics(reg))
	return store, db
}

func setupKafka(ctx context.Context, cfg *config.Config, publisher kafka.Publisher) *kafka.Consumer {
	reader, err := kafka.NewReader(kafka.ConsumerConfig{
		Brokers: cfg.Brokers(),
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
	})
	if err != nil {
		slog.Error("Failed to create Kafka reader", "error", err)
		os.Exit(1)
	}
	consumer := kafka.NewConsumer(reader, publisher)
	consumer.Start(ctx)
	return consumer
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "version", version.Get().Version, "env", cfg.AppEnv, "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := metrics.NewRegistry()
	poolMetrics := metrics.NewPoolMetrics(reg)
	wsMetrics := metrics.NewWebSocketMetrics(reg)

	store, db := setupStore(cfg, clock, reg)
	if db != nil {
		defer db.Close()
	}

	strategy, err := pool.ParseStrategy(cfg.PoolingStrategy)
	if err != nil {
		slog.Error("Invalid pooling strategy", "error", err)
		os.Exit(1)
	}

	schema := app.DemoSchema()
	hooks := app.Hooks{
		IsPublishAuthorized: app.BearerToken(cfg.PublishToken),
		OnConnect:           app.InitPayloadToken(cfg.ConnectToken),
	}

	var (
		redisClient  *goredis.Client
		redisMetrics *metrics.RedisMetrics
		relay        *redis.Relay
	)
	if cfg.RedisURL != "" {
		redisMetrics = metrics.NewRedisMetrics(reg)
		redisClient = setupRedis(cfg, redisMetrics)
		defer func() { _ = redisClient.Close() }()
	}

	managerOpts := pool.Options{
		InstanceID: cfg.InstanceID,
		Strategy:   strategy,
		Protocol: protocol.Config{
			KeepAliveInterval: cfg.KeepAliveInterval,
			PongTimeout:       cfg.PongTimeout,
			InitTimeout:       cfg.ConnectionInitTimeout,
		},
		MaxConnectionsPerPool: cfg.MaxConnectionsPerPool,
		Store:                 store,
		Resolver:              schema,
		OnConnect:             hooks.OnConnect,
		Clock:                 clock,
		Metrics:               poolMetrics,
		WSMetrics:             wsMetrics,
	}
	if redisClient != nil {
		// The relay is created right after the manager; pools only start on connect.
		managerOpts.OnPoolStarted = func(ctx context.Context, poolID string) error { return relay.PoolStarted(ctx, poolID) }
		managerOpts.OnPoolStopped = func(poolID string) { relay.PoolStopped(poolID) }
	}
	manager := pool.NewManager(managerOpts)

	var (
		dispatcher domain.Dispatcher    = manager
		directory  domain.PoolDirectory = manager
	)
	if redisClient != nil {
		relay = redis.NewRelay(ctx, redisClient, manager, store, manager.InstanceID(), redisMetrics)
		relay.Start(ctx)
		dispatcher = relay
		directory = relay
	}

	coordinator := fanout.NewCoordinator(store, schema, dispatcher,
		fanout.WithConcurrency(cfg.ResolveConcurrency),
		fanout.WithClock(clock),
		fanout.WithMetrics(metrics.NewFanoutMetrics(reg)),
	)

	appSvc := app.NewService(app.Options{
		Connector:      manager,
		Publisher:      coordinator,
		Hooks:          hooks,
		Sweeper:        store,
		Directory:      directory,
		SweepInterval:  cfg.SweepInterval,
		PublishTimeout: cfg.PublishTimeout,
		Clock:          clock,
		Metrics:        poolMetrics,
	})

	var consumer *kafka.Consumer
	if len(cfg.Brokers()) > 0 {
		consumer = setupKafka(ctx, cfg, appSvc)
	}

	healthChecks := []httpserver.HealthCheck{}
	if db != nil {
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "postgres", Check: db.Ping})
	}
	if redisClient != nil {
		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}
	if consumer != nil {
		brokers := kafka.BrokerCheck(cfg.Brokers(), cfg.KafkaTopic)
		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name: "kafka",
			Check: func(ctx context.Context) error {
				if err := consumer.Check(ctx); err != nil {
					return err
				}
				return brokers(ctx)
			},
		})
	}

	srv, err := httpserver.NewServer(cfg, appSvc, httpserver.Deps{
		Upgrader:     ws.NewUpgrader(ws.NewCheckOrigin(cfg.Origins(), !cfg.IsProduction())),
		Limits:       ws.NewLimits(clock, int64(cfg.MaxWebSocketConnections), cfg.MaxConnectionsPerIP, cfg.ConnectRateLimit, cfg.ConnectRateBurst),
		HealthChecks: healthChecks,
		Registry:     reg,
		HTTPMetrics:  metrics.NewHTTPMetrics(reg),
		WSMetrics:    wsMetrics,
	})
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	done := runGracefulShutdown(components{
		server:   srv,
		app:      appSvc,
		manager:  manager,
		relay:    relay,
		consumer: consumer,
		cancel:   cancel,
	})

	slog.Info("Server starting", "instance_id", manager.InstanceID(), "pooling", strategy.String(), "store", cfg.StoreBackend)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

type Config struct {
	AppEnv     string `env:"APP_ENV" default:"development"`
	Port       string `env:"PORT" default:"8080"`
	LogLevel   string `env:"LOG_LEVEL" default:"info"`
	LogFormat  string `env:"LOG_FORMAT" default:"text"`
	InstanceID string `env:"INSTANCE_ID"`

	StoreBackend string `env:"STORE_BACKEND" default:"postgres"`
	DatabaseURL  string `env:"DATABASE_URL"`
	RedisURL     string `env:"REDIS_URL"`

	PoolingStrategy       string `env:"POOLING_STRATEGY" default:"global"`
	MaxConnectionsPerPool int    `env:"MAX_CONNECTIONS_PER_POOL" default:"0"`
	ConnectPath           string `env:"CONNECT_PATH" default:"/graphql"`
	PublishPath           string `env:"PUBLISH_PATH" default:"/publish"`
	PublishToken          string `env:"PUBLISH_TOKEN"`
	ConnectToken          string `env:"CONNECT_TOKEN"`
	AllowedOrigins        string `env:"ALLOWED_ORIGINS"`

	KeepAliveInterval     time.Duration `env:"KEEPALIVE_INTERVAL" default:"12s"`
	PongTimeout           time.Duration `env:"PONG_TIMEOUT" default:"6s"`
	ConnectionInitTimeout time.Duration `env:"CONNECTION_INIT_TIMEOUT" default:"3s"`
	PublishTimeout        time.Duration `env:"PUBLISH_TIMEOUT" default:"30s"`
	SweepInterval         time.Duration `env:"SWEEP_INTERVAL" default:"5m"`

	ResolveConcurrency      int     `env:"RESOLVE_CONCURRENCY" default:"64"`
	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectRateLimit        float64 `env:"CONNECT_RATE_LIMIT" default:"10"`
	ConnectRateBurst        int     `env:"CONNECT_RATE_BURST" default:"20"`
	PublishRateLimit        float64 `env:"PUBLISH_RATE_LIMIT" default:"50"`
	PublishRateBurst        int     `env:"PUBLISH_RATE_BURST" default:"100"`

	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaTopic   string `env:"KAFKA_TOPIC" default:"subpool.events"`
	KafkaGroupID string `env:"KAFKA_GROUP_ID" default:"subpool"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Origins returns ALLOWED_ORIGINS split on commas.
func (c *Config) Origins() []string {
	var origins []string
	for o := range strings.SplitSeq(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Brokers returns KAFKA_BROKERS split on commas; empty disables Kafka ingress.
func (c *Config) Brokers() []string {
	var brokers []string
	for b := range strings.SplitSeq(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func validate(cfg *Config) error {
	switch cfg.StoreBackend {
	case StoreBackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendPostgres, StoreBackendMemory, cfg.StoreBackend)
	}

	if err := validateStrategy(cfg.PoolingStrategy); err != nil {
		return err
	}

	if !strings.HasPrefix(cfg.ConnectPath, "/") || !strings.HasPrefix(cfg.PublishPath, "/") {
		return errors.New("CONNECT_PATH and PUBLISH_PATH must start with /")
	}
	if cfg.ConnectPath == cfg.PublishPath {
		return errors.New("CONNECT_PATH and PUBLISH_PATH must differ")
	}

	if cfg.KeepAliveInterval <= 0 || cfg.PongTimeout <= 0 || cfg.ConnectionInitTimeout <= 0 {
		return errors.New("KEEPALIVE_INTERVAL, PONG_TIMEOUT and CONNECTION_INIT_TIMEOUT must be positive")
	}
	if cfg.PongTimeout >= cfg.KeepAliveInterval {
		return fmt.Errorf("PONG_TIMEOUT (%v) must be shorter than KEEPALIVE_INTERVAL (%v)", cfg.PongTimeout, cfg.KeepAliveInterval)
	}
	if cfg.PublishTimeout <= 0 {
		return errors.New("PUBLISH_TIMEOUT must be positive")
	}

	if cfg.ResolveConcurrency < 1 {
		return errors.New("RESOLVE_CONCURRENCY must be at least 1")
	}
	if cfg.MaxWebSocketConnections < 1 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS must be at least 1")
	}
	if cfg.MaxConnectionsPerIP < 1 {
		return errors.New("MAX_CONNECTIONS_PER_IP must be at least 1")
	}
	if cfg.ConnectRateLimit <= 0 || cfg.ConnectRateBurst < 1 {
		return errors.New("CONNECT_RATE_LIMIT must be positive and CONNECT_RATE_BURST at least 1")
	}

	if cfg.IsProduction() && cfg.DatabaseURL != "" {
		if err := validateSSLMode(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	return nil
}

func validateStrategy(value string) error {
	switch {
	case value == "none" || value == "global":
		return nil
	case strings.HasPrefix(value, "header:") && strings.TrimSpace(strings.TrimPrefix(value, "header:")) != "":
		return nil
	case strings.HasPrefix(value, "query:") && strings.TrimSpace(strings.TrimPrefix(value, "query:")) != "":
		return nil
	default:
		return fmt.Errorf("POOLING_STRATEGY must be none, global, header:<Name> or query:<param>, got %q", value)
	}
}

func validateSSLMode(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}
	mode := strings.ToLower(u.Query().Get("sslmode"))
	if mode == "disable" || mode == "allow" {
		return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
	}
	return nil
}

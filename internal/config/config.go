// Package config loads the gateway configuration from the environment. All
// keys share the GATEWAY_ prefix, e.g. GATEWAY_LISTEN_ADDR.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix for every gateway key.
const Prefix = "GATEWAY"

// Config holds every tunable of the gateway process.
type Config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"10s"`

	// RequestTimeout bounds each collaborator round-trip made on behalf of a
	// single client event (token decode, relationship queries, persistence).
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"5s"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer string `envconfig:"JWT_ISSUER"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	DatabaseURL   string `envconfig:"DATABASE_URL" required:"true"`
	NATSURL       string `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	NotifyIngress bool   `envconfig:"NOTIFY_INGRESS" default:"true"`

	ChatRateLimit      int           `envconfig:"CHAT_RATE_LIMIT" default:"5"`
	ChatRateWindow     time.Duration `envconfig:"CHAT_RATE_WINDOW" default:"10s"`
	PresenceRateLimit  int           `envconfig:"PRESENCE_RATE_LIMIT" default:"30"`
	PresenceRateWindow time.Duration `envconfig:"PRESENCE_RATE_WINDOW" default:"10s"`
	MaxPresenceQuery   int           `envconfig:"MAX_PRESENCE_QUERY" default:"200"`

	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"json"`
	ServerName string `envconfig:"SERVER_NAME"`
}

// Load reads the configuration from the environment and validates it. An empty
// SERVER_NAME falls back to the hostname.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.ServerName == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "gateway-1"
		}
		cfg.ServerName = host
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values that would leave the gateway unable to serve.
func (c Config) Validate() error {
	switch {
	case c.WorkerPoolSize <= 0:
		return fmt.Errorf("config: WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	case c.MaxConnections <= 0:
		return fmt.Errorf("config: MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("config: REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	case c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0:
		return fmt.Errorf("config: heartbeat interval and timeout must be positive")
	case c.ChatRateLimit <= 0 || c.ChatRateWindow <= 0:
		return fmt.Errorf("config: chat rate limit and window must be positive")
	case c.PresenceRateLimit <= 0 || c.PresenceRateWindow <= 0:
		return fmt.Errorf("config: presence rate limit and window must be positive")
	case c.MaxPresenceQuery <= 0:
		return fmt.Errorf("config: MAX_PRESENCE_QUERY must be positive, got %d", c.MaxPresenceQuery)
	case c.JWTSecret == "":
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sparkmatch/gateway/internal/chat"
	"github.com/sparkmatch/gateway/internal/config"
	"github.com/sparkmatch/gateway/internal/gateway"
	"github.com/sparkmatch/gateway/internal/identity"
	"github.com/sparkmatch/gateway/internal/logging"
	"github.com/sparkmatch/gateway/internal/messaging"
	"github.com/sparkmatch/gateway/internal/metrics"
	"github.com/sparkmatch/gateway/internal/notify"
	"github.com/sparkmatch/gateway/internal/presence"
	"github.com/sparkmatch/gateway/internal/profile"
	"github.com/sparkmatch/gateway/internal/ratelimit"
	"github.com/sparkmatch/gateway/internal/registry"
	"github.com/sparkmatch/gateway/internal/store"
	"github.com/sparkmatch/gateway/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("gateway starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("worker_pool", cfg.WorkerPoolSize),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("nats_url", cfg.NATSURL),
		zap.Bool("notify_ingress", cfg.NotifyIngress),
		zap.String("server_name", cfg.ServerName))

	// --- Redis: last-online profile fields and rate limits ---
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	rdb, err := profile.Dial(ctx, cfg.RedisAddr)
	cancel()
	if err != nil {
		return err
	}
	defer rdb.Close()

	profiles := profile.NewStore(rdb, cfg.ServerName)
	limiter := ratelimit.NewLimiter(rdb, logger)

	// --- Postgres: relationships and the message log ---
	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		return err
	}
	ctx, cancel = context.WithTimeout(context.Background(), cfg.RequestTimeout)
	db, err := store.Open(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		return err
	}
	defer db.Close()
	pg := store.NewStore(db)

	// --- Presence ---
	tracker := presence.NewTracker(registry.New(), profiles, logger)

	// --- Transport ---
	guard := identity.NewGuard(identity.NewJWTDecoder([]byte(cfg.JWTSecret), cfg.JWTIssuer), cfg.RequestTimeout, logger)
	dispatcher := ws.NewMessageDispatcher(logger)
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}, guard, dispatcher.Dispatch, logger)

	// --- Fan-out and chat ---
	bus := notify.NewBus(tracker, server, logger)
	gate := chat.NewGate(pg, pg, bus, logger)

	gw := gateway.New(tracker, gate, limiter, gateway.Options{
		RequestTimeout:   cfg.RequestTimeout,
		MaxPresenceQuery: cfg.MaxPresenceQuery,
		ChatRule:         ratelimit.ChatRule(cfg.ChatRateLimit, cfg.ChatRateWindow),
		PresenceRule:     ratelimit.PresenceRule(cfg.PresenceRateLimit, cfg.PresenceRateWindow),
	}, logger)
	gw.Register(dispatcher)

	server.SetOnConnect(func(c *ws.Connection) { gw.HandleConnect(c) })
	server.SetOnDisconnect(func(c *ws.Connection) { gw.HandleDisconnect(c) })
	server.SetOnlineUsers(tracker.OnlineUsers)
	server.Handle("/metrics", metrics.Handler())

	// --- NATS: notification producers publish to notify.user.<id> ---
	var natsClient *messaging.NATSClient
	if cfg.NotifyIngress {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "gateway-" + cfg.ServerName

		natsClient, err = messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			return err
		}
		if err := natsClient.SubscribeNotifications(func(subject string, data []byte) {
			bus.HandleEvent(subject, data)
		}); err != nil {
			natsClient.Close()
			return err
		}
	}

	// Graceful shutdown.
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	if natsClient != nil {
		natsClient.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

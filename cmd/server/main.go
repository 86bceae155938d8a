package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fleetwire/fleetchat/internal/broker"
	"github.com/fleetwire/fleetchat/internal/chat"
	"github.com/fleetwire/fleetchat/internal/config"
	"github.com/fleetwire/fleetchat/internal/database"
	"github.com/fleetwire/fleetchat/internal/fleet"
	"github.com/fleetwire/fleetchat/internal/logging"
	"github.com/fleetwire/fleetchat/internal/redis"
	"github.com/fleetwire/fleetchat/internal/server"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrations(ctx, db); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return db
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// setupBroker picks the message broker. REDIS_URL selects the Redis
// broker so multiple processes share history and pub/sub; without it a
// single-process in-memory broker is used.
func setupBroker(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (broker.Broker, *goredis.Client) {
	if cfg.RedisURL == "" {
		slog.Info("No REDIS_URL configured, using in-memory broker")
		return broker.NewInMemoryBroker(clock), nil
	}
	client := setupRedis(ctx, cfg)
	return broker.NewRedisBroker(client, clock), client
}

func runGracefulShutdown(srv *server.Server, chatSrv *chat.Server, b broker.Broker, heartbeatCancel context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		heartbeatCancel()
		chatSrv.Stop()
		_ = b.Close()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	serverID := cfg.ServerID
	if serverID == "" {
		serverID = fmt.Sprintf("ws_server_%d_%s", cfg.ChatPort, uuid.NewString()[:8])
	}
	slog.Info("Application starting", "env", cfg.AppEnv, "server_id", serverID, "http_port", cfg.HTTPPort, "chat_addr", cfg.ChatAddr)

	pool := setupDB(cfg)
	defer pool.Close()

	msgBroker, redisClient := setupBroker(context.Background(), cfg, clock)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	userRepo := database.NewUserRepo(pool)
	messageRepo := database.NewMessageRepo(pool)

	chatSvc := chat.NewService(userRepo, messageRepo)
	coordinator := fleet.NewCoordinator(msgBroker, clock)

	chatSrv := chat.NewServer(chat.Options{
		ServerID:          serverID,
		Addr:              cfg.ChatAddr,
		Port:              cfg.ChatPort,
		MaxConnections:    cfg.MaxConnections,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	}, chatSvc, msgBroker, coordinator, clock)

	if err := chatSrv.Start(context.Background()); err != nil {
		slog.Error("Failed to start chat server", "error", err)
		os.Exit(1)
	}

	heartbeatCtx, heartbeatCancel := context.WithCancel(context.Background())
	heartbeater := fleet.NewHeartbeater(coordinator, serverID, chatSrv.ConnectionCount, clock)
	go heartbeater.Start(heartbeatCtx)

	srv := server.NewServer(cfg, chatSrv, coordinator, userRepo, messageRepo, pool)

	done := runGracefulShutdown(srv, chatSrv, msgBroker, heartbeatCancel)

	slog.Info("HTTP server starting", "port", cfg.HTTPPort)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}

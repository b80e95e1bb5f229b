/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the studio engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration (YAML + .env + env)
  2. Initialize logger and SQLite store
  3. Build the slot locker (local or Redis) and event publishers
  4. Create API handler, settlement worker and monthly scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections and drain requests
  3. Stop the settlement worker (unfinished runs are recovered on restart)
  4. Close publishers and the database

EXAMPLES:
  ./server -config=studio.yaml
  ./server -db=":memory:" -port=3000
  REDIS_ADDR=localhost:6379 ./server -config=studio.yaml

SEE ALSO:
  - config/config.go: Configuration keys and environment overrides
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/studio-engine/api"
	"github.com/warp/studio-engine/config"
	"github.com/warp/studio-engine/events"
	"github.com/warp/studio-engine/lock"
	"github.com/warp/studio-engine/logger"
	"github.com/warp/studio-engine/store/sqlite"
	"github.com/warp/studio-engine/studio"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log := logger.New(logger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "studio-engine",
	})

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to initialize database", "path", cfg.Database.Path, "error", err)
	}
	defer store.Close()

	locker, closeLocker, err := newLocker(cfg.Locks, log)
	if err != nil {
		log.Fatal("Failed to initialize slot locks", "backend", cfg.Locks.Backend, "error", err)
	}
	defer closeLocker()

	publisher, memory, closers, err := newPublisher(cfg.Events, log)
	if err != nil {
		log.Fatal("Failed to initialize event publishers", "backends", cfg.Events.Backends, "error", err)
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Warn("Failed to close publisher", "error", err)
			}
		}
	}()

	// Initialize handler
	handler := api.NewHandler(api.Deps{
		Store:     store,
		Locker:    locker,
		Publisher: publisher,
		Policy:    cfg.Settlement.Policy.InclusionPolicy(),
		Log:       log,
	})
	handler.Ping = store.Ping
	handler.Events = memory

	// Settlement worker
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	worker := api.NewSettlementWorker(store, handler.Generator, log, cfg.Settlement.Workers,
		cfg.Settlement.MaxAttempts, cfg.Settlement.Backoff())
	worker.Start(ctx)
	if _, err := worker.Recover(ctx); err != nil {
		log.Error("Failed to recover settlement runs", "error", err)
	}
	handler.Runs = worker

	// Monthly scheduler
	var scheduler *api.SettlementScheduler
	if cfg.Settlement.Cron != "" {
		loc, _ := time.LoadLocation(cfg.Settlement.Timezone)
		scheduler = api.NewSettlementScheduler(store, worker, loc, log)
		if err := scheduler.Start(cfg.Settlement.Cron); err != nil {
			log.Fatal("Failed to start settlement scheduler", "error", err)
		}
	}

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RateLimitPerSec: cfg.Server.RateLimitPerSec,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		RequestIPHeader: cfg.Server.RequestIPHeader,
		IdempotencyTTL:  cfg.Server.IdempotencyTTL(),
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", "addr", server.Addr, "db", cfg.Database.Path,
			"locks", cfg.Locks.Backend, "events", cfg.Events.Backends)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	stop()
	worker.Stop()

	log.Info("Server stopped")
}

func newLocker(cfg config.LockConfig, log *logger.Logger) (studio.Locker, func(), error) {
	if cfg.Backend != "redis" {
		return lock.NewLocal(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	l := lock.NewRedis(client, "", cfg.TTL(), 0)
	l.Log = log
	log.Info("Connected to Redis", "addr", cfg.RedisAddr)
	return l, func() { client.Close() }, nil
}

// newPublisher fans events out to every configured backend. The returned
// memory publisher is nil unless "memory" is listed.
func newPublisher(cfg config.EventsConfig, log *logger.Logger) (studio.Publisher, *events.Memory, []io.Closer, error) {
	var (
		multi   events.Multi
		memory  *events.Memory
		closers []io.Closer
	)
	for _, backend := range cfg.Backends {
		switch backend {
		case "log":
			multi = append(multi, events.Log{Log: log})
		case "memory":
			memory = events.NewMemory(1000)
			multi = append(multi, memory)
		case "amqp":
			p, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPPrefix)
			if err != nil {
				return nil, nil, closers, err
			}
			multi = append(multi, p)
			closers = append(closers, p)
		case "kafka":
			p, err := events.NewKafka(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, log)
			if err != nil {
				return nil, nil, closers, err
			}
			multi = append(multi, p)
			closers = append(closers, p)
		}
	}
	return multi, memory, closers, nil
}

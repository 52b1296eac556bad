// Command bridgingd runs the household bridging daemon: the ingest API, the
// async resolution workers, and the maintenance scheduler.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/householdiq-systems/householdiq/internal/aggregates"
	"github.com/householdiq-systems/householdiq/internal/bridging"
	"github.com/householdiq-systems/householdiq/internal/cache"
	"github.com/householdiq-systems/householdiq/internal/capping"
	"github.com/householdiq-systems/householdiq/internal/config"
	"github.com/householdiq-systems/householdiq/internal/dispatch"
	"github.com/householdiq-systems/householdiq/internal/events"
	"github.com/householdiq-systems/householdiq/internal/graph"
	"github.com/householdiq-systems/householdiq/internal/logging"
	"github.com/householdiq-systems/householdiq/internal/privacy"
	"github.com/householdiq-systems/householdiq/internal/queue"
	"github.com/householdiq-systems/householdiq/internal/router"
	"github.com/householdiq-systems/householdiq/internal/scheduler"
	"github.com/householdiq-systems/householdiq/internal/server"
	"github.com/householdiq-systems/householdiq/internal/token"
	"github.com/householdiq-systems/householdiq/internal/worker"
)

const maintenanceInterval = 15 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres
	pool, err := pgxpool.New(ctx, cfg.Database.Postgres.ConnString())
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	identityGraph := graph.NewPostgres(pool)
	eventStore := events.NewPostgres(pool)

	// Redis: identity cache, frequency capping, aggregate buffer.
	var (
		identityCache cache.Cache = cache.Noop{}
		capper        *capping.Engine
		buffer        *aggregates.Buffer
	)
	guard := privacy.NewGuard(cfg.Privacy)
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		opts.PoolSize = cfg.Redis.PoolSize
		client := redis.NewClient(opts)
		defer client.Close()

		identityCache = cache.NewRedis(client)
		capper = capping.New(client, cfg.Capping)
		buffer = aggregates.NewBuffer(client, aggregates.NewPostgres(pool), guard, logger.Component("aggregates"))
	}

	// NATS: task queue and resolution dispatch.
	conn, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.NATS.Name))
	if err != nil {
		logger.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	tasks, err := queue.NewJetStream(ctx, conn, logger.Component("queue"))
	if err != nil {
		logger.Error("failed to provision task queue", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.NewNATSDispatcher(conn)

	// Core wiring.
	resolver := bridging.NewResolver(identityGraph, eventStore, identityCache, dispatcher, cfg.Bridging, logger.Component("resolver"))
	issuer := token.NewIssuer(cfg.Bridging.TokenSecret, cfg.Bridging.TokenTTL)
	rt := router.New(eventStore, resolver, tasks, guard, capper, buffer, issuer, logger.Component("router"))

	// Workers.
	w := worker.New(resolver, eventStore, tasks, logger.Component("worker"))
	stopWorkers, err := w.Start(ctx)
	if err != nil {
		logger.Error("failed to start workers", "error", err)
		os.Exit(1)
	}
	defer stopWorkers()

	// Maintenance.
	maint := scheduler.New(identityGraph, eventStore, buffer, cfg.Bridging.Retention(), maintenanceInterval, logger.Component("scheduler"))
	go maint.Start(ctx)
	defer maint.Stop()

	// HTTP surface.
	handler := server.NewHandler(rt, logger.Component("http"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Mux(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("bridging daemon listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
	logger.Info("stopped")
}

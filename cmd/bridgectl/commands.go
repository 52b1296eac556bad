package main

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/householdiq-systems/householdiq/internal/aggregates"
	"github.com/householdiq-systems/householdiq/internal/cache"
	"github.com/householdiq-systems/householdiq/internal/events"
	"github.com/householdiq-systems/householdiq/internal/graph"
	"github.com/householdiq-systems/householdiq/internal/logging"
	"github.com/householdiq-systems/householdiq/internal/privacy"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove stale graph records and expired events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, err := pgxpool.New(ctx, cfg.Database.Postgres.ConnString())
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		cutoff := time.Now().Add(-cfg.Bridging.Retention())

		pruned, err := graph.NewPostgres(pool).PruneStale(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune graph: %w", err)
		}

		purged, err := events.NewPostgres(pool).PurgeOlderThan(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("purge events: %w", err)
		}

		fmt.Printf("Pruned %d graph records, purged %d events (cutoff %s)\n",
			pruned, purged, cutoff.Format(time.RFC3339))
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush-aggregates",
	Short: "Flush buffered daily aggregates through the privacy guard",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, err := pgxpool.New(ctx, cfg.Database.Postgres.ConnString())
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		client, err := redisClient()
		if err != nil {
			return err
		}
		defer client.Close()

		buffer := aggregates.NewBuffer(
			client,
			aggregates.NewPostgres(pool),
			privacy.NewGuard(cfg.Privacy),
			logging.Default(),
		)

		flushed, err := buffer.Flush(ctx)
		if err != nil {
			return fmt.Errorf("flush aggregates: %w", err)
		}

		fmt.Printf("Flushed %d aggregate counters\n", flushed)
		return nil
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <signal-key>",
	Short: "Look up the cached household for a signal key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := redisClient()
		if err != nil {
			return err
		}
		defer client.Close()

		householdID, ok, err := cache.NewRedis(client).Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("cache lookup: %w", err)
		}
		if !ok {
			fmt.Println("No cached household for that signal key")
			return nil
		}

		fmt.Printf("Household: %s\n", householdID)
		return nil
	},
}

func redisClient() (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Package main provides the outbox relay entry point. It publishes lifecycle
// events written to the outbox table to Redpanda.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/api/handlers"
	"github.com/drfirst/rxledger/internal/app"
	"github.com/drfirst/rxledger/internal/infrastructure/postgres"
	"github.com/drfirst/rxledger/internal/infrastructure/redpanda"
	"github.com/drfirst/rxledger/internal/observability/metrics"
)

const serviceName = "outbox-relay"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Relay lifecycle events from the outbox to Redpanda",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "topics",
		Short: "Create the lifecycle and dead-letter topics, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Bootstrap(cmd.Context(), serviceName)
			if err != nil {
				return err
			}
			defer rt.Close()
			return ensureTopics(cmd.Context(), rt.Config.KafkaBrokers, rt.Logger)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func ensureTopics(ctx context.Context, brokers []string, logger *zap.Logger) error {
	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := admin.EnsureTopics(ctx); err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}
	return nil
}

func run(ctx context.Context) error {
	rt, err := app.Bootstrap(ctx, serviceName)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logger := rt.Config, rt.Logger

	if err := cfg.RequireKafka(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	m := metrics.New(prometheus.DefaultRegisterer)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := ensureTopics(ctx, cfg.KafkaBrokers, logger); err != nil {
		return err
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		return fmt.Errorf("producer creation failed: %w", err)
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), m, logger)
	outbox.Start()
	defer outbox.Stop()
	logger.Info("outbox relay started")

	health := handlers.NewHealthHandler(map[string]handlers.Check{
		"postgres": func(ctx context.Context) error { return postgres.Ping(ctx, pool) },
		"redpanda": producer.Ping,
	}, nil)
	return app.Serve(app.NewServer(cfg.Port, app.OpsRouter(health, m, logger)), logger)
}

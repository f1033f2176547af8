// Package main provides the index reconciler entry point. It verifies every
// lifecycle event against the ledger and sweeps the divergence journal.
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
	"github.com/drfirst/rxledger/internal/infrastructure/redpanda"
	"github.com/drfirst/rxledger/internal/reconcile"
	"github.com/drfirst/rxledger/pkg/idempotency"
)

const serviceName = "index-reconciler"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Keep the prescription index in step with the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Sweep the divergence journal once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sweepOnce(cmd.Context())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func sweepOnce(ctx context.Context) error {
	rt, err := app.Bootstrap(ctx, serviceName)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.Config.RequireLedger(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	svc, err := app.Build(ctx, rt.Config, nil, rt.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	r, err := svc.Reconciler(rt.Config)
	if err != nil {
		return err
	}
	sum, err := r.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Resolved %d, failed %d, dropped %d, repaired %d.\n", sum.Resolved, sum.Failed, sum.Dropped, sum.Repaired)
	return nil
}

func run(ctx context.Context) error {
	rt, err := app.Bootstrap(ctx, serviceName)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logger := rt.Config, rt.Logger

	if err := cfg.RequireLedger(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.RequireKafka(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	svc, err := app.Build(ctx, cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	reconciler, err := svc.Reconciler(cfg)
	if err != nil {
		return fmt.Errorf("create reconciler: %w", err)
	}
	reconciler.Start()
	defer reconciler.Stop()

	inbox := idempotency.NewInbox(svc.Pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	verifier := reconcile.NewVerifier(svc.Orchestrator, inbox, svc.Journal, svc.Metrics, logger)
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.KafkaConsumerGroup
	consumer, err := redpanda.NewConsumer(consumerCfg, verifier.Handle, svc.Metrics, logger)
	if err != nil {
		return fmt.Errorf("consumer creation failed: %w", err)
	}
	consumer.Start()
	defer consumer.Stop()
	logger.Info("consuming lifecycle events",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaConsumerGroup))

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()
	lagCtx, stopLag := context.WithCancel(context.Background())
	defer stopLag()
	go reportLag(lagCtx, admin, cfg.KafkaConsumerGroup, cfg.ReconcileInterval, logger)

	checks := svc.Checks()
	checks["redpanda"] = func(ctx context.Context) error { return redpanda.HealthCheck(ctx, cfg.KafkaBrokers) }
	health := handlers.NewHealthHandler(checks, svc.Breakers)
	return app.Serve(app.NewServer(cfg.Port, app.OpsRouter(health, svc.Metrics, logger)), logger)
}

func reportLag(ctx context.Context, admin *redpanda.Admin, group string, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.GroupLag(ctx, group)
			if err != nil {
				logger.Warn("failed to read consumer lag", zap.Error(err))
				continue
			}
			for topic, n := range lag {
				logger.Info("consumer lag", zap.String("topic", topic), zap.Int64("lag", n))
			}
		}
	}
}

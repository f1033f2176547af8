// Package main provides the prescription API entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/api/handlers"
	"github.com/drfirst/rxledger/internal/api/middleware"
	"github.com/drfirst/rxledger/internal/app"
	"github.com/drfirst/rxledger/internal/config"
	"github.com/drfirst/rxledger/internal/infrastructure/postgres"
)

const serviceName = "prescription-api"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Prescription lifecycle API backed by the ledger",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	rt, err := app.Bootstrap(ctx, serviceName)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logger := rt.Config, rt.Logger

	if err := cfg.RequireAPI(); err != nil {
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

	health := handlers.NewHealthHandler(svc.Checks(), svc.Breakers)
	prescriptions := handlers.NewPrescriptionHandler(svc.Orchestrator, logger)
	entities := handlers.NewEntityHandler(svc.Registry, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Method(http.MethodGet, "/metrics", svc.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(middleware.AuthConfig{Secret: []byte(cfg.JWTSecret)}, svc.Gateway, logger))
		r.Mount("/prescriptions", prescriptions.Routes())
		r.Mount("/entities", entities.Routes())
		r.Get("/session", handlers.SessionHandler{}.Get)
	})

	logger.Info("starting prescription API",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.Bool("repair_on_list", cfg.RepairOnList))
	return app.Serve(app.NewServer(cfg.Port, r), logger)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *postgres.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *postgres.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})
	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *postgres.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, postgres.NewMigrator(pool, nil))
}

// tokenCmd issues a development bearer token. The account's role still comes
// from the ledger on every request.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <account>",
		Short: "Issue a bearer token for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if !common.IsHexAddress(args[0]) {
				return fmt.Errorf("%q is not a hex account", args[0])
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is required")
			}
			token, err := middleware.IssueToken([]byte(cfg.JWTSecret), common.HexToAddress(args[0]), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

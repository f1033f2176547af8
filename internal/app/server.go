package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/api/handlers"
	"github.com/drfirst/rxledger/internal/api/middleware"
	"github.com/drfirst/rxledger/internal/config"
	"github.com/drfirst/rxledger/internal/observability/logging"
	"github.com/drfirst/rxledger/internal/observability/metrics"
	"github.com/drfirst/rxledger/internal/observability/tracing"
)

// Runtime is what every binary sets up before its own work
type Runtime struct {
	Config  *config.Config
	Logger  *zap.Logger
	Tracing *tracing.Provider
}

// Bootstrap loads and validates configuration, then builds the logger and
// tracer for service
func Bootstrap(ctx context.Context, service string) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", service))

	tcfg := tracing.DefaultConfig(service)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	if tp.Enabled() {
		logger.Info("tracing enabled", zap.String("endpoint", cfg.OTLPEndpoint))
	}
	return &Runtime{Config: cfg, Logger: logger, Tracing: tp}, nil
}

// Close flushes traces and logs
func (r *Runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Tracing.Shutdown(ctx); err != nil {
		r.Logger.Warn("tracing shutdown", zap.Error(err))
	}
	_ = r.Logger.Sync()
}

// OpsRouter serves /health, /ready and /metrics for the background workers
func OpsRouter(health *handlers.HealthHandler, m *metrics.Metrics, logger *zap.Logger) chi.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	return r
}

// NewServer returns an HTTP server with the usual timeouts
func NewServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Serve runs server until SIGINT or SIGTERM, then shuts it down gracefully
func Serve(server *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-sigChan:
	}

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// Package app wires the ledger, content store, index and journal into the
// domain services shared by the binaries.
package app

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/api/handlers"
	"github.com/drfirst/rxledger/internal/config"
	"github.com/drfirst/rxledger/internal/contentstore"
	"github.com/drfirst/rxledger/internal/domain/entity"
	"github.com/drfirst/rxledger/internal/domain/prescription"
	"github.com/drfirst/rxledger/internal/infrastructure/journal"
	"github.com/drfirst/rxledger/internal/infrastructure/postgres"
	"github.com/drfirst/rxledger/internal/ledger"
	"github.com/drfirst/rxledger/internal/observability/metrics"
	"github.com/drfirst/rxledger/internal/reconcile"
	"github.com/drfirst/rxledger/pkg/circuitbreaker"
)

// Services holds everything a binary needs to serve prescriptions
type Services struct {
	Pool         *pgxpool.Pool
	Metrics      *metrics.Metrics
	Breakers     *circuitbreaker.Registry
	Gateway      *ledger.Gateway
	Content      *contentstore.Client
	Journal      *journal.Journal
	Settings     *postgres.Settings
	Orchestrator *prescription.Orchestrator
	Registry     *entity.Registry

	eth    *ethclient.Client
	ipfs   *contentstore.IPFS
	logger *zap.Logger
}

// Build connects every dependency. On error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (s *Services, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s = &Services{
		Metrics:  metrics.New(reg),
		Breakers: circuitbreaker.NewRegistry(),
		logger:   logger,
	}
	defer func() {
		if err != nil {
			s.Close()
			s = nil
		}
	}()

	s.Pool, err = postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return s, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("connected to database")

	s.eth, err = ethclient.DialContext(ctx, cfg.EthRPCURL)
	if err != nil {
		return s, fmt.Errorf("dial ledger: %w", err)
	}
	keys, err := ledger.NewKeyRing(big.NewInt(cfg.ChainID), cfg.LedgerSignerKeys)
	if err != nil {
		return s, fmt.Errorf("load signer keys: %w", err)
	}
	s.Gateway, err = ledger.NewGateway(s.eth, keys, ledger.Config{
		Registration: cfg.RegistrationAddress(),
		Prescription: cfg.PrescriptionAddress(),
		MineTimeout:  cfg.LedgerMineTimeout,
	}, s.Metrics, logger)
	if err != nil {
		return s, fmt.Errorf("create ledger gateway: %w", err)
	}
	logger.Info("connected to ledger",
		zap.String("rpc", cfg.EthRPCURL),
		zap.Int("signers", len(keys.Accounts())))

	cipher, err := contentstore.NewFieldCipher([]byte(cfg.ContentEncryptionKey))
	if err != nil {
		return s, err
	}
	contentBreaker, err := circuitbreaker.New(contentstore.BreakerConfig(s.Metrics), logger)
	if err != nil {
		return s, fmt.Errorf("create content breaker: %w", err)
	}
	s.Breakers.Add(contentBreaker)
	s.ipfs = contentstore.NewIPFS(cfg.IPFSAPIURL, cfg.ContentTimeout)
	s.Content, err = contentstore.NewClient(s.ipfs, cipher, contentBreaker, contentstore.Config{Timeout: cfg.ContentTimeout}, s.Metrics, logger)
	if err != nil {
		return s, fmt.Errorf("create content client: %w", err)
	}

	s.Journal, err = journal.Open(cfg.JournalPath, logger)
	if err != nil {
		return s, fmt.Errorf("open journal: %w", err)
	}

	s.Settings = postgres.NewSettings(s.Pool)
	s.Orchestrator = prescription.NewOrchestrator(
		s.Gateway,
		s.Content,
		postgres.NewPrescriptionIndex(s.Pool, "", logger),
		prescription.Config{
			IndexWriteTimeout: cfg.IndexWriteTimeout,
			RepairOnList:      cfg.RepairOnList,
			Operator:          cfg.OperatorAddress(),
		},
		logger,
		prescription.WithJournal(s.Journal),
		prescription.WithMetrics(s.Metrics),
	)
	s.Registry = entity.NewRegistry(
		s.Gateway,
		s.Content,
		postgres.NewEntityIndex(s.Pool, logger),
		s.Journal,
		entity.Config{IndexWriteTimeout: cfg.IndexWriteTimeout},
		s.Metrics,
		logger,
	)
	return s, nil
}

// Reconciler builds the journal sweeper over these services
func (s *Services) Reconciler(cfg *config.Config) (*reconcile.Reconciler, error) {
	r, err := reconcile.New(s.Orchestrator, s.Registry, s.Journal, s.Settings,
		reconcile.Config{Interval: cfg.ReconcileInterval}, s.Metrics, s.logger)
	if err != nil {
		return nil, err
	}
	s.Breakers.Add(r.Breaker())
	return r, nil
}

// Checks are the readiness checks of the shared dependencies
func (s *Services) Checks() map[string]handlers.Check {
	return map[string]handlers.Check{
		"postgres": func(ctx context.Context) error { return postgres.Ping(ctx, s.Pool) },
		"ledger": func(ctx context.Context) error {
			_, err := s.Gateway.Administrator(ctx)
			return err
		},
		"ipfs": s.ipfs.Ping,
	}
}

// Close releases every connection. It is safe on a partially built value.
func (s *Services) Close() {
	if s.Journal != nil {
		if err := s.Journal.Close(); err != nil {
			s.logger.Warn("close journal", zap.Error(err))
		}
	}
	if s.eth != nil {
		s.eth.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}

package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/domain/role"
	"github.com/drfirst/rxledger/internal/ledger"
	"github.com/drfirst/rxledger/internal/observability/metrics"
	"github.com/drfirst/rxledger/internal/session"
)

var (
	ErrForbidden         = errors.New("entity: registrar may not register this role")
	ErrAlreadyRegistered = errors.New("entity: account already holds a role")
	ErrInvalid           = errors.New("entity: invalid registration")
	ErrNotFound          = errors.New("entity: not found")
	ErrLedger            = errors.New("entity: ledger failure")
	ErrContentStore      = errors.New("entity: content store failure")
)

// Ledger is the registry surface of the ledger gateway
type Ledger interface {
	RoleOf(ctx context.Context, account common.Address) (role.Role, error)
	Register(ctx context.Context, registrar common.Address, r role.Role, account common.Address, contentRef string) error
	ProfileRef(ctx context.Context, from common.Address, r role.Role, account common.Address) (string, error)
}

// ContentStore stores encrypted profiles
type ContentStore interface {
	Put(ctx context.Context, v interface{}) (string, error)
	Get(ctx context.Context, ref string, v interface{}) error
}

// Index is the searchable mirror of the registry
type Index interface {
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, r role.Role, account common.Address) (Record, error)
	Search(ctx context.Context, q SearchQuery) ([]Record, error)
}

// Journal records mirror writes that failed
type Journal interface {
	RecordEntity(ctx context.Context, rec Record, cause error) error
}

// Config holds registry configuration
type Config struct {
	IndexWriteTimeout time.Duration
	DefaultLimit      int
	MaxLimit          int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{IndexWriteTimeout: 5 * time.Second, DefaultLimit: 25, MaxLimit: 100}
}

// Registry registers accounts on the ledger and keeps the mirror in step
type Registry struct {
	ledger  Ledger
	content ContentStore
	index   Index
	journal Journal
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewRegistry creates a new registry. journal and m may be nil.
func NewRegistry(l Ledger, c ContentStore, idx Index, journal Journal, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.IndexWriteTimeout <= 0 {
		cfg.IndexWriteTimeout = def.IndexWriteTimeout
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	return &Registry{
		ledger:  l,
		content: c,
		index:   idx,
		journal: journal,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("entity-registry"),
		now:     time.Now,
	}
}

// Register uploads the profile, registers account under r on the ledger and
// mirrors the record. Mirror failures are journaled, not returned.
func (g *Registry) Register(ctx context.Context, sess session.Session, r role.Role, account common.Address, p Profile) (Record, error) {
	ctx, span := g.tracer.Start(ctx, "entity.register", trace.WithAttributes(
		attribute.String("entity.role", r.String()),
		attribute.String("entity.account", account.Hex()),
		attribute.String("registrar", sess.Account.Hex()),
	))
	defer span.End()

	if !sess.Role.CanRegister(r) {
		return Record{}, fmt.Errorf("%w: %s cannot register %s", ErrForbidden, sess.Role, r)
	}
	if account == (common.Address{}) {
		return Record{}, fmt.Errorf("%w: account is required", ErrInvalid)
	}
	if strings.TrimSpace(p.Name) == "" {
		return Record{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}

	held, err := g.ledger.RoleOf(ctx, account)
	if err != nil {
		return Record{}, fmt.Errorf("%w: role lookup: %w", ErrLedger, err)
	}
	if held != role.None {
		return Record{}, fmt.Errorf("%w: %s is a %s", ErrAlreadyRegistered, account.Hex(), held)
	}

	ref, err := g.content.Put(ctx, p)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrContentStore, err)
	}

	if err := g.ledger.Register(ctx, sess.Account, r, account, ref); err != nil {
		switch {
		case errors.Is(err, ledger.ErrAlreadyExists):
			return Record{}, fmt.Errorf("%w: %w", ErrAlreadyRegistered, err)
		case errors.Is(err, ledger.ErrNotAuthorized):
			return Record{}, fmt.Errorf("%w: %w", ErrForbidden, err)
		}
		return Record{}, fmt.Errorf("%w: %w", ErrLedger, err)
	}

	rec := Record{
		Account:    account,
		Role:       r,
		ContentRef: ref,
		Creator:    sess.Account,
		CreatedAt:  g.now().UTC(),
	}
	if r == role.Pharmacy {
		rec.Name = strings.TrimSpace(p.Name)
		rec.Location = strings.TrimSpace(p.Address)
	}
	g.mirror(ctx, rec)

	g.logger.Info("entity registered",
		zap.String("role", r.String()),
		zap.String("account", account.Hex()),
		zap.String("registrar", sess.Account.Hex()),
	)
	return rec, nil
}

func (g *Registry) mirror(ctx context.Context, rec Record) {
	detached := context.WithoutCancel(ctx)
	wctx, cancel := context.WithTimeout(detached, g.cfg.IndexWriteTimeout)
	defer cancel()

	err := g.index.Upsert(wctx, rec)
	if err == nil {
		return
	}
	table, _ := TableFor(rec.Role)
	g.metrics.IndexWriteFailed(table.String())
	g.logger.Error("entity mirror write failed after ledger success",
		zap.String("role", rec.Role.String()),
		zap.String("account", rec.Account.Hex()),
		zap.Error(err),
	)
	if g.journal == nil {
		return
	}
	if jerr := g.journal.RecordEntity(detached, rec, err); jerr != nil {
		g.logger.Error("journal write failed", zap.String("account", rec.Account.Hex()), zap.Error(jerr))
	}
}

// Resync re-checks rec against the ledger and rewrites the mirror row. It is
// used by the reconciler to replay journaled registrations.
func (g *Registry) Resync(ctx context.Context, rec Record) error {
	held, err := g.ledger.RoleOf(ctx, rec.Account)
	if err != nil {
		return fmt.Errorf("%w: role lookup: %w", ErrLedger, err)
	}
	if held != rec.Role {
		return fmt.Errorf("%w: ledger reports %s for %s, journal has %s", ErrNotFound, held, rec.Account.Hex(), rec.Role)
	}
	wctx, cancel := context.WithTimeout(ctx, g.cfg.IndexWriteTimeout)
	defer cancel()
	return g.index.Upsert(wctx, rec)
}

// Search queries one mirror table
func (g *Registry) Search(ctx context.Context, q SearchQuery) ([]Record, error) {
	if _, err := TableFor(q.Role); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 {
		q.Limit = g.cfg.DefaultLimit
	}
	if q.Limit > g.cfg.MaxLimit {
		q.Limit = g.cfg.MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return g.index.Search(ctx, q)
}

// Profile reads account's profile through the ledger's content reference, as
// the caller
func (g *Registry) Profile(ctx context.Context, sess session.Session, r role.Role, account common.Address) (Profile, error) {
	ctx, span := g.tracer.Start(ctx, "entity.profile", trace.WithAttributes(
		attribute.String("entity.role", r.String()),
		attribute.String("entity.account", account.Hex()),
	))
	defer span.End()

	if !r.Registrable() {
		return Profile{}, fmt.Errorf("%w: role %s has no profile", ErrInvalid, r)
	}
	ref, err := g.ledger.ProfileRef(ctx, sess.Account, r, account)
	switch {
	case errors.Is(err, ledger.ErrNotAuthorized):
		return Profile{}, fmt.Errorf("%w: %w", ErrForbidden, err)
	case errors.Is(err, ledger.ErrReverted):
		return Profile{}, fmt.Errorf("%w: %w", ErrNotFound, err)
	case err != nil:
		return Profile{}, fmt.Errorf("%w: %w", ErrLedger, err)
	}
	if ref == "" {
		return Profile{}, fmt.Errorf("%w: %s has no %s profile", ErrNotFound, account.Hex(), r)
	}

	var p Profile
	if err := g.content.Get(ctx, ref, &p); err != nil {
		return Profile{}, fmt.Errorf("%w: %w", ErrContentStore, err)
	}
	return p, nil
}

// Lookup returns the mirrored record of account
func (g *Registry) Lookup(ctx context.Context, r role.Role, account common.Address) (Record, error) {
	return g.index.Get(ctx, r, account)
}

// Package reconcile repairs the relational index from ledger truth. It replays
// the divergence journal on a timer and verifies every lifecycle event the
// index emits.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/domain/entity"
	"github.com/drfirst/rxledger/internal/domain/prescription"
	"github.com/drfirst/rxledger/internal/infrastructure/journal"
	"github.com/drfirst/rxledger/internal/ledger"
	"github.com/drfirst/rxledger/internal/observability/metrics"
	"github.com/drfirst/rxledger/pkg/circuitbreaker"
	"github.com/drfirst/rxledger/pkg/workerpool"
)

// LastSweepKey is the settings key holding the time of the last full sweep
const LastSweepKey = "reconcile.last_sweep"

// Prescriptions re-derives one index row from the ledger.
// *prescription.Orchestrator satisfies it.
type Prescriptions interface {
	Reconcile(ctx context.Context, id string, pending []prescription.AuditEntry) (prescription.Row, bool, error)
}

// Entities rewrites one mirror row. *entity.Registry satisfies it.
type Entities interface {
	Resync(ctx context.Context, rec entity.Record) error
}

// Journal is the divergence journal. *journal.Journal satisfies it.
type Journal interface {
	Pending(limit int) ([]journal.Entry, error)
	Resolve(key string) error
	MarkAttempt(key string, cause error) error
	Len() (int, error)
}

// Settings persists process state. It may be nil.
type Settings interface {
	Set(ctx context.Context, key, value string) error
}

// Config holds reconciler configuration
type Config struct {
	Interval  time.Duration
	BatchSize int
	Workers   int
	// MaxAttempts is the number of failed sweeps after which an entry is
	// logged at error level on every further attempt
	MaxAttempts int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		BatchSize:   200,
		Workers:     4,
		MaxAttempts: 10,
	}
}

// Summary counts the outcome of one sweep
type Summary struct {
	Resolved int
	Failed   int
	Repaired int
	// Dropped counts entries for prescriptions the ledger does not know
	Dropped int
}

// Reconciler replays journaled divergences
type Reconciler struct {
	prescriptions Prescriptions
	entities      Entities
	journal       Journal
	settings      Settings
	breaker       *circuitbreaker.Breaker
	cfg           Config
	metrics       *metrics.Metrics
	logger        *zap.Logger
	tracer        trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// LedgerBreakerConfig trips on an unreachable ledger only; reverts and
// missing records count as healthy answers
func LedgerBreakerConfig(m *metrics.Metrics) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig("reconciler-ledger")
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || !errors.Is(err, ledger.ErrUnavailable)
	}
	cfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	}
	return cfg
}

// New creates a reconciler. settings, m and logger may be nil.
func New(p Prescriptions, e Entities, j Journal, settings Settings, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Reconciler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}

	breaker, err := circuitbreaker.New(LedgerBreakerConfig(m), logger)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		prescriptions: p,
		entities:      e,
		journal:       j,
		settings:      settings,
		breaker:       breaker,
		cfg:           cfg,
		metrics:       m,
		logger:        logger,
		tracer:        otel.Tracer("reconciler"),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}, nil
}

// Breaker exposes the ledger breaker for health reporting
func (r *Reconciler) Breaker() *circuitbreaker.Breaker {
	return r.breaker
}

// Start sweeps immediately and then on every interval
func (r *Reconciler) Start() {
	go r.loop()
	r.logger.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))
}

// Stop waits for the running sweep to finish
func (r *Reconciler) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("reconcile sweep failed", zap.Error(err))
		}
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep replays one batch of journal entries. Entries that reconcile are
// removed; the rest stay with their attempt count raised.
func (r *Reconciler) Sweep(ctx context.Context) (Summary, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.sweep")
	defer span.End()

	var sum Summary
	entries, err := r.journal.Pending(r.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("read journal: %w", err)
	}
	span.SetAttributes(attribute.Int("journal.batch", len(entries)))

	if len(entries) > 0 {
		tasks := make([]*workerpool.Task, len(entries))
		for i := range entries {
			tasks[i] = &workerpool.Task{ID: entries[i].Key, Payload: entries[i]}
		}
		results, err := workerpool.Batch(ctx, workerpool.Config{
			Workers:    r.cfg.Workers,
			QueueSize:  len(tasks),
			MaxRetries: 1,
			RetryDelay: 100 * time.Millisecond,
			Retryable:  retryable,
		}, r.replayTask, tasks, r.logger)
		if err != nil {
			return sum, err
		}
		byKey := make(map[string]journal.Entry, len(entries))
		for _, e := range entries {
			byKey[e.Key] = e
		}
		for _, res := range results {
			r.settle(byKey[res.TaskID], res, &sum)
		}
	}

	if depth, err := r.journal.Len(); err == nil {
		r.metrics.SetJournalDepth(depth)
	}
	if r.settings != nil && ctx.Err() == nil {
		if err := r.settings.Set(ctx, LastSweepKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
			r.logger.Warn("failed to record sweep time", zap.Error(err))
		}
	}
	if sum.Resolved+sum.Failed+sum.Dropped > 0 {
		r.logger.Info("reconcile sweep completed",
			zap.Int("resolved", sum.Resolved),
			zap.Int("repaired", sum.Repaired),
			zap.Int("dropped", sum.Dropped),
			zap.Int("failed", sum.Failed))
	}
	return sum, nil
}

func retryable(err error) bool {
	return !errors.Is(err, circuitbreaker.ErrOpen) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, entity.ErrNotFound) &&
		!unknownToLedger(err)
}

// unknownToLedger reports a prescription the ledger has no record of. Replaying
// it can never succeed.
func unknownToLedger(err error) bool {
	return errors.Is(err, prescription.ErrNotFound) || errors.Is(err, ledger.ErrNotFound)
}

func (r *Reconciler) replayTask(ctx context.Context, task *workerpool.Task) (interface{}, error) {
	e := task.Payload.(journal.Entry)
	return circuitbreaker.Do(ctx, r.breaker, func(ctx context.Context) (bool, error) {
		return r.replay(ctx, e)
	})
}

// replay reports whether the index actually changed
func (r *Reconciler) replay(ctx context.Context, e journal.Entry) (bool, error) {
	switch e.Kind {
	case journal.KindPrescription:
		_, changed, err := r.prescriptions.Reconcile(ctx, e.PrescriptionID, e.Pending)
		return changed, err
	case journal.KindEntity:
		if e.Entity == nil {
			return false, fmt.Errorf("entity entry %s has no record", e.Key)
		}
		return true, r.entities.Resync(ctx, *e.Entity)
	}
	return false, fmt.Errorf("unknown journal kind %q", e.Kind)
}

func (r *Reconciler) settle(e journal.Entry, res workerpool.Result, sum *Summary) {
	kind := string(e.Kind)
	r.metrics.ObserveReconcile(kind, res.Err)

	if res.Err == nil {
		if err := r.journal.Resolve(e.Key); err != nil {
			r.logger.Error("failed to resolve journal entry", zap.String("key", e.Key), zap.Error(err))
			return
		}
		sum.Resolved++
		if changed, _ := res.Data.(bool); changed {
			sum.Repaired++
		}
		return
	}

	if e.Kind == journal.KindPrescription && unknownToLedger(res.Err) {
		if err := r.journal.Resolve(e.Key); err != nil {
			r.logger.Error("failed to resolve journal entry", zap.String("key", e.Key), zap.Error(err))
			return
		}
		sum.Dropped++
		r.logger.Error("journal entry dropped, prescription unknown to the ledger",
			zap.String("key", e.Key),
			zap.String("prescription_id", e.PrescriptionID),
			zap.Error(res.Err))
		return
	}

	sum.Failed++
	if err := r.journal.MarkAttempt(e.Key, res.Err); err != nil {
		r.logger.Error("failed to update journal entry", zap.String("key", e.Key), zap.Error(err))
	}
	level := zap.WarnLevel
	if e.Attempts+1 >= r.cfg.MaxAttempts {
		level = zap.ErrorLevel
	}
	r.logger.Log(level, "journal entry still diverged",
		zap.String("key", e.Key),
		zap.String("kind", kind),
		zap.Int("attempts", e.Attempts+1),
		zap.Error(res.Err))
}

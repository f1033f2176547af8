package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/domain/role"
	"github.com/drfirst/rxledger/internal/ledger"
	"github.com/drfirst/rxledger/internal/observability/metrics"
	"github.com/drfirst/rxledger/internal/session"
)

// ActionCreate labels creation in errors and metrics. It is not a transition.
const ActionCreate Action = "create"

// ActionReconcile labels index reconciliation in errors. It is not a transition.
const ActionReconcile Action = "reconcile"

const createNote = "Prescription created by physician"

// Config holds orchestrator configuration
type Config struct {
	// IndexWriteTimeout bounds each projection. It runs detached from the
	// caller's cancellation.
	IndexWriteTimeout time.Duration
	RepairOnList      bool
	RepairParallelism int
	DefaultListLimit  int
	MaxListLimit      int
	// Operator is the account used for validation reads. When zero the
	// registry administrator is used.
	Operator common.Address
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		IndexWriteTimeout: 5 * time.Second,
		RepairOnList:      true,
		RepairParallelism: 8,
		DefaultListLimit:  50,
		MaxListLimit:      200,
	}
}

// Orchestrator drives prescription transitions through the ledger and
// projects the outcome into the index. It holds no per-prescription state and
// is safe for concurrent use.
type Orchestrator struct {
	ledger  Ledger
	content ContentStore
	index   Index
	journal Journal
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	newID   func() string
	now     func() time.Time

	operatorMu sync.Mutex
	operator   common.Address
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithJournal records failed projections for the reconciler
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithMetrics enables Prometheus metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithIDGenerator replaces the UUID generator
func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// WithClock replaces time.Now
func WithClock(f func() time.Time) Option {
	return func(o *Orchestrator) { o.now = f }
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(l Ledger, c ContentStore, idx Index, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.IndexWriteTimeout <= 0 {
		cfg.IndexWriteTimeout = def.IndexWriteTimeout
	}
	if cfg.RepairParallelism <= 0 {
		cfg.RepairParallelism = def.RepairParallelism
	}
	if cfg.DefaultListLimit <= 0 {
		cfg.DefaultListLimit = def.DefaultListLimit
	}
	if cfg.MaxListLimit <= 0 {
		cfg.MaxListLimit = def.MaxListLimit
	}
	o := &Orchestrator{
		ledger:   l,
		content:  c,
		index:    idx,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("prescription-orchestrator"),
		newID:    uuid.NewString,
		now:      time.Now,
		operator: cfg.Operator,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, op opContext) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "prescription."+name, trace.WithAttributes(
		attribute.String("prescription.id", op.id),
		attribute.String("prescription.action", string(op.action)),
		attribute.String("actor", op.actor.Hex()),
	))
}

func (o *Orchestrator) finish(span trace.Span, op opContext, err error) {
	o.metrics.ObserveTransition(string(op.action), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Info("prescription operation failed",
			zap.String("prescription_id", op.id),
			zap.String("action", string(op.action)),
			zap.String("actor", op.actor.Hex()),
			zap.Error(err),
		)
	}
	span.End()
}

// Create uploads the payload, records the prescription on the ledger and
// projects it at Awaiting Pharmacy Assignment. It returns the new id.
func (o *Orchestrator) Create(ctx context.Context, sess session.Session, req CreateRequest) (id string, err error) {
	op := opContext{action: ActionCreate, actor: sess.Account}
	ctx, span := o.startSpan(ctx, "create", op)
	defer func() { o.finish(span, op, err) }()

	if !sess.Is(role.Physician) {
		return "", op.fail(KindAuthorization, "only physicians may create prescriptions", nil)
	}
	if err := validateCreate(req); err != nil {
		return "", op.fail(KindInvalidRequest, err.Error(), nil)
	}

	registered, err := o.ledger.HasRole(ctx, role.Patient, req.Patient)
	if err != nil {
		return "", o.ledgerFailure(op, err)
	}
	if !registered {
		return "", op.notRegistered(req.Patient, role.Patient)
	}

	id = o.newID()
	op.id = id
	span.SetAttributes(attribute.String("prescription.id", id))
	now := o.now().UTC()

	payload := Payload{
		ID:        id,
		Physician: sess.Account,
		Patient:   req.Patient,
		Drugs:     req.Drugs,
		Note:      req.Note,
		CreatedAt: now,
	}
	// The upload must complete before any ledger call references it.
	ref, err := o.content.Put(ctx, payload)
	if err != nil {
		return "", op.fail(KindContentStore, "upload prescription content", err)
	}

	if err := o.ledger.CreatePrescription(ctx, sess.Account, id, req.Patient, ref); err != nil {
		return "", o.ledgerFailure(op, err)
	}

	row := Row{
		ID:         id,
		Subject:    req.Patient,
		ContentRef: ref,
		Creator:    sess.Account,
		CreatedAt:  now,
		Status:     StatusAwaitingAssignment,
		UpdatedAt:  now,
	}
	o.project(ctx, op, Projection{
		Row:   row,
		Audit: []AuditEntry{o.auditEntry(id, StatusAwaitingAssignment, createNote, sess.Account, now)},
	})
	return id, nil
}

func validateCreate(req CreateRequest) error {
	if req.Patient == zeroAddress {
		return errors.New("patient is required")
	}
	if len(req.Drugs) == 0 {
		return errors.New("at least one drug is required")
	}
	for i, d := range req.Drugs {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("drug %d: name is required", i)
		}
		if d.Mitte < 0 || d.Repeat < 0 {
			return fmt.Errorf("drug %d: mitte and repeat must not be negative", i)
		}
	}
	return nil
}

// AssignPharmacy selects the pharmacy that will dispense the prescription
func (o *Orchestrator) AssignPharmacy(ctx context.Context, sess session.Session, id string, pharmacy common.Address, note string) error {
	if pharmacy == zeroAddress {
		op := opContext{id: id, action: ActionAssign, actor: sess.Account}
		return op.fail(KindInvalidRequest, "pharmacy is required", nil)
	}
	return o.transition(ctx, sess, id, ActionAssign, pharmacy, note)
}

// Act applies accept, reject, prepare, collect or cancel
func (o *Orchestrator) Act(ctx context.Context, sess session.Session, id string, action Action, note string) error {
	if action == ActionAssign {
		op := opContext{id: id, action: action, actor: sess.Account}
		return op.fail(KindInvalidRequest, "assign requires a pharmacy", nil)
	}
	return o.transition(ctx, sess, id, action, zeroAddress, note)
}

func (o *Orchestrator) transition(ctx context.Context, sess session.Session, id string, action Action, pharmacy common.Address, note string) (err error) {
	op := opContext{id: id, action: action, actor: sess.Account}
	ctx, span := o.startSpan(ctx, string(action), op)
	defer func() { o.finish(span, op, err) }()

	t, known := transitions[action]
	if !known {
		return op.fail(KindInvalidRequest, fmt.Sprintf("unknown action %q", action), nil)
	}
	if strings.TrimSpace(id) == "" {
		return op.fail(KindInvalidRequest, "prescription id is required", nil)
	}
	if !sess.Is(t.actor) {
		return op.fail(KindAuthorization, fmt.Sprintf("%s requires role %s, caller is %s", action, t.actor, sess.Role), nil)
	}

	operator, err := o.operatorAccount(ctx)
	if err != nil {
		return o.ledgerFailure(op, err)
	}

	// Unrelated callers are refused before the status is read.
	assignee, err := o.authorizeRelationship(ctx, op, sess, operator, action)
	if err != nil {
		return err
	}

	// Validation reads the ledger, never the index.
	rec, err := o.ledger.AccessPrescription(ctx, operator, id)
	if err != nil {
		return o.ledgerFailure(op, err)
	}
	current, err := StatusFromOrdinal(rec.Status)
	if err != nil {
		return op.fail(KindLedger, "decode ledger status", err)
	}
	next, logged, ok := action.Next(current)
	if !ok {
		return op.invalidTransition(current)
	}

	if action == ActionAssign {
		isPharmacy, err := o.ledger.HasRole(ctx, role.Pharmacy, pharmacy)
		if err != nil {
			return o.ledgerFailure(op, err)
		}
		if !isPharmacy {
			return op.notRegistered(pharmacy, role.Pharmacy)
		}
		assignee = pharmacy
	}
	if action == ActionReject {
		assignee = zeroAddress
	}

	if err := o.submit(ctx, action, sess.Account, id, pharmacy); err != nil {
		return o.submitFailure(ctx, op, operator, current, err)
	}

	now := o.now().UTC()
	creator, createdAt := o.origin(ctx, id, rec.ContentRef)
	row := Row{
		ID:         id,
		Subject:    rec.Patient,
		ContentRef: rec.ContentRef,
		Creator:    creator,
		CreatedAt:  createdAt,
		Assignee:   assignee,
		Status:     next,
		UpdatedAt:  now,
	}
	if strings.TrimSpace(note) == "" {
		note = action.DefaultNote()
	}
	o.project(ctx, op, Projection{
		Row:   row,
		Audit: []AuditEntry{o.auditEntry(id, logged, note, sess.Account, now)},
	})
	return nil
}

// origin returns the creating physician and creation time of a prescription,
// from its index row or else its content payload. Both are zero when neither
// can be read.
func (o *Orchestrator) origin(ctx context.Context, id, ref string) (common.Address, time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.IndexWriteTimeout)
	defer cancel()
	if row, err := o.index.Get(ctx, id); err == nil && row.Creator != zeroAddress && !row.CreatedAt.IsZero() {
		return row.Creator, row.CreatedAt
	}
	var payload Payload
	if err := o.content.Get(ctx, ref, &payload); err != nil {
		o.logger.Warn("prescription origin unavailable",
			zap.String("prescription_id", id),
			zap.Error(err))
		return zeroAddress, time.Time{}
	}
	return payload.Physician, payload.CreatedAt.UTC()
}

// authorizeRelationship checks that the caller is the creating physician or
// the assigned pharmacy. It returns the assignee the ledger holds after the
// action unless the action itself changes it.
func (o *Orchestrator) authorizeRelationship(ctx context.Context, op opContext, sess session.Session, operator common.Address, action Action) (common.Address, error) {
	switch sess.Role {
	case role.Physician:
		// The ledger only lets the creator, the subject, the assigned pharmacy
		// or the administrator read a prescription, so a physician that can
		// read it created it.
		if _, err := o.ledger.AccessPrescription(ctx, sess.Account, op.id); err != nil {
			if errors.Is(err, ledger.ErrNotAuthorized) || errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrReverted) {
				return zeroAddress, op.fail(KindAuthorization, "only the creating physician may "+string(action)+" this prescription", err)
			}
			return zeroAddress, o.ledgerFailure(op, err)
		}
		if action == ActionCancel {
			assigned, err := o.ledger.AssignedPharmacy(ctx, operator, op.id)
			if err != nil {
				return zeroAddress, o.ledgerFailure(op, err)
			}
			return assigned, nil
		}
		return zeroAddress, nil
	case role.Pharmacy:
		assigned, err := o.ledger.AssignedPharmacy(ctx, operator, op.id)
		if err != nil {
			return zeroAddress, o.ledgerFailure(op, err)
		}
		if assigned != sess.Account {
			return zeroAddress, op.fail(KindAuthorization, "only the assigned pharmacy may "+string(action)+" this prescription", nil)
		}
		return assigned, nil
	}
	return zeroAddress, op.fail(KindAuthorization, "role "+sess.Role.String()+" cannot act on prescriptions", nil)
}

func (o *Orchestrator) submit(ctx context.Context, action Action, actor common.Address, id string, pharmacy common.Address) error {
	switch action {
	case ActionAssign:
		return o.ledger.SelectPharmacy(ctx, actor, id, pharmacy)
	case ActionAccept:
		return o.ledger.AcceptPrescription(ctx, actor, id)
	case ActionReject:
		return o.ledger.RejectPrescription(ctx, actor, id)
	case ActionPrepare:
		return o.ledger.PrepareMedication(ctx, actor, id)
	case ActionCollect:
		return o.ledger.CollectMedication(ctx, actor, id)
	case ActionCancel:
		return o.ledger.CancelPrescription(ctx, actor, id)
	}
	return fmt.Errorf("no ledger call for action %q", action)
}

// submitFailure reports a reverted write as a conflict when the ledger status
// moved away from the one validated before submission.
func (o *Orchestrator) submitFailure(ctx context.Context, op opContext, operator common.Address, validated Status, err error) *Error {
	if !errors.Is(err, ledger.ErrReverted) {
		return o.ledgerFailure(op, err)
	}
	rec, readErr := o.ledger.AccessPrescription(ctx, operator, op.id)
	if readErr != nil {
		o.logger.Warn("re-read after revert failed",
			zap.String("prescription_id", op.id),
			zap.Error(readErr),
		)
		return o.ledgerFailure(op, err)
	}
	now, decodeErr := StatusFromOrdinal(rec.Status)
	if decodeErr == nil && now != validated {
		return op.conflict(now, err)
	}
	return o.ledgerFailure(op, err)
}

// ledgerFailure maps gateway errors onto the domain taxonomy
func (o *Orchestrator) ledgerFailure(op opContext, err error) *Error {
	reason := ledger.ReasonOf(err)
	switch {
	case errors.Is(err, ledger.ErrNotAuthorized):
		return op.fail(KindAuthorization, reason, err)
	case errors.Is(err, ledger.ErrNotFound):
		return op.fail(KindNotFound, reason, err)
	case errors.Is(err, ledger.ErrAlreadyExists):
		return op.fail(KindConflict, reason, err)
	case errors.Is(err, ledger.ErrNotRegistered):
		return op.fail(KindNotRegistered, reason, err)
	}
	return op.fail(KindLedger, reason, err)
}

// operatorAccount resolves the account used for validation reads
func (o *Orchestrator) operatorAccount(ctx context.Context) (common.Address, error) {
	o.operatorMu.Lock()
	defer o.operatorMu.Unlock()
	if o.operator != zeroAddress {
		return o.operator, nil
	}
	admin, err := o.ledger.Administrator(ctx)
	if err != nil {
		return zeroAddress, err
	}
	if admin == zeroAddress {
		return zeroAddress, errors.New("registry has no administrator")
	}
	o.operator = admin
	return admin, nil
}

func (o *Orchestrator) auditEntry(id string, status Status, note string, actor common.Address, at time.Time) AuditEntry {
	return AuditEntry{
		ID:             uuid.NewString(),
		PrescriptionID: id,
		Status:         status,
		Note:           note,
		Actor:          actor,
		Timestamp:      at,
	}
}

// project writes p to the index after a successful ledger write. Failures are
// logged, counted and journaled; they never reach the caller.
func (o *Orchestrator) project(ctx context.Context, op opContext, p Projection) {
	detached := context.WithoutCancel(ctx)
	wctx, cancel := context.WithTimeout(detached, o.cfg.IndexWriteTimeout)
	defer cancel()

	err := o.index.Project(wctx, p)
	if err == nil {
		return
	}

	failure := op.fail(KindIndexWrite, "index projection failed", err)
	o.metrics.IndexWriteFailed("prescriptions")
	o.logger.Error("index write failed after ledger success",
		zap.String("prescription_id", p.Row.ID),
		zap.String("action", string(op.action)),
		zap.String("actor", op.actor.Hex()),
		zap.Int("pending_audit", len(p.Audit)),
		zap.Error(failure),
	)
	if o.journal == nil {
		return
	}
	if jerr := o.journal.RecordPrescription(detached, p.Row.ID, p.Audit, err); jerr != nil {
		o.logger.Error("journal write failed; divergence will only be repaired on read",
			zap.String("prescription_id", p.Row.ID),
			zap.Error(jerr),
		)
	}
}

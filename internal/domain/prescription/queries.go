package prescription

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/rxledger/internal/domain/entity"
	"github.com/drfirst/rxledger/internal/domain/role"
	"github.com/drfirst/rxledger/internal/ledger"
	"github.com/drfirst/rxledger/internal/session"
)

const (
	actionDetails  Action = "details"
	actionList     Action = "list"
	actionTimeline Action = "timeline"
)

// Details reads status, subject, content reference and assignee from the
// ledger as the requester, decrypts the payload and the parties' profiles,
// and attaches the index timeline as advisory data.
func (o *Orchestrator) Details(ctx context.Context, sess session.Session, id string) (view View, err error) {
	op := opContext{id: id, action: actionDetails, actor: sess.Account}
	ctx, span := o.startSpan(ctx, "details", op)
	defer func() { o.finish(span, op, err) }()

	rec, err := o.ledger.AccessPrescription(ctx, sess.Account, id)
	if err != nil {
		return View{}, o.visibilityFailure(op, err)
	}
	status, err := StatusFromOrdinal(rec.Status)
	if err != nil {
		return View{}, op.fail(KindLedger, "decode ledger status", err)
	}
	assignee, err := o.ledger.AssignedPharmacy(ctx, sess.Account, id)
	if err != nil {
		return View{}, o.visibilityFailure(op, err)
	}

	var payload Payload
	if err := o.content.Get(ctx, rec.ContentRef, &payload); err != nil {
		return View{}, op.fail(KindContentStore, "download prescription content", err)
	}

	view = View{
		ID:         id,
		Status:     status,
		Patient:    rec.Patient,
		Physician:  payload.Physician,
		Pharmacy:   assignee,
		ContentRef: rec.ContentRef,
		Drugs:      payload.Drugs,
		Note:       payload.Note,
		CreatedAt:  payload.CreatedAt,
	}
	view.Profiles = o.fetchProfiles(ctx, sess, view)

	timeline, err := o.index.Timeline(ctx, id)
	if err != nil {
		o.logger.Warn("timeline unavailable",
			zap.String("prescription_id", id),
			zap.Error(err),
		)
	}
	view.Timeline = timeline
	return view, nil
}

// fetchProfiles resolves the three parties' profiles in parallel. A profile
// that cannot be read is left nil; the prescription itself is still returned.
func (o *Orchestrator) fetchProfiles(ctx context.Context, sess session.Session, v View) Profiles {
	var out Profiles
	targets := []struct {
		r       role.Role
		account common.Address
		dst     **entity.Profile
	}{
		{role.Physician, v.Physician, &out.Physician},
		{role.Patient, v.Patient, &out.Patient},
		{role.Pharmacy, v.Pharmacy, &out.Pharmacy},
	}

	var eg errgroup.Group
	for _, t := range targets {
		t := t
		if t.account == zeroAddress {
			continue
		}
		eg.Go(func() error {
			ref, err := o.ledger.ProfileRef(ctx, sess.Account, t.r, t.account)
			if err != nil {
				return fmt.Errorf("%s profile reference: %w", t.r, err)
			}
			var p entity.Profile
			if err := o.content.Get(ctx, ref, &p); err != nil {
				return fmt.Errorf("%s profile content: %w", t.r, err)
			}
			*t.dst = &p
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		o.logger.Warn("profile lookup incomplete",
			zap.String("prescription_id", v.ID),
			zap.Error(err),
		)
	}
	return out
}

// visibilityFailure maps a read as the requester. Any revert means the
// prescription is hidden from or unknown to the caller.
func (o *Orchestrator) visibilityFailure(op opContext, err error) *Error {
	switch {
	case errors.Is(err, ledger.ErrNotAuthorized):
		return op.fail(KindAuthorization, ledger.ReasonOf(err), err)
	case errors.Is(err, ledger.ErrReverted):
		return op.fail(KindNotFound, ledger.ReasonOf(err), err)
	}
	return o.ledgerFailure(op, err)
}

// Timeline returns the audit entries of a prescription the caller may read
func (o *Orchestrator) Timeline(ctx context.Context, sess session.Session, id string) (entries []AuditEntry, err error) {
	op := opContext{id: id, action: actionTimeline, actor: sess.Account}
	ctx, span := o.startSpan(ctx, "timeline", op)
	defer func() { o.finish(span, op, err) }()

	if _, err := o.ledger.AccessPrescription(ctx, sess.Account, id); err != nil {
		return nil, o.visibilityFailure(op, err)
	}
	entries, err = o.index.Timeline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read timeline %s: %w", id, err)
	}
	return entries, nil
}

// List returns index rows scoped to the caller's role. Rows are advisory;
// with read-repair enabled non-terminal rows are re-checked against the
// ledger and corrected before being returned.
func (o *Orchestrator) List(ctx context.Context, sess session.Session, f Filter) (rows []Row, err error) {
	op := opContext{action: actionList, actor: sess.Account}
	ctx, span := o.startSpan(ctx, "list", op)
	defer func() { o.finish(span, op, err) }()

	scoped, err := o.scope(op, sess, f)
	if err != nil {
		return nil, err
	}
	rows, err = o.index.List(ctx, scoped)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	if !o.cfg.RepairOnList || len(rows) == 0 {
		return rows, nil
	}
	return o.repairRows(ctx, sess, scoped, rows), nil
}

func (o *Orchestrator) scope(op opContext, sess session.Session, f Filter) (Filter, error) {
	account := sess.Account
	switch sess.Role {
	case role.Physician:
		f.Creator = &account
	case role.Patient:
		f.Subject = &account
	case role.Pharmacy:
		f.Assignee = &account
	case role.Administrator, role.RegulatoryAuthority:
	default:
		return Filter{}, op.fail(KindAuthorization, "caller has no registered role", nil)
	}
	if f.Limit <= 0 {
		f.Limit = o.cfg.DefaultListLimit
	}
	if f.Limit > o.cfg.MaxListLimit {
		f.Limit = o.cfg.MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f, nil
}

// repairRows re-checks non-terminal rows with bounded parallelism. Rows that
// no longer match the filter after correction are dropped.
func (o *Orchestrator) repairRows(ctx context.Context, sess session.Session, f Filter, rows []Row) []Row {
	operator, err := o.operatorAccount(ctx)
	if err != nil {
		o.logger.Warn("read-repair skipped", zap.Error(err))
		return rows
	}

	checked := make([]Row, len(rows))
	copy(checked, rows)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.cfg.RepairParallelism)
	for i := range checked {
		i := i
		if checked[i].Status.Terminal() {
			continue
		}
		eg.Go(func() error {
			fixed, changed, err := o.ledgerRow(egCtx, operator, checked[i])
			if err != nil {
				o.logger.Debug("read-repair check failed",
					zap.String("prescription_id", checked[i].ID),
					zap.Error(err),
				)
				return nil
			}
			fixed.Verified = true
			if changed {
				o.metrics.ReadRepaired()
				o.logger.Info("index row repaired from ledger",
					zap.String("prescription_id", fixed.ID),
					zap.String("index_status", checked[i].Status.Label()),
					zap.String("ledger_status", fixed.Status.Label()),
				)
				o.project(ctx, opContext{id: fixed.ID, action: actionList, actor: sess.Account}, Projection{Row: fixed})
			}
			checked[i] = fixed
			return nil
		})
	}
	_ = eg.Wait()

	out := checked[:0]
	for _, r := range checked {
		if f.Status != nil && r.Status.Canonical() != f.Status.Canonical() {
			continue
		}
		if f.Assignee != nil && r.Assignee != *f.Assignee {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ledgerRow rebuilds the ledger-owned fields of row. changed reports whether
// status or assignee differed from the index.
func (o *Orchestrator) ledgerRow(ctx context.Context, operator common.Address, row Row) (Row, bool, error) {
	rec, err := o.ledger.AccessPrescription(ctx, operator, row.ID)
	if err != nil {
		return row, false, err
	}
	status, err := StatusFromOrdinal(rec.Status)
	if err != nil {
		return row, false, err
	}
	assignee, err := o.ledger.AssignedPharmacy(ctx, operator, row.ID)
	if err != nil {
		return row, false, err
	}
	changed := status != row.Status.Canonical() || assignee != row.Assignee ||
		rec.Patient != row.Subject || rec.ContentRef != row.ContentRef

	fixed := row
	fixed.Status = status
	fixed.Assignee = assignee
	fixed.Subject = rec.Patient
	fixed.ContentRef = rec.ContentRef
	if changed {
		fixed.UpdatedAt = o.now().UTC()
	}
	return fixed, changed, nil
}

// Reconcile re-derives the index row for id from the ledger as the operator
// and replays pending audit entries. Missing creator data is recovered from
// the content payload. It returns the row that was written and whether the
// index was changed. Ledger failures are returned as *Error, so a
// prescription the ledger does not know matches ErrNotFound.
func (o *Orchestrator) Reconcile(ctx context.Context, id string, pending []AuditEntry) (Row, bool, error) {
	operator, err := o.operatorAccount(ctx)
	if err != nil {
		return Row{}, false, fmt.Errorf("resolve operator: %w", err)
	}

	existing, err := o.index.Get(ctx, id)
	switch {
	case errors.Is(err, ErrRowNotFound):
		existing = Row{ID: id}
	case err != nil:
		return Row{}, false, fmt.Errorf("read index row %s: %w", id, err)
	}

	fixed, changed, err := o.ledgerRow(ctx, operator, existing)
	if err != nil {
		return Row{}, false, o.ledgerFailure(opContext{id: id, action: ActionReconcile, actor: operator}, err)
	}

	if fixed.Creator == zeroAddress || fixed.CreatedAt.IsZero() {
		var payload Payload
		if err := o.content.Get(ctx, fixed.ContentRef, &payload); err != nil {
			return Row{}, false, fmt.Errorf("recover creator of %s: %w", id, err)
		}
		fixed.Creator = payload.Physician
		fixed.CreatedAt = payload.CreatedAt
		changed = true
	}
	if !changed && len(pending) == 0 {
		return fixed, false, nil
	}
	if fixed.UpdatedAt.IsZero() {
		fixed.UpdatedAt = o.now().UTC()
	}

	wctx, cancel := context.WithTimeout(ctx, o.cfg.IndexWriteTimeout)
	defer cancel()
	if err := o.index.Project(wctx, Projection{Row: fixed, Audit: pending}); err != nil {
		return Row{}, false, fmt.Errorf("project %s: %w", id, err)
	}
	return fixed, true, nil
}

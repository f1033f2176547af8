package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/drfirst/rxledger/internal/domain/role"
	"github.com/drfirst/rxledger/internal/ledger"
)

var (
	adminAcct = common.HexToAddress("0xa000000000000000000000000000000000000001")
	doctor    = common.HexToAddress("0xd000000000000000000000000000000000000001")
	doctor2   = common.HexToAddress("0xd000000000000000000000000000000000000002")
	patientP1 = common.HexToAddress("0xb000000000000000000000000000000000000001")
	pharmPH1  = common.HexToAddress("0xc000000000000000000000000000000000000001")
	pharmPH2  = common.HexToAddress("0xc000000000000000000000000000000000000002")
	stranger  = common.HexToAddress("0xe000000000000000000000000000000000000001")
)

type fakeRx struct {
	patient  common.Address
	creator  common.Address
	ref      string
	status   uint8
	pharmacy common.Address
}

// fakeLedger enforces the contract rules the orchestrator relies on:
// per-role visibility, legal transitions and relationships.
type fakeLedger struct {
	mu       sync.Mutex
	admin    common.Address
	roles    map[common.Address]role.Role
	profiles map[common.Address]string
	rx       map[string]*fakeRx

	reads  int
	writes int
	// beforeWrite runs with the lock released, before a write is applied
	beforeWrite func(method, id string)
	failWrite   error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		admin: adminAcct,
		roles: map[common.Address]role.Role{
			adminAcct: role.Administrator,
			doctor:    role.Physician,
			doctor2:   role.Physician,
			patientP1: role.Patient,
			pharmPH1:  role.Pharmacy,
			pharmPH2:  role.Pharmacy,
		},
		profiles: map[common.Address]string{},
		rx:       map[string]*fakeRx{},
	}
}

func revert(method string, kind error, reason string) error {
	return &ledger.Error{Method: method, Kind: kind, Reason: reason}
}

func (l *fakeLedger) Administrator(context.Context) (common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	return l.admin, nil
}

func (l *fakeLedger) RoleOf(_ context.Context, a common.Address) (role.Role, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	return l.roles[a], nil
}

func (l *fakeLedger) HasRole(_ context.Context, r role.Role, a common.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	return l.roles[a] == r, nil
}

func (l *fakeLedger) ProfileRef(_ context.Context, _ common.Address, r role.Role, a common.Address) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	if l.roles[a] != r {
		return "", revert("getIPFSHash", ledger.ErrNotRegistered, "not registered")
	}
	ref, ok := l.profiles[a]
	if !ok {
		return "", revert("getIPFSHash", ledger.ErrNotFound, "no profile")
	}
	return ref, nil
}

func (l *fakeLedger) CreatePrescription(_ context.Context, physician common.Address, id string, patient common.Address, ref string) error {
	if err := l.preWrite("prescriptionCreation", id); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.roles[physician] != role.Physician {
		return revert("prescriptionCreation", ledger.ErrNotAuthorized, "only physicians")
	}
	if l.roles[patient] != role.Patient {
		return revert("prescriptionCreation", ledger.ErrNotRegistered, "patient not registered")
	}
	if _, ok := l.rx[id]; ok {
		return revert("prescriptionCreation", ledger.ErrAlreadyExists, "prescription already exists")
	}
	l.rx[id] = &fakeRx{patient: patient, creator: physician, ref: ref}
	return nil
}

func (l *fakeLedger) visible(from common.Address, r *fakeRx) bool {
	return from == l.admin || from == r.creator || from == r.patient || (r.pharmacy != (common.Address{}) && from == r.pharmacy)
}

func (l *fakeLedger) AccessPrescription(_ context.Context, from common.Address, id string) (ledger.Prescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	r, ok := l.rx[id]
	if !ok {
		return ledger.Prescription{}, revert("accessPrescription", ledger.ErrNotFound, "prescription does not exist")
	}
	if !l.visible(from, r) {
		return ledger.Prescription{}, revert("accessPrescription", ledger.ErrNotAuthorized, "not authorized")
	}
	return ledger.Prescription{ID: id, Patient: r.patient, ContentRef: r.ref, Status: r.status}, nil
}

func (l *fakeLedger) AssignedPharmacy(_ context.Context, from common.Address, id string) (common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	r, ok := l.rx[id]
	if !ok {
		return common.Address{}, revert("getAssignedPharmacy", ledger.ErrNotFound, "prescription does not exist")
	}
	if !l.visible(from, r) {
		return common.Address{}, revert("getAssignedPharmacy", ledger.ErrNotAuthorized, "not authorized")
	}
	return r.pharmacy, nil
}

func (l *fakeLedger) preWrite(method, id string) error {
	l.mu.Lock()
	hook := l.beforeWrite
	fail := l.failWrite
	l.writes++
	l.mu.Unlock()
	if hook != nil {
		hook(method, id)
	}
	if fail != nil {
		return fail
	}
	return nil
}

// apply runs a guarded status change under the lock
func (l *fakeLedger) apply(method, id string, guard func(*fakeRx) error, mutate func(*fakeRx)) error {
	if err := l.preWrite(method, id); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rx[id]
	if !ok {
		return revert(method, ledger.ErrNotFound, "prescription does not exist")
	}
	if err := guard(r); err != nil {
		return err
	}
	mutate(r)
	return nil
}

func (l *fakeLedger) SelectPharmacy(_ context.Context, physician common.Address, id string, pharmacy common.Address) error {
	return l.apply("selectPharmacy", id, func(r *fakeRx) error {
		if r.creator != physician {
			return revert("selectPharmacy", ledger.ErrNotAuthorized, "only the creator")
		}
		if r.status != 0 {
			return revert("selectPharmacy", ledger.ErrInvalidState, "invalid status")
		}
		if l.roles[pharmacy] != role.Pharmacy {
			return revert("selectPharmacy", ledger.ErrNotRegistered, "pharmacy not registered")
		}
		return nil
	}, func(r *fakeRx) { r.pharmacy = pharmacy; r.status = 1 })
}

func (l *fakeLedger) pharmacyStep(method string, pharmacy common.Address, id string, from, to uint8, clear bool) error {
	return l.apply(method, id, func(r *fakeRx) error {
		if r.pharmacy != pharmacy {
			return revert(method, ledger.ErrNotAuthorized, "only the assigned pharmacy")
		}
		if r.status != from {
			return revert(method, ledger.ErrInvalidState, "invalid status")
		}
		return nil
	}, func(r *fakeRx) {
		r.status = to
		if clear {
			r.pharmacy = common.Address{}
		}
	})
}

func (l *fakeLedger) AcceptPrescription(_ context.Context, p common.Address, id string) error {
	return l.pharmacyStep("acceptPrescription", p, id, 1, 2, false)
}

func (l *fakeLedger) RejectPrescription(_ context.Context, p common.Address, id string) error {
	return l.pharmacyStep("rejectPrescription", p, id, 1, 0, true)
}

func (l *fakeLedger) PrepareMedication(_ context.Context, p common.Address, id string) error {
	return l.pharmacyStep("medicationPreparation", p, id, 2, 3, false)
}

func (l *fakeLedger) CollectMedication(_ context.Context, p common.Address, id string) error {
	return l.pharmacyStep("medicationCollection", p, id, 3, 4, false)
}

func (l *fakeLedger) CancelPrescription(_ context.Context, physician common.Address, id string) error {
	return l.apply("cancelPrescription", id, func(r *fakeRx) error {
		if r.creator != physician {
			return revert("cancelPrescription", ledger.ErrNotAuthorized, "only the creator")
		}
		if r.status > 1 {
			return revert("cancelPrescription", ledger.ErrInvalidState, "invalid status")
		}
		return nil
	}, func(r *fakeRx) { r.status = 5 })
}

func (l *fakeLedger) seed(id string, creator, patient, pharmacy common.Address, status Status, ref string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rx[id] = &fakeRx{patient: patient, creator: creator, ref: ref, status: status.Ordinal(), pharmacy: pharmacy}
}

func (l *fakeLedger) status(id string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status(l.rx[id].status)
}

func (l *fakeLedger) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

// fakeContent keeps JSON documents in memory
type fakeContent struct {
	mu      sync.Mutex
	docs    map[string][]byte
	puts    int
	failPut error
	failGet error
}

func newFakeContent() *fakeContent {
	return &fakeContent{docs: map[string][]byte{}}
}

func (c *fakeContent) Put(_ context.Context, v interface{}) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	if c.failPut != nil {
		return "", c.failPut
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	ref := fmt.Sprintf("Qm%04d", len(c.docs)+1)
	c.docs[ref] = b
	return ref, nil
}

func (c *fakeContent) Get(_ context.Context, ref string, v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet != nil {
		return c.failGet
	}
	b, ok := c.docs[ref]
	if !ok {
		return errors.New("content not found")
	}
	return json.Unmarshal(b, v)
}

// fakeIndex mirrors the Postgres projection semantics: full-row upsert that
// keeps creator and created-at when the write omits them, and audit inserts
// that ignore duplicate ids.
type fakeIndex struct {
	mu          sync.Mutex
	rows        map[string]Row
	audit       map[string][]AuditEntry
	projections int
	last        Projection
	failProject error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{rows: map[string]Row{}, audit: map[string][]AuditEntry{}}
}

func (x *fakeIndex) Project(ctx context.Context, p Projection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.projections++
	x.last = p
	if x.failProject != nil {
		return x.failProject
	}
	row := p.Row
	if prev, ok := x.rows[row.ID]; ok {
		if row.Creator == (common.Address{}) {
			row.Creator = prev.Creator
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = prev.CreatedAt
		}
	}
	row.Verified = false
	x.rows[row.ID] = row
	for _, e := range p.Audit {
		dup := false
		for _, have := range x.audit[e.PrescriptionID] {
			if have.ID == e.ID {
				dup = true
				break
			}
		}
		if !dup {
			x.audit[e.PrescriptionID] = append(x.audit[e.PrescriptionID], e)
		}
	}
	return nil
}

func (x *fakeIndex) Get(_ context.Context, id string) (Row, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	r, ok := x.rows[id]
	if !ok {
		return Row{}, ErrRowNotFound
	}
	return r, nil
}

func (x *fakeIndex) List(_ context.Context, f Filter) ([]Row, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []Row
	for _, r := range x.rows {
		if f.Creator != nil && r.Creator != *f.Creator {
			continue
		}
		if f.Subject != nil && r.Subject != *f.Subject {
			continue
		}
		if f.Assignee != nil && r.Assignee != *f.Assignee {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (x *fakeIndex) Timeline(_ context.Context, id string) ([]AuditEntry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := append([]AuditEntry(nil), x.audit[id]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (x *fakeIndex) row(id string) (Row, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	r, ok := x.rows[id]
	return r, ok
}

func (x *fakeIndex) setFail(err error) {
	x.mu.Lock()
	x.failProject = err
	x.mu.Unlock()
}

type journalEntry struct {
	id      string
	pending []AuditEntry
	cause   error
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journalEntry
}

func (j *fakeJournal) RecordPrescription(_ context.Context, id string, pending []AuditEntry, cause error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, journalEntry{id: id, pending: pending, cause: cause})
	return nil
}

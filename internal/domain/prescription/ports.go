package prescription

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/drfirst/rxledger/internal/domain/role"
	"github.com/drfirst/rxledger/internal/ledger"
)

// Ledger is the subset of the ledger gateway the orchestrator drives.
// *ledger.Gateway satisfies it.
type Ledger interface {
	Administrator(ctx context.Context) (common.Address, error)
	RoleOf(ctx context.Context, account common.Address) (role.Role, error)
	HasRole(ctx context.Context, r role.Role, account common.Address) (bool, error)
	ProfileRef(ctx context.Context, from common.Address, r role.Role, account common.Address) (string, error)

	CreatePrescription(ctx context.Context, physician common.Address, id string, patient common.Address, contentRef string) error
	AccessPrescription(ctx context.Context, from common.Address, id string) (ledger.Prescription, error)
	AssignedPharmacy(ctx context.Context, from common.Address, id string) (common.Address, error)
	SelectPharmacy(ctx context.Context, physician common.Address, id string, pharmacy common.Address) error
	AcceptPrescription(ctx context.Context, pharmacy common.Address, id string) error
	RejectPrescription(ctx context.Context, pharmacy common.Address, id string) error
	PrepareMedication(ctx context.Context, pharmacy common.Address, id string) error
	CollectMedication(ctx context.Context, pharmacy common.Address, id string) error
	CancelPrescription(ctx context.Context, physician common.Address, id string) error
}

// ContentStore stores encrypted JSON documents
type ContentStore interface {
	Put(ctx context.Context, v interface{}) (string, error)
	Get(ctx context.Context, ref string, v interface{}) error
}

// Index is the relational projection of prescriptions
type Index interface {
	// Project upserts the row and appends audit entries idempotently, in one unit
	Project(ctx context.Context, p Projection) error
	Get(ctx context.Context, id string) (Row, error)
	List(ctx context.Context, f Filter) ([]Row, error)
	Timeline(ctx context.Context, id string) ([]AuditEntry, error)
}

// Journal records projections that could not be written so a reconciler can
// replay them
type Journal interface {
	RecordPrescription(ctx context.Context, id string, pending []AuditEntry, cause error) error
}

// ErrRowNotFound is returned by Index.Get for unknown ids
var ErrRowNotFound = errors.New("prescription index: row not found")

package prescription

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/drfirst/rxledger/internal/domain/entity"
)

// Drug is one line of a prescription
type Drug struct {
	Name      string `json:"name"`
	Sig       string `json:"sig"`
	Mitte     int    `json:"mitte"`
	MitteUnit string `json:"mitteUnit"`
	Repeat    int    `json:"repeat"`
}

// Payload is the prescription content stored encrypted off-chain
type Payload struct {
	ID        string         `json:"id"`
	Physician common.Address `json:"physician"`
	Patient   common.Address `json:"patient"`
	Drugs     []Drug         `json:"drugs"`
	Note      string         `json:"note,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// CreateRequest holds the physician's input for a new prescription
type CreateRequest struct {
	Patient common.Address `json:"patient"`
	Drugs   []Drug         `json:"drugs"`
	Note    string         `json:"note,omitempty"`
}

// Row is the index projection of a prescription. It is advisory: the ledger
// owns Status and Assignee.
type Row struct {
	ID         string         `json:"id"`
	Subject    common.Address `json:"subject"`
	ContentRef string         `json:"contentRef"`
	Creator    common.Address `json:"creator"`
	CreatedAt  time.Time      `json:"createdAt"`
	Assignee   common.Address `json:"assignee"`
	Status     Status         `json:"status"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	// Verified is set when the row was checked against the ledger while listing
	Verified bool `json:"verified"`
}

// AuditEntry is one append-only timeline record
type AuditEntry struct {
	ID             string         `json:"id"`
	PrescriptionID string         `json:"prescriptionId"`
	Status         Status         `json:"status"`
	Note           string         `json:"note"`
	Actor          common.Address `json:"actor"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Projection is one index write: the row plus the audit entries it produces
type Projection struct {
	Row   Row
	Audit []AuditEntry
}

// Filter selects index rows. Nil fields are unconstrained.
type Filter struct {
	Creator  *common.Address
	Subject  *common.Address
	Assignee *common.Address
	Status   *Status
	Limit    int
	Offset   int
}

// View is the ledger-confirmed presentation of one prescription
type View struct {
	ID         string         `json:"id"`
	Status     Status         `json:"status"`
	Patient    common.Address `json:"patient"`
	Physician  common.Address `json:"physician"`
	Pharmacy   common.Address `json:"pharmacy"`
	ContentRef string         `json:"contentRef"`
	Drugs      []Drug         `json:"drugs"`
	Note       string         `json:"note,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	Profiles   Profiles       `json:"profiles"`
	Timeline   []AuditEntry   `json:"timeline"`
}

// Profiles are the decrypted profiles of the parties to a prescription
type Profiles struct {
	Physician *entity.Profile `json:"physician,omitempty"`
	Patient   *entity.Profile `json:"patient,omitempty"`
	Pharmacy  *entity.Profile `json:"pharmacy,omitempty"`
}

var zeroAddress common.Address

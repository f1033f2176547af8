// Package entity mirrors the ledger's role registry into searchable index tables
// and registers new accounts through the ledger.
package entity

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/drfirst/rxledger/internal/domain/role"
)

// Table is one of the four fixed entity tables. Queries are chosen by switching
// on Table, never by splicing a caller-supplied name into SQL.
type Table int

const (
	TablePhysicians Table = iota + 1
	TablePatients
	TablePharmacies
	TableRegulatoryAuthorities
)

// TableFor maps a registrable role to its table
func TableFor(r role.Role) (Table, error) {
	switch r {
	case role.Physician:
		return TablePhysicians, nil
	case role.Patient:
		return TablePatients, nil
	case role.Pharmacy:
		return TablePharmacies, nil
	case role.RegulatoryAuthority:
		return TableRegulatoryAuthorities, nil
	}
	return 0, fmt.Errorf("no entity table for role %s", r)
}

// Role is the inverse of TableFor
func (t Table) Role() role.Role {
	switch t {
	case TablePhysicians:
		return role.Physician
	case TablePatients:
		return role.Patient
	case TablePharmacies:
		return role.Pharmacy
	case TableRegulatoryAuthorities:
		return role.RegulatoryAuthority
	}
	return role.None
}

func (t Table) String() string {
	switch t {
	case TablePhysicians:
		return "physicians"
	case TablePatients:
		return "patients"
	case TablePharmacies:
		return "pharmacies"
	case TableRegulatoryAuthorities:
		return "regulatory_authorities"
	}
	return fmt.Sprintf("table(%d)", int(t))
}

// Profile is the personal data stored encrypted in the content store
type Profile struct {
	Name          string            `json:"name"`
	Email         string            `json:"email,omitempty"`
	Phone         string            `json:"phone,omitempty"`
	Address       string            `json:"address,omitempty"`
	DateOfBirth   string            `json:"dateOfBirth,omitempty"`
	LicenseNumber string            `json:"licenseNumber,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Record is one mirrored registry row
type Record struct {
	Account    common.Address `json:"account"`
	Role       role.Role      `json:"role"`
	ContentRef string         `json:"contentRef"`
	Creator    common.Address `json:"creator"`
	CreatedAt  time.Time      `json:"createdAt"`
	// Name and Location are only persisted for pharmacies
	Name     string `json:"name,omitempty"`
	Location string `json:"location,omitempty"`
}

// SearchQuery filters one entity table
type SearchQuery struct {
	Role role.Role
	// Text matches pharmacy names as a substring and any account as a hex prefix
	Text   string
	Limit  int
	Offset int
}

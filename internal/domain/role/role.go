// Package role defines the ledger's mutually exclusive account roles.
package role

import (
	"fmt"
	"strings"
)

// Role is the single role an account holds on the ledger.
type Role int

const (
	None Role = iota
	Administrator
	RegulatoryAuthority
	Physician
	Patient
	Pharmacy
)

var names = map[Role]string{
	None:                "none",
	Administrator:       "administrator",
	RegulatoryAuthority: "regulatory_authority",
	Physician:           "physician",
	Patient:             "patient",
	Pharmacy:            "pharmacy",
}

// String returns the wire name of the role
func (r Role) String() string {
	if n, ok := names[r]; ok {
		return n
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Parse maps a wire name (case-insensitive, "-" or "_" separated) to a Role.
func Parse(s string) (Role, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for r, n := range names {
		if n == norm {
			return r, nil
		}
	}
	return None, fmt.Errorf("unknown role %q", s)
}

// Registrable reports whether accounts can be registered into r.
// The administrator is fixed at contract deployment.
func (r Role) Registrable() bool {
	switch r {
	case RegulatoryAuthority, Physician, Patient, Pharmacy:
		return true
	}
	return false
}

// CanRegister reports whether an account holding r may register accounts into target.
// The ledger remains the final arbiter; this is a client-side precheck.
func (r Role) CanRegister(target Role) bool {
	if !target.Registrable() {
		return false
	}
	switch r {
	case Administrator:
		return true
	case RegulatoryAuthority:
		return target == Physician || target == Pharmacy
	case Physician:
		return target == Patient
	}
	return false
}

// MarshalText implements encoding.TextMarshaler
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

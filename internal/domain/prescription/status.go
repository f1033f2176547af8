// Package prescription implements the prescription lifecycle: the status state
// machine, the orchestrator that drives transitions through the ledger, and the
// projection of ledger truth into the relational index.
package prescription

import (
	"fmt"
	"strings"

	"github.com/drfirst/rxledger/internal/domain/role"
)

// Status is the canonical prescription status. Values 0-5 match the ledger's
// integer encoding; StatusReassigned only ever appears in the audit timeline.
type Status uint8

const (
	StatusAwaitingAssignment Status = iota
	StatusAwaitingConfirmation
	StatusPreparing
	StatusReadyForCollection
	StatusCollected
	StatusCancelled
	StatusReassigned
)

var statusLabels = [...]string{
	StatusAwaitingAssignment:   "Awaiting Pharmacy Assignment",
	StatusAwaitingConfirmation: "Awaiting For Confirmation",
	StatusPreparing:            "Preparing",
	StatusReadyForCollection:   "Ready For Collection",
	StatusCollected:            "Collected",
	StatusCancelled:            "Cancelled",
	StatusReassigned:           "Reassigned",
}

// StatusFromOrdinal converts the ledger's integer status. The pseudo-state
// Reassigned is never stored on chain and is rejected here.
func StatusFromOrdinal(o uint8) (Status, error) {
	if o > uint8(StatusCancelled) {
		return 0, fmt.Errorf("unknown ledger status ordinal %d", o)
	}
	return Status(o), nil
}

// Ordinal returns the ledger encoding. Reassigned maps to the state the ledger
// actually holds after a rejection.
func (s Status) Ordinal() uint8 {
	return uint8(s.Canonical())
}

// Canonical folds the Reassigned pseudo-state into Awaiting Pharmacy Assignment
func (s Status) Canonical() Status {
	if s == StatusReassigned {
		return StatusAwaitingAssignment
	}
	return s
}

// Valid reports whether s is one of the declared statuses
func (s Status) Valid() bool {
	return int(s) < len(statusLabels)
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusCollected || s == StatusCancelled
}

// Label returns the text stored in the index and shown in the timeline
func (s Status) Label() string {
	if !s.Valid() {
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
	return statusLabels[s]
}

func (s Status) String() string { return s.Label() }

// ParseLabel is the inverse of Label. Matching ignores case and surrounding space.
func ParseLabel(label string) (Status, error) {
	trimmed := strings.TrimSpace(label)
	for i, l := range statusLabels {
		if strings.EqualFold(l, trimmed) {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status label %q", label)
}

// MarshalText renders the status as its label
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", uint8(s))
	}
	return []byte(s.Label()), nil
}

// UnmarshalText parses a label
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseLabel(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Action is a state-changing request against a prescription
type Action string

const (
	ActionAssign  Action = "assign"
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionPrepare Action = "prepare"
	ActionCollect Action = "collect"
	ActionCancel  Action = "cancel"
)

// ParseAction validates an action name
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := transitions[a]; !ok {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// transition describes one edge family of the state machine
type transition struct {
	from []Status
	to   Status
	// logged is the label written to the audit timeline
	logged Status
	// actor is the only role allowed to request the action
	actor role.Role
	note  string
}

var transitions = map[Action]transition{
	ActionAssign: {
		from:   []Status{StatusAwaitingAssignment},
		to:     StatusAwaitingConfirmation,
		logged: StatusAwaitingConfirmation,
		actor:  role.Physician,
		note:   "Pharmacy assigned by physician",
	},
	ActionReject: {
		from:   []Status{StatusAwaitingConfirmation},
		to:     StatusAwaitingAssignment,
		logged: StatusReassigned,
		actor:  role.Pharmacy,
		note:   "Rejected by pharmacy; awaiting reassignment",
	},
	ActionAccept: {
		from:   []Status{StatusAwaitingConfirmation},
		to:     StatusPreparing,
		logged: StatusPreparing,
		actor:  role.Pharmacy,
		note:   "Accepted by pharmacy",
	},
	ActionPrepare: {
		from:   []Status{StatusPreparing},
		to:     StatusReadyForCollection,
		logged: StatusReadyForCollection,
		actor:  role.Pharmacy,
		note:   "Medication prepared",
	},
	ActionCollect: {
		from:   []Status{StatusReadyForCollection},
		to:     StatusCollected,
		logged: StatusCollected,
		actor:  role.Pharmacy,
		note:   "Medication collected",
	},
	ActionCancel: {
		from:   []Status{StatusAwaitingAssignment, StatusAwaitingConfirmation},
		to:     StatusCancelled,
		logged: StatusCancelled,
		actor:  role.Physician,
		note:   "Cancelled by physician",
	},
}

// Next returns the status the ledger will hold after a is applied to current,
// and the status recorded in the timeline. ok is false for illegal transitions.
func (a Action) Next(current Status) (next, logged Status, ok bool) {
	t, found := transitions[a]
	if !found {
		return current, current, false
	}
	for _, from := range t.from {
		if from == current.Canonical() {
			return t.to, t.logged, true
		}
	}
	return current, current, false
}

// Actor is the role allowed to request a
func (a Action) Actor() role.Role {
	return transitions[a].actor
}

// DefaultNote is the timeline note used when the caller supplies none
func (a Action) DefaultNote() string {
	return transitions[a].note
}

// Actions lists every action in a stable order
func Actions() []Action {
	return []Action{ActionAssign, ActionReject, ActionAccept, ActionPrepare, ActionCollect, ActionCancel}
}

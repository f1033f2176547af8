package prescription

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/drfirst/rxledger/internal/domain/role"
)

// Kind classifies orchestrator failures
type Kind int

const (
	KindAuthorization Kind = iota + 1
	KindInvalidTransition
	KindNotRegistered
	KindNotFound
	KindContentStore
	KindLedger
	KindIndexWrite
	KindConflict
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindNotRegistered:
		return "not_registered"
	case KindNotFound:
		return "not_found"
	case KindContentStore:
		return "content_store"
	case KindLedger:
		return "ledger"
	case KindIndexWrite:
		return "index_write"
	case KindConflict:
		return "conflict"
	case KindInvalidRequest:
		return "invalid_request"
	}
	return "unknown"
}

// Sentinels for errors.Is; they match any *Error of the same Kind.
var (
	ErrAuthorization     = &Error{Kind: KindAuthorization}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrNotRegistered     = &Error{Kind: KindNotRegistered}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrContentStore      = &Error{Kind: KindContentStore}
	ErrLedger            = &Error{Kind: KindLedger}
	ErrIndexWrite        = &Error{Kind: KindIndexWrite}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
)

// Error carries enough context to correlate a failure with the audit log
type Error struct {
	Kind           Kind
	PrescriptionID string
	Action         Action
	Actor          common.Address
	// Current is the ledger status observed when the failure was detected
	Current    Status
	HasCurrent bool
	// Role is the role the referenced account was expected to hold
	Role   role.Role
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Action != "" {
		fmt.Fprintf(&b, " action=%s", e.Action)
	}
	if e.PrescriptionID != "" {
		fmt.Fprintf(&b, " prescription=%s", e.PrescriptionID)
	}
	if e.Actor != (common.Address{}) {
		fmt.Fprintf(&b, " actor=%s", e.Actor.Hex())
	}
	if e.HasCurrent {
		fmt.Fprintf(&b, " current=%q", e.Current.Label())
	}
	if e.Kind == KindNotRegistered && e.Role != role.None {
		fmt.Fprintf(&b, " expected_role=%s", e.Role)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of err, or 0 when err is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CurrentStatus returns the ledger status attached to err, if any
func CurrentStatus(err error) (Status, bool) {
	var e *Error
	if errors.As(err, &e) && e.HasCurrent {
		return e.Current, true
	}
	return 0, false
}

type opContext struct {
	id     string
	action Action
	actor  common.Address
}

func (c opContext) fail(kind Kind, reason string, err error) *Error {
	return &Error{
		Kind:           kind,
		PrescriptionID: c.id,
		Action:         c.action,
		Actor:          c.actor,
		Reason:         reason,
		Err:            err,
	}
}

func (c opContext) invalidTransition(current Status) *Error {
	e := c.fail(KindInvalidTransition, fmt.Sprintf("%s is not allowed from %q", c.action, current.Label()), nil)
	e.Current = current
	e.HasCurrent = true
	return e
}

func (c opContext) conflict(current Status, err error) *Error {
	e := c.fail(KindConflict, "state changed, please refresh", err)
	e.Current = current
	e.HasCurrent = true
	return e
}

func (c opContext) notRegistered(account common.Address, expected role.Role) *Error {
	e := c.fail(KindNotRegistered, fmt.Sprintf("%s is not a registered %s", account.Hex(), expected), nil)
	e.Role = expected
	return e
}

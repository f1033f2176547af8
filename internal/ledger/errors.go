package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrNotAuthorized = errors.New("ledger: not authorized")
	ErrNotFound      = errors.New("ledger: not found")
	ErrAlreadyExists = errors.New("ledger: already exists")
	ErrNotRegistered = errors.New("ledger: account not registered")
	ErrInvalidState  = errors.New("ledger: invalid state")
	// ErrReverted matches every revert, whether or not its reason was classified
	ErrReverted    = errors.New("ledger: transaction reverted")
	ErrUnavailable = errors.New("ledger: unavailable")
	ErrNoSigner    = errors.New("ledger: no signing key for account")
)

// Error is a translated ledger failure
type Error struct {
	Method string
	// Reason is the decoded revert reason, empty when none was returned
	Reason string
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", e.Method, e.Kind)
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.reverted() && e.Kind != ErrReverted {
		errs = append(errs, ErrReverted)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *Error) reverted() bool {
	switch e.Kind {
	case ErrUnavailable, ErrNoSigner:
		return false
	}
	return true
}

// ReasonOf extracts the revert reason from err, if any
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

type dataError interface {
	ErrorData() interface{}
}

// reasonRules classify revert reasons. The first matching rule wins, so the
// more specific phrases come first.
var reasonRules = []struct {
	needles []string
	kind    error
}{
	{[]string{"not registered", "not a patient", "not a pharmacy", "not a physician", "unregistered"}, ErrNotRegistered},
	{[]string{"already"}, ErrAlreadyExists},
	{[]string{"not found", "does not exist", "no such", "nonexistent"}, ErrNotFound},
	{[]string{"not authorized", "unauthorized", "not allowed", "only", "access denied", "permission"}, ErrNotAuthorized},
	{[]string{"status", "state", "cannot be", "not pending", "invalid transition"}, ErrInvalidState},
}

// classify maps a revert reason to a sentinel
func classify(reason string) error {
	r := strings.ToLower(reason)
	for _, rule := range reasonRules {
		for _, n := range rule.needles {
			if strings.Contains(r, n) {
				return rule.kind
			}
		}
	}
	return ErrReverted
}

// translate converts an RPC or revert error into an *Error
func translate(method string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Method: method, Kind: ErrUnavailable, Err: err}
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}

	reason, reverted := revertReason(err)
	if !reverted {
		return &Error{Method: method, Kind: ErrUnavailable, Err: err}
	}
	return &Error{Method: method, Reason: reason, Kind: classify(reason), Err: err}
}

// revertReason decodes the Error(string) payload attached to an execution
// revert, falling back to the text after "execution reverted:".
func revertReason(err error) (string, bool) {
	var de dataError
	if errors.As(err, &de) {
		if hexData, ok := de.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	idx := strings.Index(strings.ToLower(msg), "execution reverted")
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimPrefix(msg[idx+len("execution reverted"):], ":")
	return strings.TrimSpace(rest), true
}

func noSigner(method string, account common.Address) error {
	return &Error{Method: method, Kind: ErrNoSigner, Reason: account.Hex()}
}

// Package session carries the caller's resolved ledger identity through a request.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/drfirst/rxledger/internal/domain/role"
)

// ErrNoSession is returned when a request reaches a handler without an authenticated session
var ErrNoSession = errors.New("no session in context")

// Session is the caller's account and the role the ledger reported for it
// when the request started. It is passed explicitly to domain services.
type Session struct {
	Account common.Address `json:"account"`
	Role    role.Role      `json:"role"`
}

// RoleResolver looks up an account's role on the ledger
type RoleResolver interface {
	RoleOf(ctx context.Context, account common.Address) (role.Role, error)
}

// Resolve builds a Session by asking the ledger for the account's role
func Resolve(ctx context.Context, resolver RoleResolver, account common.Address) (Session, error) {
	if account == (common.Address{}) {
		return Session{}, errors.New("resolve session: zero account")
	}
	r, err := resolver.RoleOf(ctx, account)
	if err != nil {
		return Session{}, fmt.Errorf("resolve session for %s: %w", account.Hex(), err)
	}
	return Session{Account: account, Role: r}, nil
}

// Is reports whether the session holds role r
func (s Session) Is(r role.Role) bool { return s.Role == r }

// String renders the session for logs
func (s Session) String() string {
	return s.Role.String() + ":" + s.Account.Hex()
}

type contextKey struct{}

// WithSession stores s in ctx
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext extracts the session stored by WithSession
func FromContext(ctx context.Context) (Session, error) {
	s, ok := ctx.Value(contextKey{}).(Session)
	if !ok {
		return Session{}, ErrNoSession
	}
	return s, nil
}

// Package ledger stores credit balances for signed-in accounts and daily
// counters for anonymous callers.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"iconforge/internal/credits"
	"iconforge/internal/models"
)

var ErrAccountNotFound = errors.New("account not found")

// AccountStore holds balances keyed by user id.
type AccountStore interface {
	DeductAccount(ctx context.Context, userID string, gen models.GenerationType) (models.DeductResult, error)
	RefundAccount(ctx context.Context, userID string, gen models.GenerationType, isSubscribed bool) error
	AccountBalance(ctx context.Context, userID string) (models.Balance, error)
}

// AnonymousStore holds per-day counters keyed by a hashed identifier.
type AnonymousStore interface {
	DeductAnonymous(ctx context.Context, hashedID string, gen models.GenerationType) (models.DeductResult, error)
	// RefundAnonymous decrements the counter for day, falling back to today
	// when day is empty.
	RefundAnonymous(ctx context.Context, hashedID string, gen models.GenerationType, day string) error
	AnonymousBalance(ctx context.Context, hashedID string) (models.Balance, error)
}

// Router dispatches ledger calls by identifier type and hashes anonymous
// identifiers on the way in.
type Router struct {
	accounts  AccountStore
	anonymous AnonymousStore
	hasher    *Hasher
}

var _ credits.Ledger = (*Router)(nil)

func NewRouter(accounts AccountStore, anonymous AnonymousStore, hasher *Hasher) *Router {
	return &Router{accounts: accounts, anonymous: anonymous, hasher: hasher}
}

func (r *Router) CheckAndDeduct(ctx context.Context, id models.Identity, gen models.GenerationType) (models.DeductResult, error) {
	if !id.IsAnonymous() {
		return r.accounts.DeductAccount(ctx, id.UserID, gen)
	}
	hashed, err := r.hash(id)
	if err != nil {
		return models.DeductResult{}, err
	}
	return r.anonymous.DeductAnonymous(ctx, hashed, gen)
}

// Refund returns exactly gen's unit cost to the bucket and day the deduction
// was taken from. Balances are floored at zero.
func (r *Router) Refund(ctx context.Context, id models.Identity, gen models.GenerationType, deducted models.DeductResult) error {
	if !id.IsAnonymous() {
		return r.accounts.RefundAccount(ctx, id.UserID, gen, deducted.IsSubscribed)
	}
	hashed, err := r.hash(id)
	if err != nil {
		return err
	}
	return r.anonymous.RefundAnonymous(ctx, hashed, gen, deducted.CounterDate)
}

func (r *Router) Balance(ctx context.Context, id models.Identity) (models.Balance, error) {
	if !id.IsAnonymous() {
		return r.accounts.AccountBalance(ctx, id.UserID)
	}
	hashed, err := r.hash(id)
	if err != nil {
		return models.Balance{}, err
	}
	return r.anonymous.AnonymousBalance(ctx, hashed)
}

func (r *Router) hash(id models.Identity) (string, error) {
	if strings.TrimSpace(id.Identifier) == "" {
		return "", credits.ErrIdentifierMissing
	}
	hashed, err := r.hasher.HashIdentifier(id.Identifier)
	if err != nil {
		return "", fmt.Errorf("ledger: %w", err)
	}
	return hashed, nil
}

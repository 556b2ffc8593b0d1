package balances

import (
	"context"
	"database/sql"
	"errors"
)

var (
	// ErrInsufficientBalance is returned when a debit would drive the
	// materialized balance below zero under the default policy.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrUserNotFound is returned when no balance row exists for the user.
	ErrUserNotFound = errors.New("user not found")
)

// Balance is the mutable, derived aggregate of the user's ledger. The
// version counter increments on every successful mutation.
type Balance struct {
	UserID  string
	Balance int64
	Version int64
}

type Balances interface {
	// Provision creates a zero-balance row for a newly registered user.
	// Provisioning an existing user is a no-op.
	Provision(ctx context.Context, userID string) error

	// Exists returns ErrUserNotFound when the user has no balance row.
	Exists(tx *sql.Tx, userID string) error

	// Get returns the materialized balance (no locks; read path).
	Get(ctx context.Context, userID string) (Balance, error)

	// LockAndGet locks the user's balance row (FOR UPDATE) and returns
	// it. Callers locking several users must lock in ascending userID
	// order.
	LockAndGet(tx *sql.Tx, userID string) (Balance, error)

	// ApplyDelta atomically applies delta to the materialized balance and
	// bumps the version, returning the updated row. It rejects with
	// ErrInsufficientBalance when the result would be negative and
	// allowNegative is false. This is the sole mutation path for
	// committed operations.
	ApplyDelta(tx *sql.Tx, userID string, delta int64, allowNegative bool) (Balance, error)

	// Overwrite replaces the materialized balance with a value re-derived
	// from the ledger and returns the updated row. Reserved for drift
	// repair; the only path that bypasses ApplyDelta.
	Overwrite(tx *sql.Tx, userID string, balance int64) (Balance, error)

	// Top returns the highest balances ordered descending, ties broken by
	// ascending userID.
	Top(ctx context.Context, limit uint64) ([]Balance, error)
}

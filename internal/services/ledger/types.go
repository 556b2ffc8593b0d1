package ledger

import (
	"context"
	"errors"

	"github.com/perkhive/points/internal/repos/entries"
)

var (
	// ErrInvalidAmount is returned for non-positive amounts, zero
	// adjustments, and transfers outside the configured bounds.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTarget is returned for self-transfers.
	ErrInvalidTarget = errors.New("invalid transfer target")

	// ErrNotRefundable is returned when the target of a refund is itself
	// a refund entry.
	ErrNotRefundable = errors.New("entry is not refundable")

	// ErrConflict is returned after a concurrency conflict survived the
	// bounded retry attempts. Callers may retry the whole operation,
	// ideally with the same idempotency key.
	ErrConflict = errors.New("concurrency conflict")
)

// TransferPair is the two halves of one peer-to-peer movement: a
// TRANSFERRED_OUT entry on the sender and a TRANSFERRED_IN entry on the
// recipient, cross-linked via RelatedEntryID and committed atomically.
type TransferPair struct {
	Out entries.Entry
	In  entries.Entry
}

// Cache is a best-effort read cache for materialized balances. The
// engine writes the post-commit balance through after every committed
// mutation; SetBalance must reject values older than what it already
// holds (compared by version), so a slow reader cannot re-populate the
// cache with a pre-commit balance. Cache failures never affect the
// commit.
type Cache interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	SetBalance(ctx context.Context, userID string, balance, version int64) error
	InvalidateBalance(ctx context.Context, userID string) error
}

// Notifier delivers fire-and-forget user notifications after committed
// operations. Delivery failure never rolls back a commit.
type Notifier interface {
	Notify(ctx context.Context, userID, message string) error
}

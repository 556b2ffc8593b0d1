package entries

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an entry id or idempotency key has no
	// committed entry.
	ErrNotFound = errors.New("entry not found")

	// ErrDuplicateKey is returned when an insert collides on
	// (user_id, idempotency_key). The caller is expected to re-read the
	// committed entry and return it, not to surface this error.
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrAlreadyRefunded is returned when a second REFUNDED entry targets
	// the same original entry.
	ErrAlreadyRefunded = errors.New("entry already refunded")
)

type Kind string

const (
	KindEarned         Kind = "EARNED"
	KindSpent          Kind = "SPENT"
	KindTransferredIn  Kind = "TRANSFERRED_IN"
	KindTransferredOut Kind = "TRANSFERRED_OUT"
	KindRefunded       Kind = "REFUNDED"
	KindAdjusted       Kind = "ADJUSTED"
)

// Valid reports whether k is one of the known entry kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindEarned, KindSpent, KindTransferredIn, KindTransferredOut, KindRefunded, KindAdjusted:
		return true
	}
	return false
}

// Entry is one immutable ledger record. Entries are never updated or
// deleted after commit; corrections are new REFUNDED/ADJUSTED entries.
type Entry struct {
	ID             uuid.UUID
	UserID         string
	Delta          int64 // positive = credit, negative = debit, never zero
	Kind           Kind
	Reason         string
	IdempotencyKey string    // empty = none
	RelatedEntryID uuid.UUID // uuid.Nil = none
	Metadata       json.RawMessage
	CreatedAt      time.Time
}

// HistoryFilter narrows List results. Zero values mean "no constraint".
type HistoryFilter struct {
	Kinds []Kind
	From  time.Time
	To    time.Time
	Limit uint64
}

type Entries interface {
	// Insert appends one entry inside the caller's transaction and fills
	// in the commit timestamp. Append is the only write operation.
	Insert(tx *sql.Tx, e *Entry) error

	// FindByKey returns the committed entry for (userID, key) inside the
	// caller's transaction, or ErrNotFound.
	FindByKey(tx *sql.Tx, userID, key string) (Entry, error)

	// GetByKey is the non-transactional variant of FindByKey, used to
	// read the winner's entry after losing an idempotency race.
	GetByKey(ctx context.Context, userID, key string) (Entry, error)

	// GetByID returns the entry with the given id inside the caller's
	// transaction, or ErrNotFound.
	GetByID(tx *sql.Tx, id uuid.UUID) (Entry, error)

	// RefundExists reports whether a REFUNDED entry referencing
	// originalID has been committed.
	RefundExists(tx *sql.Tx, originalID uuid.UUID) (bool, error)

	// List returns the user's committed entries ordered by commit time
	// ascending.
	List(ctx context.Context, userID string, f HistoryFilter) ([]Entry, error)

	// SumDeltas re-derives the balance from the full ledger history
	// inside the caller's transaction. Used only for recomputation.
	SumDeltas(tx *sql.Tx, userID string) (int64, error)
}

package entries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perkhive/points/internal/infra/pgutils"
	"github.com/perkhive/points/internal/repos/entries"
)

// Constraint names from cmd/migrator/migrations; unique violations on
// them are mapped to the package sentinels.
const (
	idempotencyConstraint = "entries_user_idempotency_key"
	refundOnceConstraint  = "entries_refund_once"
)

var _ entries.Entries = (*entriesRepo)(nil)

type entriesRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(db *sql.DB, logger *zap.Logger) *entriesRepo {
	return &entriesRepo{db: db, logger: logger}
}

const entryColumns = "id, user_id, delta, kind, reason, idempotency_key, related_entry_id, metadata, created_at"

func (r *entriesRepo) Insert(tx *sql.Tx, e *entries.Entry) error {
	query, args, err := sq.Insert("entries").
		Columns("id", "user_id", "delta", "kind", "reason", "idempotency_key", "related_entry_id", "metadata").
		Values(e.ID, e.UserID, e.Delta, e.Kind, e.Reason, nullString(e.IdempotencyKey), nullUUID(e.RelatedEntryID), nullBytes(e.Metadata)).
		Suffix("RETURNING created_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	err = tx.QueryRow(query, args...).Scan(&e.CreatedAt)
	if err != nil {
		switch {
		case pgutils.IsUniqueViolation(err, idempotencyConstraint):
			return entries.ErrDuplicateKey
		case pgutils.IsUniqueViolation(err, refundOnceConstraint):
			return entries.ErrAlreadyRefunded
		}

		r.logger.Error("insert entry",
			zap.Error(err),
			zap.String("user_id", e.UserID),
			zap.String("kind", string(e.Kind)),
		)

		return fmt.Errorf("insert entry: %w", err)
	}

	return nil
}

func (r *entriesRepo) FindByKey(tx *sql.Tx, userID, key string) (entries.Entry, error) {
	row := tx.QueryRow(`
		SELECT `+entryColumns+`
		FROM entries
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key)

	return scanEntry(row)
}

func (r *entriesRepo) GetByKey(ctx context.Context, userID, key string) (entries.Entry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key)

	return scanEntry(row)
}

func (r *entriesRepo) GetByID(tx *sql.Tx, id uuid.UUID) (entries.Entry, error) {
	row := tx.QueryRow(`
		SELECT `+entryColumns+`
		FROM entries
		WHERE id = $1
	`, id)

	return scanEntry(row)
}

func (r *entriesRepo) RefundExists(tx *sql.Tx, originalID uuid.UUID) (bool, error) {
	var exists bool

	err := tx.QueryRow(`
		SELECT EXISTS (
			SELECT 1 FROM entries
			WHERE related_entry_id = $1 AND kind = $2
		)
	`, originalID, entries.KindRefunded).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("refund exists: %w", err)
	}

	return exists, nil
}

func (r *entriesRepo) List(ctx context.Context, userID string, f entries.HistoryFilter) ([]entries.Entry, error) {
	b := sq.Select("id", "user_id", "delta", "kind", "reason", "idempotency_key", "related_entry_id", "metadata", "created_at").
		From("entries").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at ASC", "id ASC").
		PlaceholderFormat(sq.Dollar)

	if len(f.Kinds) > 0 {
		b = b.Where(sq.Eq{"kind": f.Kinds})
	}
	if !f.From.IsZero() {
		b = b.Where(sq.GtOrEq{"created_at": f.From})
	}
	if !f.To.IsZero() {
		b = b.Where(sq.LtOrEq{"created_at": f.To})
	}
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("list entries",
			zap.Error(err),
			zap.String("user_id", userID),
		)

		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []entries.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	return out, nil
}

func (r *entriesRepo) SumDeltas(tx *sql.Tx, userID string) (int64, error) {
	var sum int64

	err := tx.QueryRow(`
		SELECT COALESCE(SUM(delta), 0)
		FROM entries
		WHERE user_id = $1
	`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum deltas: %w", err)
	}

	return sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (entries.Entry, error) {
	var (
		e         entries.Entry
		reason    sql.NullString
		idemKey   sql.NullString
		relatedID uuid.NullUUID
		metadata  []byte
		createdAt time.Time
	)

	err := row.Scan(&e.ID, &e.UserID, &e.Delta, &e.Kind, &reason, &idemKey, &relatedID, &metadata, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entries.Entry{}, entries.ErrNotFound
		}

		return entries.Entry{}, fmt.Errorf("scan entry: %w", err)
	}

	e.Reason = reason.String
	e.IdempotencyKey = idemKey.String
	e.RelatedEntryID = relatedID.UUID
	e.Metadata = metadata
	e.CreatedAt = createdAt

	return e, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

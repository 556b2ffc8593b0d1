package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perkhive/points/internal/config"
	"github.com/perkhive/points/internal/infra/pgutils"
	"github.com/perkhive/points/internal/repos/balances"
	"github.com/perkhive/points/internal/repos/entries"
)

// maxCommitAttempts bounds the internal retries on serialization and
// deadlock failures before ErrConflict is surfaced.
const maxCommitAttempts = 3

const notifyTimeout = 5 * time.Second

// Engine validates and atomically commits ledger operations. Each
// mutating operation runs the whole read-validate-append-update
// sequence inside one database transaction; the user's balance row is
// the per-user serialization point (locked by the guarded UPDATE, or
// explicitly FOR UPDATE when a transfer spans two users).
type Engine struct {
	db       *sql.DB
	entries  entries.Entries
	balances balances.Balances
	policy   config.Ledger
	cache    Cache    // optional
	notifier Notifier // optional
	logger   *zap.Logger
}

func New(db *sql.DB, ent entries.Entries, bal balances.Balances, policy config.Ledger, cache Cache, notifier Notifier, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		db:       db,
		entries:  ent,
		balances: bal,
		policy:   policy,
		cache:    cache,
		notifier: notifier,
		logger:   logger,
	}
}

// Earn commits a credit of amount points. When idemKey has already been
// committed for this user the original entry is returned unchanged.
func (s *Engine) Earn(ctx context.Context, userID string, amount int64, reason, idemKey string) (entries.Entry, error) {
	if amount <= 0 {
		return entries.Entry{}, ErrInvalidAmount
	}

	e, replayed, err := s.commitOne(ctx, userID, amount, entries.KindEarned, reason, idemKey)
	if err != nil {
		return entries.Entry{}, fmt.Errorf("earn: %w", err)
	}

	if !replayed {
		s.notify(userID, fmt.Sprintf("You earned %d points", amount))
	}

	return e, nil
}

// Spend commits a debit of amount points. Idempotency semantics are
// identical to Earn.
func (s *Engine) Spend(ctx context.Context, userID string, amount int64, reason, idemKey string) (entries.Entry, error) {
	if amount <= 0 {
		return entries.Entry{}, ErrInvalidAmount
	}

	e, replayed, err := s.commitOne(ctx, userID, -amount, entries.KindSpent, reason, idemKey)
	if err != nil {
		return entries.Entry{}, fmt.Errorf("spend: %w", err)
	}

	if !replayed {
		s.notify(userID, fmt.Sprintf("You spent %d points", amount))
	}

	return e, nil
}

// Adjust commits an admin correction with a signed delta.
func (s *Engine) Adjust(ctx context.Context, userID string, delta int64, reason string) (entries.Entry, error) {
	if delta == 0 {
		return entries.Entry{}, ErrInvalidAmount
	}

	e, _, err := s.commitOne(ctx, userID, delta, entries.KindAdjusted, reason, "")
	if err != nil {
		return entries.Entry{}, fmt.Errorf("adjust: %w", err)
	}

	return e, nil
}

// commitOne runs the single-user commit sequence with bounded retries.
// The returned bool reports an idempotent replay, in which case no new
// entry was committed.
func (s *Engine) commitOne(ctx context.Context, userID string, delta int64, kind entries.Kind, reason, idemKey string) (entries.Entry, bool, error) {
	var (
		committed entries.Entry
		updated   balances.Balance
		replayed  bool
	)

	for attempt := 1; ; attempt++ {
		replayed = false

		err := pgutils.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			err := s.balances.Exists(tx, userID)
			if err != nil {
				return err
			}

			if idemKey != "" {
				prev, err := s.entries.FindByKey(tx, userID, idemKey)
				if err == nil {
					committed = prev
					replayed = true

					return nil
				}
				if !errors.Is(err, entries.ErrNotFound) {
					return fmt.Errorf("idempotency lookup: %w", err)
				}
			}

			updated, err = s.balances.ApplyDelta(tx, userID, delta, s.policy.AllowNegativeBalance)
			if err != nil {
				return err
			}

			e := entries.Entry{
				ID:             uuid.New(),
				UserID:         userID,
				Delta:          delta,
				Kind:           kind,
				Reason:         reason,
				IdempotencyKey: idemKey,
			}

			err = s.entries.Insert(tx, &e)
			if err != nil {
				return err
			}

			committed = e

			return nil
		})
		if err == nil {
			break
		}

		// Two concurrent calls with the same key: the loser reads and
		// returns the winner's committed entry instead of erroring.
		if errors.Is(err, entries.ErrDuplicateKey) {
			prev, gerr := s.entries.GetByKey(ctx, userID, idemKey)
			if gerr != nil {
				return entries.Entry{}, false, fmt.Errorf("read winning entry: %w", gerr)
			}

			return prev, true, nil
		}

		if pgutils.IsRetryable(err) {
			if attempt < maxCommitAttempts {
				s.logger.Warn("retrying commit",
					zap.String("user_id", userID),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)

				continue
			}

			return entries.Entry{}, false, fmt.Errorf("%w: %v", ErrConflict, err)
		}

		return entries.Entry{}, false, err
	}

	if !replayed {
		s.cacheWrite(ctx, updated)
	}

	return committed, replayed, nil
}

// Transfer atomically moves amount points between two users: both
// entries commit together or neither does. Balance rows are locked in
// ascending userID order so opposite-direction transfers cannot
// deadlock.
func (s *Engine) Transfer(ctx context.Context, fromUserID, toUserID string, amount int64, note string) (TransferPair, error) {
	if amount <= 0 || amount < s.policy.MinTransferAmount {
		return TransferPair{}, ErrInvalidAmount
	}
	if s.policy.MaxTransferAmount > 0 && amount > s.policy.MaxTransferAmount {
		return TransferPair{}, ErrInvalidAmount
	}
	if fromUserID == toUserID {
		return TransferPair{}, ErrInvalidTarget
	}

	var (
		pair    TransferPair
		fromBal balances.Balance
		toBal   balances.Balance
	)

	for attempt := 1; ; attempt++ {
		err := pgutils.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			first, second := fromUserID, toUserID
			if second < first {
				first, second = second, first
			}

			_, err := s.balances.LockAndGet(tx, first)
			if err != nil {
				return err
			}
			_, err = s.balances.LockAndGet(tx, second)
			if err != nil {
				return err
			}

			fromBal, err = s.balances.ApplyDelta(tx, fromUserID, -amount, s.policy.AllowNegativeBalance)
			if err != nil {
				return err
			}
			toBal, err = s.balances.ApplyDelta(tx, toUserID, amount, true)
			if err != nil {
				return err
			}

			outID, inID := uuid.New(), uuid.New()

			out := entries.Entry{
				ID:             outID,
				UserID:         fromUserID,
				Delta:          -amount,
				Kind:           entries.KindTransferredOut,
				Reason:         note,
				RelatedEntryID: inID,
			}
			in := entries.Entry{
				ID:             inID,
				UserID:         toUserID,
				Delta:          amount,
				Kind:           entries.KindTransferredIn,
				Reason:         note,
				RelatedEntryID: outID,
			}

			err = s.entries.Insert(tx, &out)
			if err != nil {
				return err
			}
			err = s.entries.Insert(tx, &in)
			if err != nil {
				return err
			}

			pair = TransferPair{Out: out, In: in}

			return nil
		})
		if err == nil {
			break
		}

		if pgutils.IsRetryable(err) && attempt < maxCommitAttempts {
			s.logger.Warn("retrying transfer",
				zap.String("from", fromUserID),
				zap.String("to", toUserID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)

			continue
		}
		if pgutils.IsRetryable(err) {
			return TransferPair{}, fmt.Errorf("transfer: %w: %v", ErrConflict, err)
		}

		return TransferPair{}, fmt.Errorf("transfer: %w", err)
	}

	s.cacheWrite(ctx, fromBal)
	s.cacheWrite(ctx, toBal)
	s.notify(fromUserID, fmt.Sprintf("You sent %d points to %s", amount, toUserID))
	s.notify(toUserID, fmt.Sprintf("You received %d points from %s", amount, fromUserID))

	return pair, nil
}

// Refund commits a reversing entry for the given entry. Exactly one
// refund may ever exist per entry; the partial unique index in the
// store backs the engine's pre-check.
func (s *Engine) Refund(ctx context.Context, entryID uuid.UUID) (entries.Entry, error) {
	var (
		refund  entries.Entry
		updated balances.Balance
	)

	for attempt := 1; ; attempt++ {
		err := pgutils.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			orig, err := s.entries.GetByID(tx, entryID)
			if err != nil {
				return err
			}

			if orig.Kind == entries.KindRefunded {
				return ErrNotRefundable
			}

			refunded, err := s.entries.RefundExists(tx, entryID)
			if err != nil {
				return err
			}
			if refunded {
				return entries.ErrAlreadyRefunded
			}

			updated, err = s.balances.ApplyDelta(tx, orig.UserID, -orig.Delta, s.policy.AllowNegativeBalance)
			if err != nil {
				return err
			}

			e := entries.Entry{
				ID:             uuid.New(),
				UserID:         orig.UserID,
				Delta:          -orig.Delta,
				Kind:           entries.KindRefunded,
				Reason:         fmt.Sprintf("refund of entry %s", orig.ID),
				RelatedEntryID: orig.ID,
			}

			err = s.entries.Insert(tx, &e)
			if err != nil {
				return err
			}

			refund = e

			return nil
		})
		if err == nil {
			break
		}

		if pgutils.IsRetryable(err) && attempt < maxCommitAttempts {
			continue
		}
		if pgutils.IsRetryable(err) {
			return entries.Entry{}, fmt.Errorf("refund: %w: %v", ErrConflict, err)
		}

		return entries.Entry{}, fmt.Errorf("refund: %w", err)
	}

	s.cacheWrite(ctx, updated)

	return refund, nil
}

// GetBalance returns the materialized balance, serving from the cache
// when possible.
func (s *Engine) GetBalance(ctx context.Context, userID string) (int64, error) {
	if s.cache != nil {
		balance, err := s.cache.GetBalance(ctx, userID)
		if err == nil {
			return balance, nil
		}
	}

	b, err := s.balances.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}

	if s.cache != nil {
		err = s.cache.SetBalance(ctx, userID, b.Balance, b.Version)
		if err != nil {
			s.logger.Warn("cache set failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	return b.Balance, nil
}

// GetHistory returns the user's committed entries, oldest first.
func (s *Engine) GetHistory(ctx context.Context, userID string, f entries.HistoryFilter) ([]entries.Entry, error) {
	_, err := s.balances.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	list, err := s.entries.List(ctx, userID, f)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	return list, nil
}

// Recompute re-derives the materialized balance from the full ledger
// history and overwrites it. Used for repair after detected drift.
func (s *Engine) Recompute(ctx context.Context, userID string) (int64, error) {
	var sum int64

	var updated balances.Balance

	err := pgutils.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := s.balances.LockAndGet(tx, userID)
		if err != nil {
			return err
		}

		sum, err = s.entries.SumDeltas(tx, userID)
		if err != nil {
			return err
		}

		updated, err = s.balances.Overwrite(tx, userID, sum)

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recompute: %w", err)
	}

	s.cacheWrite(ctx, updated)

	return sum, nil
}

// Provision creates the zero-balance row for a newly registered user.
// Called by the user-management flow; idempotent.
func (s *Engine) Provision(ctx context.Context, userID string) error {
	err := s.balances.Provision(ctx, userID)
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}

	return nil
}

// cacheWrite pushes a freshly committed balance into the cache. The
// cache rejects writes older than what it holds, so commit order and
// write order may diverge without serving a pre-commit value. When the
// write fails the stale entry is dropped instead.
func (s *Engine) cacheWrite(ctx context.Context, b balances.Balance) {
	if s.cache == nil {
		return
	}

	err := s.cache.SetBalance(ctx, b.UserID, b.Balance, b.Version)
	if err == nil {
		return
	}

	s.logger.Warn("cache write failed",
		zap.String("user_id", b.UserID),
		zap.Error(err),
	)

	err = s.cache.InvalidateBalance(ctx, b.UserID)
	if err != nil {
		s.logger.Error("cache invalidation failed",
			zap.String("user_id", b.UserID),
			zap.Error(err),
		)
	}
}

func (s *Engine) notify(userID, message string) {
	if s.notifier == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		err := s.notifier.Notify(ctx, userID, message)
		if err != nil {
			s.logger.Warn("notification failed",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}()
}

package balances

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/perkhive/points/internal/repos/balances"
)

var _ balances.Balances = (*balancesRepo)(nil)

type balancesRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(db *sql.DB, logger *zap.Logger) *balancesRepo {
	return &balancesRepo{db: db, logger: logger}
}

func (r *balancesRepo) Provision(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, balance, version)
		VALUES ($1, 0, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		r.logger.Error("provision balance", zap.Error(err), zap.String("user_id", userID))

		return fmt.Errorf("provision balance: %w", err)
	}

	return nil
}

func (r *balancesRepo) Exists(tx *sql.Tx, userID string) error {
	var one int

	err := tx.QueryRow(`
		SELECT 1
		FROM balances
		WHERE user_id = $1
	`, userID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return balances.ErrUserNotFound
		}

		return fmt.Errorf("check user exists: %w", err)
	}

	return nil
}

func (r *balancesRepo) Get(ctx context.Context, userID string) (balances.Balance, error) {
	b := balances.Balance{UserID: userID}

	err := r.db.QueryRowContext(ctx, `
		SELECT balance, version
		FROM balances
		WHERE user_id = $1
	`, userID).Scan(&b.Balance, &b.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return balances.Balance{}, balances.ErrUserNotFound
		}

		return balances.Balance{}, fmt.Errorf("get balance: %w", err)
	}

	return b, nil
}

func (r *balancesRepo) LockAndGet(tx *sql.Tx, userID string) (balances.Balance, error) {
	b := balances.Balance{UserID: userID}

	err := tx.QueryRow(`
		SELECT balance, version
		FROM balances
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&b.Balance, &b.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return balances.Balance{}, balances.ErrUserNotFound
		}

		return balances.Balance{}, fmt.Errorf("lock/get balance: %w", err)
	}

	return b, nil
}

func (r *balancesRepo) ApplyDelta(tx *sql.Tx, userID string, delta int64, allowNegative bool) (balances.Balance, error) {
	b := balances.Balance{UserID: userID}

	// The WHERE guard rejects instead of clamping: zero rows updated
	// means the non-negativity invariant would have been violated.
	err := tx.QueryRow(`
		UPDATE balances
		SET balance = balance + $2,
		    version = version + 1
		WHERE user_id = $1
		  AND (balance + $2 >= 0 OR $3)
		RETURNING balance, version
	`, userID, delta, allowNegative).Scan(&b.Balance, &b.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return balances.Balance{}, balances.ErrInsufficientBalance
		}

		return balances.Balance{}, fmt.Errorf("apply delta: %w", err)
	}

	return b, nil
}

func (r *balancesRepo) Overwrite(tx *sql.Tx, userID string, balance int64) (balances.Balance, error) {
	b := balances.Balance{UserID: userID}

	err := tx.QueryRow(`
		UPDATE balances
		SET balance = $2,
		    version = version + 1
		WHERE user_id = $1
		RETURNING balance, version
	`, userID, balance).Scan(&b.Balance, &b.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return balances.Balance{}, balances.ErrUserNotFound
		}

		return balances.Balance{}, fmt.Errorf("overwrite balance: %w", err)
	}

	return b, nil
}

func (r *balancesRepo) Top(ctx context.Context, limit uint64) ([]balances.Balance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, balance, version
		FROM balances
		ORDER BY balance DESC, user_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		r.logger.Error("top balances", zap.Error(err))

		return nil, fmt.Errorf("top balances: %w", err)
	}
	defer rows.Close()

	var out []balances.Balance
	for rows.Next() {
		var b balances.Balance
		err = rows.Scan(&b.UserID, &b.Balance, &b.Version)
		if err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("top balances: %w", err)
	}

	return out, nil
}

package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/perkhive/points/internal/repos/balances"
	"github.com/perkhive/points/internal/repos/entries"
)

type Timeframe string

const (
	AllTime Timeframe = "ALL_TIME"
	Daily   Timeframe = "DAILY"
	Weekly  Timeframe = "WEEKLY"
	Monthly Timeframe = "MONTHLY"
)

// ErrInvalidTimeframe is returned for an unknown leaderboard timeframe.
var ErrInvalidTimeframe = errors.New("invalid timeframe")

// ParseTimeframe maps the wire value to a Timeframe; empty defaults to
// ALL_TIME.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case "":
		return AllTime, nil
	case AllTime, Daily, Weekly, Monthly:
		return Timeframe(s), nil
	}

	return "", ErrInvalidTimeframe
}

// Row is one leaderboard position. Balance is the current materialized
// balance for ALL_TIME, or the sum of deltas inside the window for the
// other timeframes.
type Row struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
	Rank    int    `json:"rank"`
}

type Statistics struct {
	TotalEarned    int64          `json:"totalEarned"`
	TotalSpent     int64          `json:"totalSpent"`
	CurrentBalance int64          `json:"currentBalance"`
	LastEntry      *entries.Entry `json:"lastEntry,omitempty"`
	MonthlyEarned  int64          `json:"monthlyEarned"`
	MonthlySpent   int64          `json:"monthlySpent"`
}

// Projector is the read side of the ledger: ranked views and rollups
// derived from committed entries and materialized balances. It never
// writes.
type Projector struct {
	db       *sql.DB
	balances balances.Balances
	logger   *zap.Logger
	now      func() time.Time
}

func New(db *sql.DB, bal balances.Balances, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Projector{
		db:       db,
		balances: bal,
		logger:   logger,
		now:      time.Now,
	}
}

// Leaderboard ranks users by balance (ALL_TIME) or by windowed delta
// sum. Ties break by ascending userID so the output is deterministic.
func (p *Projector) Leaderboard(ctx context.Context, limit uint64, timeframe Timeframe) ([]Row, error) {
	if limit == 0 {
		limit = 10
	}

	if timeframe == AllTime {
		top, err := p.balances.Top(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("leaderboard: %w", err)
		}

		rows := make([]Row, 0, len(top))
		for i, b := range top {
			rows = append(rows, Row{UserID: b.UserID, Balance: b.Balance, Rank: i + 1})
		}

		return rows, nil
	}

	since, err := p.windowStart(timeframe)
	if err != nil {
		return nil, err
	}

	query, args, err := sq.Select("user_id", "SUM(delta) AS total").
		From("entries").
		Where(sq.GtOrEq{"created_at": since}).
		GroupBy("user_id").
		OrderBy("total DESC", "user_id ASC").
		Limit(limit).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build leaderboard: %w", err)
	}

	dbRows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		p.logger.Error("leaderboard query", zap.Error(err), zap.String("timeframe", string(timeframe)))

		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer dbRows.Close()

	var rows []Row
	for dbRows.Next() {
		var r Row
		err = dbRows.Scan(&r.UserID, &r.Balance)
		if err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		r.Rank = len(rows) + 1
		rows = append(rows, r)
	}
	if err := dbRows.Err(); err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}

	return rows, nil
}

// Statistics aggregates one user's ledger: lifetime and
// current-calendar-month earn/spend totals, current balance, and the
// most recent entry.
func (p *Projector) Statistics(ctx context.Context, userID string) (Statistics, error) {
	b, err := p.balances.Get(ctx, userID)
	if err != nil {
		return Statistics{}, fmt.Errorf("statistics: %w", err)
	}

	st := Statistics{CurrentBalance: b.Balance}

	monthStart := p.monthStart()

	earnedKinds := []entries.Kind{entries.KindEarned, entries.KindTransferredIn, entries.KindRefunded}
	spentKinds := []entries.Kind{entries.KindSpent, entries.KindTransferredOut}

	st.TotalEarned, err = p.sumDeltas(ctx, userID, earnedKinds, true, time.Time{})
	if err != nil {
		return Statistics{}, err
	}

	st.TotalSpent, err = p.sumDeltas(ctx, userID, spentKinds, false, time.Time{})
	if err != nil {
		return Statistics{}, err
	}

	st.MonthlyEarned, err = p.sumDeltas(ctx, userID, earnedKinds, true, monthStart)
	if err != nil {
		return Statistics{}, err
	}

	st.MonthlySpent, err = p.sumDeltas(ctx, userID, spentKinds, false, monthStart)
	if err != nil {
		return Statistics{}, err
	}

	last, err := p.lastEntry(ctx, userID)
	if err != nil {
		return Statistics{}, err
	}
	st.LastEntry = last

	return st, nil
}

// sumDeltas totals the user's entries of the given kinds. positive
// selects credits and returns their sum; otherwise debits are selected
// and the absolute value is returned.
func (p *Projector) sumDeltas(ctx context.Context, userID string, kinds []entries.Kind, positive bool, since time.Time) (int64, error) {
	expr := "COALESCE(SUM(delta), 0)"
	if !positive {
		expr = "COALESCE(SUM(-delta), 0)"
	}

	b := sq.Select(expr).
		From("entries").
		Where(sq.Eq{"user_id": userID, "kind": kinds}).
		PlaceholderFormat(sq.Dollar)

	if positive {
		b = b.Where(sq.Gt{"delta": 0})
	} else {
		b = b.Where(sq.Lt{"delta": 0})
	}
	if !since.IsZero() {
		b = b.Where(sq.GtOrEq{"created_at": since})
	}

	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build sum: %w", err)
	}

	var sum int64
	err = p.db.QueryRowContext(ctx, query, args...).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum entries: %w", err)
	}

	return sum, nil
}

func (p *Projector) lastEntry(ctx context.Context, userID string) (*entries.Entry, error) {
	var (
		e       entries.Entry
		reason  sql.NullString
		kindRaw string
	)

	err := p.db.QueryRowContext(ctx, `
		SELECT id, delta, kind, reason, created_at
		FROM entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, userID).Scan(&e.ID, &e.Delta, &kindRaw, &reason, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("last entry: %w", err)
	}

	e.UserID = userID
	e.Kind = entries.Kind(kindRaw)
	e.Reason = reason.String

	return &e, nil
}

func (p *Projector) windowStart(timeframe Timeframe) (time.Time, error) {
	now := p.now().UTC()

	switch timeframe {
	case Daily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	case Weekly:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		weekday := int(day.Weekday())
		if weekday == 0 { // Sunday belongs to the week that started last Monday
			weekday = 7
		}
		return day.AddDate(0, 0, -(weekday - 1)), nil
	case Monthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	}

	return time.Time{}, ErrInvalidTimeframe
}

func (p *Projector) monthStart() time.Time {
	now := p.now().UTC()

	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

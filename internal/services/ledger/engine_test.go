package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/perkhive/points/internal/config"
	"github.com/perkhive/points/internal/infra/pgtestutil"
	"github.com/perkhive/points/internal/repos/balances"
	pgbalances "github.com/perkhive/points/internal/repos/balances/postgres"
	"github.com/perkhive/points/internal/repos/entries"
	pgentries "github.com/perkhive/points/internal/repos/entries/postgres"
)

func newTestEngine(t *testing.T, policy config.Ledger) (*Engine, *sql.DB) {
	t.Helper()

	db, cleanup := pgtestutil.NewTestDB(t)
	t.Cleanup(cleanup)

	if policy.MinTransferAmount == 0 {
		policy.MinTransferAmount = 1
	}

	logger := zap.NewNop()
	eng := New(db, pgentries.New(db, logger), pgbalances.New(db, logger), policy, nil, nil, logger)

	return eng, db
}

func provision(t *testing.T, eng *Engine, users ...string) {
	t.Helper()

	for _, u := range users {
		require.NoError(t, eng.Provision(context.Background(), u))
	}
}

func TestEngine_EarnSpendFlow(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{})
	ctx := context.Background()
	provision(t, eng, "alice")

	e, err := eng.Earn(ctx, "alice", 200, "signup bonus", "")
	require.NoError(t, err)
	require.Equal(t, int64(200), e.Delta)
	require.Equal(t, entries.KindEarned, e.Kind)

	_, err = eng.Spend(ctx, "alice", 150, "reward claim", "")
	require.NoError(t, err)

	balance, err := eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(50), balance)

	// spending more than the remaining 50 must be rejected whole
	_, err = eng.Spend(ctx, "alice", 100, "too much", "")
	require.ErrorIs(t, err, balances.ErrInsufficientBalance)

	balance, err = eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(50), balance)

	history, err := eng.GetHistory(ctx, "alice", entries.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 2, "rejected spend must not append an entry")
}

func TestEngine_Validation(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{})
	ctx := context.Background()
	provision(t, eng, "alice", "bob")

	_, err := eng.Earn(ctx, "alice", 0, "", "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = eng.Earn(ctx, "alice", -5, "", "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = eng.Spend(ctx, "alice", 0, "", "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = eng.Adjust(ctx, "alice", 0, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = eng.Transfer(ctx, "alice", "alice", 10, "")
	require.ErrorIs(t, err, ErrInvalidTarget)

	_, err = eng.Transfer(ctx, "alice", "bob", 0, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = eng.Earn(ctx, "ghost", 10, "", "")
	require.ErrorIs(t, err, balances.ErrUserNotFound)

	_, err = eng.Transfer(ctx, "alice", "ghost", 10, "")
	require.ErrorIs(t, err, balances.ErrUserNotFound)
}

func TestEngine_TransferPolicyBounds(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{MinTransferAmount: 10, MaxTransferAmount: 100})
	ctx := context.Background()
	provision(t, eng, "alice", "bob")

	_, err := eng.Earn(ctx, "alice", 500, "seed", "")
	require.NoError(t, err)

	_, err = eng.Transfer(ctx, "alice", "bob", 5, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = eng.Transfer(ctx, "alice", "bob", 101, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = eng.Transfer(ctx, "alice", "bob", 100, "")
	require.NoError(t, err)
}

func TestEngine_IdempotentReplay(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{})
	ctx := context.Background()
	provision(t, eng, "alice")

	first, err := eng.Earn(ctx, "alice", 100, "promo", "promo-1")
	require.NoError(t, err)

	second, err := eng.Earn(ctx, "alice", 100, "promo", "promo-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	balance, err := eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance, "replay must not double-apply")

	history, err := eng.GetHistory(ctx, "alice", entries.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestEngine_ConcurrentSameKey(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{})
	ctx := context.Background()
	provision(t, eng, "alice")

	const callers = 10

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			e, err := eng.Earn(ctx, "alice", 40, "race", "race-key")
			ids[i], errs[i] = e.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i], "all callers must see the same committed entry")
	}

	balance, err := eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(40), balance)

	history, err := eng.GetHistory(ctx, "alice", entries.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestEngine_ConcurrentEarns(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{})
	ctx := context.Background()
	provision(t, eng, "alice")

	const n = 100

	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			_, errs[i] = eng.Earn(ctx, "alice", 1, "drip", "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "earn %d", i)
	}

	balance, err := eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(n), balance)
}

func TestEngine_OppositeTransfersConserveTotal(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{})
	ctx := context.Background()
	provision(t, eng, "alice", "bob")

	_, err := eng.Earn(ctx, "alice", 50, "seed", "")
	require.NoError(t, err)
	_, err = eng.Earn(ctx, "bob", 50, "seed", "")
	require.NoError(t, err)

	const rounds = 20

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		commits  int
		transfer = func(from, to string) {
			defer wg.Done()

			for i := 0; i < rounds; i++ {
				_, err := eng.Transfer(ctx, from, to, 5, "")
				if err != nil {
					// only a rejected debit or an exhausted retry may stop
					// a transfer; anything else is a broken commit path
					if !errors.Is(err, balances.ErrInsufficientBalance) && !errors.Is(err, ErrConflict) {
						t.Errorf("transfer %s->%s: %v", from, to, err)
					}
					continue
				}

				mu.Lock()
				commits++
				mu.Unlock()
			}
		}
	)

	wg.Add(2)
	go transfer("alice", "bob")
	go transfer("bob", "alice")
	wg.Wait()

	require.Positive(t, commits, "no transfer ever committed")

	a, err := eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	b, err := eng.GetBalance(ctx, "bob")
	require.NoError(t, err)

	require.Equal(t, int64(100), a+b, "points must be conserved")
	require.GreaterOrEqual(t, a, int64(0))
	require.GreaterOrEqual(t, b, int64(0))
}

func TestEngine_TransferEntriesCrossLinked(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{})
	ctx := context.Background()
	provision(t, eng, "alice", "bob")

	_, err := eng.Earn(ctx, "alice", 100, "seed", "")
	require.NoError(t, err)

	pair, err := eng.Transfer(ctx, "alice", "bob", 60, "gift")
	require.NoError(t, err)

	require.Equal(t, int64(-60), pair.Out.Delta)
	require.Equal(t, int64(60), pair.In.Delta)
	require.Equal(t, pair.In.ID, pair.Out.RelatedEntryID)
	require.Equal(t, pair.Out.ID, pair.In.RelatedEntryID)

	a, err := eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	b, err := eng.GetBalance(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(40), a)
	require.Equal(t, int64(60), b)

	// insufficient funds reject the whole transfer, no partial entries
	_, err = eng.Transfer(ctx, "alice", "bob", 1000, "")
	require.ErrorIs(t, err, balances.ErrInsufficientBalance)

	history, err := eng.GetHistory(ctx, "bob", entries.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestEngine_RefundOnce(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{})
	ctx := context.Background()
	provision(t, eng, "alice")

	_, err := eng.Earn(ctx, "alice", 100, "seed", "")
	require.NoError(t, err)

	spend, err := eng.Spend(ctx, "alice", 70, "order", "")
	require.NoError(t, err)

	refund, err := eng.Refund(ctx, spend.ID)
	require.NoError(t, err)
	require.Equal(t, int64(70), refund.Delta)
	require.Equal(t, spend.ID, refund.RelatedEntryID)
	require.Equal(t, entries.KindRefunded, refund.Kind)

	balance, err := eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)

	_, err = eng.Refund(ctx, spend.ID)
	require.ErrorIs(t, err, entries.ErrAlreadyRefunded)

	// a refund entry itself cannot be refunded
	_, err = eng.Refund(ctx, refund.ID)
	require.ErrorIs(t, err, ErrNotRefundable)

	_, err = eng.Refund(ctx, uuid.New())
	require.ErrorIs(t, err, entries.ErrNotFound)
}

func TestEngine_ConcurrentRefunds(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{})
	ctx := context.Background()
	provision(t, eng, "alice")

	_, err := eng.Earn(ctx, "alice", 100, "seed", "")
	require.NoError(t, err)

	spend, err := eng.Spend(ctx, "alice", 30, "order", "")
	require.NoError(t, err)

	const callers = 8

	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			_, errs[i] = eng.Refund(ctx, spend.ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, entries.ErrAlreadyRefunded)
	}
	require.Equal(t, 1, succeeded, "exactly one refund may commit")

	balance, err := eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
}

func TestEngine_RefundOfEarnDebits(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{})
	ctx := context.Background()
	provision(t, eng, "alice")

	earn, err := eng.Earn(ctx, "alice", 80, "promo", "")
	require.NoError(t, err)

	refund, err := eng.Refund(ctx, earn.ID)
	require.NoError(t, err)
	require.Equal(t, int64(-80), refund.Delta)

	balance, err := eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)

	// reversing the earn again would overdraw; the earn is already
	// refunded so the uniqueness check fires first
	_, err = eng.Refund(ctx, earn.ID)
	require.ErrorIs(t, err, entries.ErrAlreadyRefunded)
}

func TestEngine_BalanceMatchesLedger(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{})
	ctx := context.Background()
	provision(t, eng, "alice", "bob")

	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 50; i++ {
		amount := int64(rng.Intn(20) + 1)

		switch rng.Intn(4) {
		case 0:
			_, err := eng.Earn(ctx, "alice", amount, "op", "")
			require.NoError(t, err)
		case 1:
			_, err := eng.Spend(ctx, "alice", amount, "op", "")
			if err != nil {
				require.ErrorIs(t, err, balances.ErrInsufficientBalance)
			}
		case 2:
			_, err := eng.Transfer(ctx, "alice", "bob", amount, "op")
			if err != nil {
				require.ErrorIs(t, err, balances.ErrInsufficientBalance)
			}
		case 3:
			_, err := eng.Adjust(ctx, "alice", amount, fmt.Sprintf("correction %d", i))
			require.NoError(t, err)
		}
	}

	for _, user := range []string{"alice", "bob"} {
		balance, err := eng.GetBalance(ctx, user)
		require.NoError(t, err)
		require.GreaterOrEqual(t, balance, int64(0))

		history, err := eng.GetHistory(ctx, user, entries.HistoryFilter{})
		require.NoError(t, err)

		var sum int64
		for _, e := range history {
			require.NotZero(t, e.Delta)
			sum += e.Delta
		}
		require.Equal(t, sum, balance, "materialized balance must equal sum of deltas for %s", user)

		recomputed, err := eng.Recompute(ctx, user)
		require.NoError(t, err)
		require.Equal(t, balance, recomputed)
	}
}

func TestEngine_RecomputeRepairsDrift(t *testing.T) {
	t.Parallel()

	eng, db := newTestEngine(t, config.Ledger{})
	ctx := context.Background()
	provision(t, eng, "alice")

	_, err := eng.Earn(ctx, "alice", 120, "seed", "")
	require.NoError(t, err)

	// corrupt the materialized row behind the engine's back
	_, err = db.Exec(`UPDATE balances SET balance = 9999 WHERE user_id = 'alice'`)
	require.NoError(t, err)

	got, err := eng.Recompute(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(120), got)

	balance, err := eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(120), balance)
}

func TestEngine_AdjustAllowsNegativeDelta(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{})
	ctx := context.Background()
	provision(t, eng, "alice")

	_, err := eng.Earn(ctx, "alice", 30, "seed", "")
	require.NoError(t, err)

	e, err := eng.Adjust(ctx, "alice", -10, "support correction")
	require.NoError(t, err)
	require.Equal(t, entries.KindAdjusted, e.Kind)

	balance, err := eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(20), balance)

	// corrections still honor non-negativity under the default policy
	_, err = eng.Adjust(ctx, "alice", -100, "bad correction")
	require.ErrorIs(t, err, balances.ErrInsufficientBalance)
}

func TestEngine_AllowNegativePolicy(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{AllowNegativeBalance: true})
	ctx := context.Background()
	provision(t, eng, "alice")

	_, err := eng.Spend(ctx, "alice", 40, "overdraft", "")
	require.NoError(t, err)

	balance, err := eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(-40), balance)
}

type cachedBalance struct {
	balance int64
	version int64
}

// fakeCache implements the Cache contract in memory: reads miss with an
// error, writes reject values whose version is not newer.
type fakeCache struct {
	mu     sync.Mutex
	values map[string]cachedBalance
	sets   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: map[string]cachedBalance{}}
}

func (f *fakeCache) GetBalance(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.values[userID]
	if !ok {
		return 0, errMiss
	}

	return v.balance, nil
}

func (f *fakeCache) SetBalance(_ context.Context, userID string, balance, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, ok := f.values[userID]
	if ok && cur.version >= version {
		return nil
	}

	f.values[userID] = cachedBalance{balance: balance, version: version}
	f.sets++

	return nil
}

func (f *fakeCache) InvalidateBalance(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.values, userID)

	return nil
}

func (f *fakeCache) snapshot(userID string) (cachedBalance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.values[userID]

	return v, ok
}

var errMiss = fmt.Errorf("balance not cached")

func newCachedTestEngine(t *testing.T) (*Engine, *fakeCache) {
	t.Helper()

	db, cleanup := pgtestutil.NewTestDB(t)
	t.Cleanup(cleanup)

	logger := zap.NewNop()
	fc := newFakeCache()
	eng := New(db, pgentries.New(db, logger), pgbalances.New(db, logger),
		config.Ledger{MinTransferAmount: 1}, fc, nil, logger)

	return eng, fc
}

func TestEngine_CacheWriteThrough(t *testing.T) {
	t.Parallel()

	eng, fc := newCachedTestEngine(t)
	ctx := context.Background()
	provision(t, eng, "alice")

	_, err := eng.Earn(ctx, "alice", 100, "seed", "earn-key")
	require.NoError(t, err)

	got, ok := fc.snapshot("alice")
	require.True(t, ok, "commit must write the fresh balance through")
	require.Equal(t, cachedBalance{balance: 100, version: 1}, got)

	_, err = eng.Spend(ctx, "alice", 40, "order", "")
	require.NoError(t, err)

	got, ok = fc.snapshot("alice")
	require.True(t, ok)
	require.Equal(t, cachedBalance{balance: 60, version: 2}, got)

	// an idempotent replay commits nothing, so it must not touch the cache
	setsBefore := fc.sets
	_, err = eng.Earn(ctx, "alice", 100, "seed", "earn-key")
	require.NoError(t, err)
	require.Equal(t, setsBefore, fc.sets)

	balance, err := eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(60), balance)
}

func TestEngine_StaleReaderCannotRepopulateCache(t *testing.T) {
	t.Parallel()

	eng, fc := newCachedTestEngine(t)
	ctx := context.Background()
	provision(t, eng, "alice")

	_, err := eng.Earn(ctx, "alice", 100, "seed", "")
	require.NoError(t, err)

	_, err = eng.Spend(ctx, "alice", 40, "order", "")
	require.NoError(t, err)

	// a reader that loaded the row before the spend committed finishes
	// its cache write only now; the older version must lose
	require.NoError(t, fc.SetBalance(ctx, "alice", 100, 1))

	balance, err := eng.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(60), balance, "pre-commit balance must not be served after commit")

	got, ok := fc.snapshot("alice")
	require.True(t, ok)
	require.Equal(t, cachedBalance{balance: 60, version: 2}, got)
}

func TestEngine_TransferWritesBothBalancesThrough(t *testing.T) {
	t.Parallel()

	eng, fc := newCachedTestEngine(t)
	ctx := context.Background()
	provision(t, eng, "alice", "bob")

	_, err := eng.Earn(ctx, "alice", 100, "seed", "")
	require.NoError(t, err)

	_, err = eng.Transfer(ctx, "alice", "bob", 30, "gift")
	require.NoError(t, err)

	got, ok := fc.snapshot("alice")
	require.True(t, ok)
	require.Equal(t, int64(70), got.balance)

	got, ok = fc.snapshot("bob")
	require.True(t, ok)
	require.Equal(t, int64(30), got.balance)
}

func TestEngine_HistoryFilters(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, config.Ledger{})
	ctx := context.Background()
	provision(t, eng, "alice")

	_, err := eng.Earn(ctx, "alice", 100, "seed", "")
	require.NoError(t, err)
	_, err = eng.Spend(ctx, "alice", 20, "order", "")
	require.NoError(t, err)
	_, err = eng.Earn(ctx, "alice", 5, "drip", "")
	require.NoError(t, err)

	earns, err := eng.GetHistory(ctx, "alice", entries.HistoryFilter{Kinds: []entries.Kind{entries.KindEarned}})
	require.NoError(t, err)
	require.Len(t, earns, 2)

	limited, err := eng.GetHistory(ctx, "alice", entries.HistoryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)

	_, err = eng.GetHistory(ctx, "ghost", entries.HistoryFilter{})
	require.ErrorIs(t, err, balances.ErrUserNotFound)
}

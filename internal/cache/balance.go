package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/perkhive/points/internal/config"
)

// ErrMiss is returned when no cached balance exists for the user.
var ErrMiss = errors.New("balance not cached")

// setIfNewer stores the value only when no entry exists or the stored
// version is older. A reader that loaded the database before a commit
// cannot overwrite the committer's fresher write-through.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local curv = tonumber(string.match(cur, '^(-?%d+):'))
	if curv and curv >= tonumber(ARGV[1]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// BalanceCache is a read-side cache for materialized balances. Values
// carry the balance row's version counter; writes are rejected unless
// they are newer than the cached value, and entries expire after the
// configured TTL.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(ctx context.Context, cfg config.Redis) (*BalanceCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		MaxRetries:  5,
		DialTimeout: 10 * time.Second,
	})

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &BalanceCache{client: client, ttl: cfg.TTL}, nil
}

func (c *BalanceCache) GetBalance(ctx context.Context, userID string) (int64, error) {
	val, err := c.client.Get(ctx, key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, fmt.Errorf("cache get: %w", err)
	}

	balance, _, err := decodeBalance(val)
	if err != nil {
		return 0, fmt.Errorf("cache parse: %w", err)
	}

	return balance, nil
}

func (c *BalanceCache) SetBalance(ctx context.Context, userID string, balance, version int64) error {
	err := setIfNewer.Run(ctx, c.client,
		[]string{key(userID)},
		version, encodeBalance(balance, version), c.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}

	return nil
}

func (c *BalanceCache) InvalidateBalance(ctx context.Context, userID string) error {
	err := c.client.Del(ctx, key(userID)).Err()
	if err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}

	return nil
}

func (c *BalanceCache) Close() error {
	return c.client.Close()
}

func key(userID string) string {
	return "balance:" + userID
}

// encodeBalance renders the cached value as "<version>:<balance>" so
// the set script can compare versions without a second round trip.
func encodeBalance(balance, version int64) string {
	return strconv.FormatInt(version, 10) + ":" + strconv.FormatInt(balance, 10)
}

func decodeBalance(val string) (balance, version int64, err error) {
	verRaw, balRaw, ok := strings.Cut(val, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed cache value %q", val)
	}

	version, err = strconv.ParseInt(verRaw, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cache version %q", val)
	}

	balance, err = strconv.ParseInt(balRaw, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cache balance %q", val)
	}

	return balance, version, nil
}

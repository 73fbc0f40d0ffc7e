package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL keeps a day's counter long enough to outlive its day in
// every timezone.
const DefaultRedisTTL = 48 * time.Hour

// RedisClient is the subset of go-redis the store uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

var _ RedisClient = (*redis.Client)(nil)

// RedisStore keeps one integer counter of micro-units per wallet and day.
type RedisStore struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store. keyPrefix defaults to
// "payguard:spend:" and ttl to DefaultRedisTTL.
func NewRedisStore(client RedisClient, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "payguard:spend:"
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (r *RedisStore) key(wallet string, day time.Time) string {
	return r.keyPrefix + NormalizeWallet(wallet) + ":" + Day(day).Format(time.DateOnly)
}

func (r *RedisStore) SpentOn(ctx context.Context, wallet string, day time.Time) (*big.Int, error) {
	raw, err := r.client.Get(ctx, r.key(wallet, day)).Result()
	if errors.Is(err, redis.Nil) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET: %w", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrCorruptValue, raw)
	}
	return big.NewInt(n), nil
}

func (r *RedisStore) AddSpend(ctx context.Context, wallet string, day time.Time, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !amount.IsInt64() {
		return fmt.Errorf("%w: %s micro-units overflows a redis counter", ErrInvalidAmount, amount)
	}
	k := r.key(wallet, day)
	if err := r.client.IncrBy(ctx, k, amount.Int64()).Err(); err != nil {
		return fmt.Errorf("redis INCRBY: %w", err)
	}
	if err := r.client.Expire(ctx, k, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis EXPIRE: %w", err)
	}
	return nil
}

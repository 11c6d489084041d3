package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed check_and_increment.lua
var checkAndIncrementSource string

//go:embed sweep.lua
var sweepSource string

var (
	checkAndIncrementScript = redis.NewScript(checkAndIncrementSource)
	sweepScript             = redis.NewScript(sweepSource)
)

// sweepBatch bounds how many stale index members one round trip fetches.
const sweepBatch = 500

// RedisStore implements CounterStore on Redis. Every mutation runs inside a
// Lua script so the read-decide-write cycle is atomic across processes.
type RedisStore struct {
	client redis.Cmdable // Use Cmdable for compatibility with ClusterClient, SentinelClient, etc.
	opts   storeOptions
}

// NewRedisStore creates a new Redis counter store.
// It expects a pre-configured redis.Cmdable (e.g., redis.Client).
func NewRedisStore(client redis.Cmdable, opts ...StoreOption) *RedisStore {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{
		client: client,
		opts:   o,
	}
}

func (s *RedisStore) counterKey(key string) string {
	return s.opts.prefix + "counter:" + key
}

func (s *RedisStore) indexKey() string {
	return s.opts.prefix + "index"
}

// CheckAndIncrement implements CounterStore.
func (s *RedisStore) CheckAndIncrement(ctx context.Context, rule *LimitRule, key string, now time.Time) (bool, int64, error) {
	resetFlag := "0"
	if s.opts.resetOnBlockExpiry {
		resetFlag = "1"
	}

	keys := []string{s.counterKey(key), s.indexKey()}
	args := []any{
		now.UnixMilli(),               // ARGV[1]
		rule.RequestsLimit,            // ARGV[2]
		rule.TimeWindowSeconds * 1000, // ARGV[3]
		rule.BlockDurationSeconds,     // ARGV[4]
		resetFlag,                     // ARGV[5]
		key,                           // ARGV[6]
		rule.ID,                       // ARGV[7]
	}

	result, err := checkAndIncrementScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("redis lua script execution failed")
		return false, 0, fmt.Errorf("redis command failed for key %s: %w", key, err)
	}

	values, ok := result.([]any)
	if !ok || len(values) != 2 {
		log.Error().Str("key", key).Interface("result", result).Msg("redis lua script returned unexpected type")
		return false, 0, fmt.Errorf("unexpected result from redis script for key %s: %T", key, result)
	}
	allowed, _ := values[0].(int64)
	retryAfter, _ := values[1].(int64)

	if allowed != 1 {
		log.Debug().Str("key", key).Int64("rule_id", rule.ID).Int64("retry_after", retryAfter).Msg("redis request denied by counter")
	}
	return allowed == 1, retryAfter, nil
}

// Sweep implements CounterStore. Candidates come from the window start index
// and each deletion re-checks staleness inside a script, so a counter whose
// window was reset concurrently survives.
func (s *RedisStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := olderThan.UnixMilli()
	removed := 0

	for {
		members, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   "(" + strconv.FormatInt(cutoff, 10),
			Count: sweepBatch,
		}).Result()
		if err != nil {
			return removed, fmt.Errorf("redis sweep scan failed: %w", err)
		}
		if len(members) == 0 {
			return removed, nil
		}

		for _, member := range members {
			n, err := sweepScript.Run(ctx, s.client, []string{s.counterKey(member), s.indexKey()}, cutoff, member).Int()
			if err != nil {
				return removed, fmt.Errorf("redis sweep failed for key %s: %w", member, err)
			}
			removed += n
		}
	}
}

// Get implements CounterStore.
func (s *RedisStore) Get(ctx context.Context, key string) (Counter, bool, error) {
	values, err := s.client.HMGet(ctx, s.counterKey(key), "count", "window_start", "blocked_until", "rule_id").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Counter{}, false, nil
		}
		return Counter{}, false, fmt.Errorf("redis hmget failed for key %s: %w", key, err)
	}
	if values[0] == nil {
		return Counter{}, false, nil
	}

	c := Counter{Key: key}
	c.Count = parseInt(values[0])
	c.WindowStart = time.UnixMilli(parseInt(values[1]))
	if blocked := parseInt(values[2]); blocked > 0 {
		c.BlockedUntil = time.UnixMilli(blocked)
	}
	c.RuleID = parseInt(values[3])
	return c, true, nil
}

func parseInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// lua may store large numbers in float notation
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0
		}
		return int64(f)
	}
	return n
}

package limiter

import (
	"context"
	"math"
	"time"
)

// Counter is the per (rule, context) counting state.
type Counter struct {
	Key          string
	RuleID       int64
	Count        int64
	WindowStart  time.Time
	BlockedUntil time.Time // zero when not blocked
}

// CounterStore keeps counters. CheckAndIncrement is the only mutation on the
// request path and must behave as one indivisible step per key.
type CounterStore interface {
	// CheckAndIncrement applies one request for rule under key at time now.
	// It returns whether the request is allowed and, when denied, the number
	// of seconds the caller should wait.
	CheckAndIncrement(ctx context.Context, rule *LimitRule, key string, now time.Time) (bool, int64, error)

	// Sweep deletes every counter whose window started before olderThan and
	// returns how many were removed.
	Sweep(ctx context.Context, olderThan time.Time) (int, error)

	// Get returns a copy of the counter stored under key.
	Get(ctx context.Context, key string) (Counter, bool, error)
}

// storeOptions are shared by the counter store implementations.
type storeOptions struct {
	resetOnBlockExpiry bool
	prefix             string
}

// StoreOption configures a counter store.
type StoreOption func(*storeOptions)

// WithResetOnBlockExpiry makes a request that arrives after an expired block
// start a fresh window. By default the expired block is ignored and the
// request is judged against the still-open window, which usually re-blocks a
// caller until the original window itself has elapsed.
func WithResetOnBlockExpiry(enabled bool) StoreOption {
	return func(o *storeOptions) {
		o.resetOnBlockExpiry = enabled
	}
}

// WithPrefix sets the key namespace used by RedisStore. Default "throttle:".
func WithPrefix(prefix string) StoreOption {
	return func(o *storeOptions) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

func defaultStoreOptions() storeOptions {
	return storeOptions{prefix: "throttle:"}
}

// ceilSeconds rounds a positive duration up to whole seconds.
func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// windowElapsed reports whether a window that began at start is over at now.
func windowElapsed(rule *LimitRule, start, now time.Time) bool {
	return start.Before(now.Add(-time.Duration(rule.TimeWindowSeconds) * time.Second))
}

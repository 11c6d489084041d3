package limiter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ipRule(id int64, ip string, limit, window, block int64) LimitRule {
	return LimitRule{
		ID:                   id,
		Active:               true,
		TargetType:           TargetIP,
		IPAddress:            ip,
		RequestsLimit:        limit,
		TimeWindowSeconds:    window,
		BlockDurationSeconds: block,
	}
}

func newTestEngine(t *testing.T, store CounterStore, clock *fakeClock, rules ...LimitRule) *Engine {
	t.Helper()
	rs, err := NewRuleStore(rules...)
	require.NoError(t, err)
	return NewEngine(rs, store, WithClock(clock.Now))
}

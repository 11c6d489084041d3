package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

// memoryShards splits the counter map so a sweep only ever holds a small
// part of it.
const memoryShards = 64

// memorySweepBatch bounds how many deletions one shard lock hold performs.
const memorySweepBatch = 128

// memoryEntry guards one counter. deleted is set by Sweep so a caller that
// raced with the sweep retries against a fresh entry.
type memoryEntry struct {
	mu      sync.Mutex
	counter Counter
	deleted bool
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// MemoryStore implements CounterStore in process memory. Keys are spread over
// shards and each key has its own lock, so unrelated contexts never serialize
// on each other and the hot path never waits for a whole sweep.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
	opts   storeOptions
}

// NewMemoryStore creates a new in-memory counter store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &MemoryStore{opts: o}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]*memoryEntry)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return s.shards[xxhash.Sum64String(key)%memoryShards]
}

// CheckAndIncrement implements CounterStore.
func (s *MemoryStore) CheckAndIncrement(ctx context.Context, rule *LimitRule, key string, now time.Time) (bool, int64, error) {
	sh := s.shard(key)
	for {
		if err := ctx.Err(); err != nil {
			return false, 0, err
		}

		sh.mu.Lock()
		entry, exists := sh.entries[key]
		if !exists {
			// first request for this key
			entry = &memoryEntry{counter: Counter{
				Key:         key,
				RuleID:      rule.ID,
				Count:       1,
				WindowStart: now,
			}}
			sh.entries[key] = entry
			sh.mu.Unlock()
			log.Debug().Str("key", key).Int64("rule_id", rule.ID).Msg("first request, counter created")
			return true, 0, nil
		}
		sh.mu.Unlock()

		entry.mu.Lock()
		if entry.deleted {
			entry.mu.Unlock()
			continue
		}
		allowed, retryAfter := applyRequest(&entry.counter, rule, now, s.opts.resetOnBlockExpiry)
		count := entry.counter.Count
		entry.mu.Unlock()

		if !allowed {
			log.Debug().Str("key", key).Int64("rule_id", rule.ID).Int64("count", count).Int64("retry_after", retryAfter).Msg("request denied by counter")
		}
		return allowed, retryAfter, nil
	}
}

// applyRequest is the decision procedure for an existing counter.
func applyRequest(c *Counter, rule *LimitRule, now time.Time, resetOnBlockExpiry bool) (bool, int64) {
	if !c.BlockedUntil.IsZero() {
		if c.BlockedUntil.After(now) {
			return false, ceilSeconds(c.BlockedUntil.Sub(now))
		}
		if resetOnBlockExpiry {
			c.Count = 1
			c.WindowStart = now
			c.BlockedUntil = time.Time{}
			return true, 0
		}
	}

	if windowElapsed(rule, c.WindowStart, now) {
		c.Count = 1
		c.WindowStart = now
		c.BlockedUntil = time.Time{}
		return true, 0
	}

	c.Count++
	if c.Count > rule.RequestsLimit {
		c.BlockedUntil = now.Add(time.Duration(rule.BlockDurationSeconds) * time.Second)
		return false, rule.BlockDurationSeconds
	}
	return true, 0
}

// Sweep implements CounterStore. Each shard is scanned from a copy taken under
// its lock; stale entries are then removed in small batches, re-checked under
// their own lock, so requests only ever wait for one short lock hold.
func (s *MemoryStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		candidates := sh.staleCandidates(olderThan)
		for len(candidates) > 0 {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			n := min(len(candidates), memorySweepBatch)
			removed += sh.removeStale(candidates[:n], olderThan)
			candidates = candidates[n:]
		}
	}
	return removed, nil
}

type sweepCandidate struct {
	key   string
	entry *memoryEntry
}

// staleCandidates returns the entries of sh whose window started before
// olderThan. A request may reset a window afterwards, so removeStale checks
// again.
func (sh *memoryShard) staleCandidates(olderThan time.Time) []sweepCandidate {
	sh.mu.Lock()
	all := make([]sweepCandidate, 0, len(sh.entries))
	for key, entry := range sh.entries {
		all = append(all, sweepCandidate{key: key, entry: entry})
	}
	sh.mu.Unlock()

	stale := all[:0]
	for _, c := range all {
		c.entry.mu.Lock()
		old := c.entry.counter.WindowStart.Before(olderThan)
		c.entry.mu.Unlock()
		if old {
			stale = append(stale, c)
		}
	}
	return stale
}

func (sh *memoryShard) removeStale(batch []sweepCandidate, olderThan time.Time) int {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	removed := 0
	for _, c := range batch {
		if sh.entries[c.key] != c.entry {
			continue
		}
		c.entry.mu.Lock()
		if c.entry.counter.WindowStart.Before(olderThan) {
			c.entry.deleted = true
			delete(sh.entries, c.key)
			removed++
		}
		c.entry.mu.Unlock()
	}
	return removed
}

// Get implements CounterStore.
func (s *MemoryStore) Get(ctx context.Context, key string) (Counter, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	entry, ok := sh.entries[key]
	sh.mu.Unlock()
	if !ok {
		return Counter{}, false, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return Counter{}, false, nil
	}
	return entry.counter, true, nil
}

// Len returns the number of live counters.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

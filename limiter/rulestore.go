package limiter

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// RuleStats are the observability counters of one rule.
type RuleStats struct {
	totalHits       atomic.Int64
	totalBlocks     atomic.Int64
	lastTriggeredAt atomic.Int64 // unix nanos, 0 = never
}

// RuleStatsSnapshot is a read-only copy of RuleStats.
type RuleStatsSnapshot struct {
	RuleID          int64     `json:"rule_id"`
	TotalHits       int64     `json:"total_hits"`
	TotalBlocks     int64     `json:"total_blocks"`
	LastTriggeredAt time.Time `json:"last_triggered_at,omitempty"`
}

func (s *RuleStats) recordHit() {
	s.totalHits.Add(1)
}

func (s *RuleStats) recordBlock(now time.Time) {
	s.totalBlocks.Add(1)
	s.lastTriggeredAt.Store(now.UnixNano())
}

func (s *RuleStats) snapshot(id int64) RuleStatsSnapshot {
	out := RuleStatsSnapshot{
		RuleID:      id,
		TotalHits:   s.totalHits.Load(),
		TotalBlocks: s.totalBlocks.Load(),
	}
	if ts := s.lastTriggeredAt.Load(); ts != 0 {
		out.LastTriggeredAt = time.Unix(0, ts)
	}
	return out
}

// RuleSet is an immutable, priority ordered view of the configured rules.
type RuleSet struct {
	rules []*LimitRule
}

// Rules returns the rules in evaluation order. Callers must not modify them.
func (rs *RuleSet) Rules() []*LimitRule {
	if rs == nil {
		return nil
	}
	return rs.rules
}

// RuleStore holds the configured rules. Reads are lock free; writers build a
// new RuleSet and swap it in.
//
// Rules come from two layers. Replace sets the base layer, normally the rule
// file. Put and Deactivate write runtime overrides, which win over the base
// rule with the same id and survive every Replace until Revert drops them.
type RuleStore struct {
	mu        sync.Mutex // serializes writers
	current   atomic.Pointer[RuleSet]
	base      map[int64]LimitRule
	overrides map[int64]LimitRule

	statsMu sync.RWMutex
	stats   map[int64]*RuleStats
}

// NewRuleStore creates a store holding rules as its base layer. It fails if
// any rule is invalid.
func NewRuleStore(rules ...LimitRule) (*RuleStore, error) {
	s := &RuleStore{
		base:      make(map[int64]LimitRule),
		overrides: make(map[int64]LimitRule),
		stats:     make(map[int64]*RuleStats),
	}
	s.current.Store(&RuleSet{})
	if err := s.Replace(rules); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current rule set.
func (s *RuleStore) Snapshot() *RuleSet {
	return s.current.Load()
}

// Replace validates rules and swaps them in as the whole base layer.
// Nothing changes when any rule is invalid. Runtime overrides are kept.
func (s *RuleStore) Replace(rules []LimitRule) error {
	next := make(map[int64]LimitRule, len(rules))
	for i := range rules {
		rule := rules[i]
		if _, dup := next[rule.ID]; dup {
			return fmt.Errorf("%w: duplicate rule id %d", ErrInvalidRuleConfiguration, rule.ID)
		}
		if err := rule.Validate(); err != nil {
			return err
		}
		next[rule.ID] = rule
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = next
	s.publishLocked()

	event := log.Info().Int("rule_count", len(next))
	if len(s.overrides) > 0 {
		shadowed := make([]int64, 0, len(s.overrides))
		for id := range s.overrides {
			shadowed = append(shadowed, id)
		}
		sort.Slice(shadowed, func(i, j int) bool { return shadowed[i] < shadowed[j] })
		event = event.Ints64("overridden_rule_ids", shadowed)
	}
	event.Msg("rule set replaced")
	return nil
}

// Put creates or updates one rule as a runtime override.
func (s *RuleStore) Put(rule LimitRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[rule.ID] = rule
	s.publishLocked()
	log.Info().Int64("rule_id", rule.ID).Str("rule", rule.label()).Bool("active", rule.Active).Msg("rule stored")
	return nil
}

// Deactivate records an override that marks a rule inactive so it is never
// matched.
func (s *RuleStore) Deactivate(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.lookupLocked(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrRuleNotFound, id)
	}
	rule.Active = false
	s.overrides[id] = rule
	s.publishLocked()
	log.Info().Int64("rule_id", id).Msg("rule deactivated")
	return nil
}

// Revert drops the runtime override of a rule so the base rule, if any,
// applies again.
func (s *RuleStore) Revert(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.overrides[id]; !ok {
		return fmt.Errorf("%w: no override for %d", ErrRuleNotFound, id)
	}
	delete(s.overrides, id)
	s.publishLocked()
	_, inBase := s.base[id]
	log.Info().Int64("rule_id", id).Bool("base_rule", inBase).Msg("rule override reverted")
	return nil
}

// Get returns a copy of the effective rule with the given id.
func (s *RuleStore) Get(id int64) (LimitRule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(id)
}

// Overrides returns the runtime overrides ordered by id.
func (s *RuleStore) Overrides() []LimitRule {
	s.mu.Lock()
	out := make([]LimitRule, 0, len(s.overrides))
	for _, rule := range s.overrides {
		out = append(out, rule)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *RuleStore) lookupLocked(id int64) (LimitRule, bool) {
	if rule, ok := s.overrides[id]; ok {
		return rule, true
	}
	rule, ok := s.base[id]
	return rule, ok
}

// publishLocked builds a sorted RuleSet from the base rules with overrides
// applied. Caller holds s.mu.
func (s *RuleStore) publishLocked() {
	rules := make([]*LimitRule, 0, len(s.base)+len(s.overrides))
	for id, rule := range s.base {
		if _, overridden := s.overrides[id]; overridden {
			continue
		}
		rules = append(rules, &rule)
	}
	for _, rule := range s.overrides {
		rules = append(rules, &rule)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	s.current.Store(&RuleSet{rules: rules})
}

// statsFor returns the stats of a rule, creating them on first use. Stats
// outlive rule updates for the same id.
func (s *RuleStore) statsFor(id int64) *RuleStats {
	s.statsMu.RLock()
	st, ok := s.stats[id]
	s.statsMu.RUnlock()
	if ok {
		return st
	}

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if st, ok = s.stats[id]; ok {
		return st
	}
	st = &RuleStats{}
	s.stats[id] = st
	return st
}

// Stats returns the observability counters of one rule.
func (s *RuleStore) Stats(id int64) RuleStatsSnapshot {
	return s.statsFor(id).snapshot(id)
}

// AllStats returns the counters of every rule that has been evaluated,
// ordered by rule id.
func (s *RuleStore) AllStats() []RuleStatsSnapshot {
	s.statsMu.RLock()
	out := make([]RuleStatsSnapshot, 0, len(s.stats))
	for id, st := range s.stats {
		out = append(out, st.snapshot(id))
	}
	s.statsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

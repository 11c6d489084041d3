package limiter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleStore_ReplaceIsAllOrNothing(t *testing.T) {
	rs, err := NewRuleStore(ipRule(1, "1.2.3.4", 5, 60, 60))
	require.NoError(t, err)

	bad := ipRule(3, "5.6.7.8", 0, 60, 60)
	err = rs.Replace([]LimitRule{ipRule(2, "5.6.7.8", 5, 60, 60), bad})
	assert.ErrorIs(t, err, ErrInvalidRuleConfiguration)
	assert.Equal(t, []int64{1}, ruleIDs(rs.Snapshot().Rules()))

	err = rs.Replace([]LimitRule{ipRule(2, "5.6.7.8", 5, 60, 60), ipRule(2, "9.9.9.9", 5, 60, 60)})
	assert.ErrorIs(t, err, ErrInvalidRuleConfiguration, "duplicate ids")
}

func TestRuleStore_PutAndDeactivate(t *testing.T) {
	rs, err := NewRuleStore()
	require.NoError(t, err)

	require.NoError(t, rs.Put(ipRule(1, "1.2.3.4", 5, 60, 60)))
	assert.Len(t, SelectRules(rs.Snapshot(), Request{IP: "1.2.3.4"}), 1)

	before := rs.Snapshot()
	require.NoError(t, rs.Deactivate(1))
	assert.Empty(t, SelectRules(rs.Snapshot(), Request{IP: "1.2.3.4"}))
	assert.Len(t, SelectRules(before, Request{IP: "1.2.3.4"}), 1, "earlier snapshots are immutable")

	rule, ok := rs.Get(1)
	require.True(t, ok)
	assert.False(t, rule.Active)

	assert.ErrorIs(t, rs.Deactivate(99), ErrRuleNotFound)
	assert.ErrorIs(t, rs.Put(ipRule(2, "", 5, 60, 60)), ErrInvalidRuleConfiguration)
}

func TestRuleStore_RuntimeEditsSurviveReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o644))

	rs, err := NewRuleStore()
	require.NoError(t, err)
	require.NoError(t, rs.LoadFile(path))

	emergency := ipRule(50, "198.51.100.7", 1, 60, 3600)
	require.NoError(t, rs.Put(emergency))
	require.NoError(t, rs.Deactivate(2))

	require.NoError(t, rs.LoadFile(path))

	rule, ok := rs.Get(50)
	require.True(t, ok, "runtime rule kept")
	assert.True(t, rule.Active)
	rule, ok = rs.Get(2)
	require.True(t, ok)
	assert.False(t, rule.Active, "runtime deactivation kept")

	assert.Len(t, SelectRules(rs.Snapshot(), Request{IP: "198.51.100.7"}), 1)
	assert.Empty(t, SelectRules(rs.Snapshot(), Request{Endpoint: "/api/auth/login"}))
	assert.Equal(t, []int64{2, 50}, ruleIDs(toPointers(rs.Overrides())))
}

func TestRuleStore_OverrideShadowsBaseRule(t *testing.T) {
	rs, err := NewRuleStore(ipRule(1, "1.2.3.4", 5, 60, 60))
	require.NoError(t, err)

	require.NoError(t, rs.Put(ipRule(1, "1.2.3.4", 50, 60, 60)))
	require.NoError(t, rs.Replace([]LimitRule{ipRule(1, "1.2.3.4", 7, 60, 60), ipRule(2, "5.6.7.8", 5, 60, 60)}))

	rules := rs.Snapshot().Rules()
	require.Len(t, rules, 2, "an overridden id appears once")
	rule, _ := rs.Get(1)
	assert.Equal(t, int64(50), rule.RequestsLimit)

	require.NoError(t, rs.Revert(1))
	rule, _ = rs.Get(1)
	assert.Equal(t, int64(7), rule.RequestsLimit, "file rule applies again")
	assert.Empty(t, rs.Overrides())
	assert.ErrorIs(t, rs.Revert(1), ErrRuleNotFound)

	require.NoError(t, rs.Put(ipRule(9, "9.9.9.9", 5, 60, 60)))
	require.NoError(t, rs.Revert(9))
	_, ok := rs.Get(9)
	assert.False(t, ok, "a runtime-only rule is gone after revert")
}

func toPointers(rules []LimitRule) []*LimitRule {
	out := make([]*LimitRule, len(rules))
	for i := range rules {
		out[i] = &rules[i]
	}
	return out
}

func TestRuleStore_StatsSurviveUpdates(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, NewMemoryStore(), clock, ipRule(1, "1.2.3.4", 5, 60, 60))
	evaluate(t, engine, Request{IP: "1.2.3.4"})

	require.NoError(t, engine.Rules().Put(ipRule(1, "1.2.3.4", 10, 60, 60)))
	evaluate(t, engine, Request{IP: "1.2.3.4"})

	assert.Equal(t, int64(2), engine.Rules().Stats(1).TotalHits)
	all := engine.Rules().AllStats()
	require.Len(t, all, 1)
	assert.Equal(t, int64(1), all[0].RuleID)
	assert.True(t, all[0].LastTriggeredAt.IsZero())
}

const sampleRules = `
storage_type: redis
rules:
  - id: 2
    name: auth
    active: true
    priority: 20
    target_type: endpoint
    endpoint_pattern: /api/auth/*
    requests_limit: 5
    time_window_seconds: 60
    burst_limit: 10
    block_duration_seconds: 300
  - id: 1
    active: true
    target_type: user
    user_id: 42
    requests_limit: 100
    time_window_seconds: 3600
    action_type: warn
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleRules))
	require.NoError(t, err)
	assert.Equal(t, StorageRedis, cfg.StorageType)
	require.Len(t, cfg.Rules, 2)

	auth := cfg.Rules[0]
	assert.Equal(t, "auth", auth.Name)
	assert.Equal(t, TargetEndpoint, auth.TargetType)
	assert.Equal(t, ActionBlock, auth.ActionType, "action defaults to block")
	assert.Equal(t, int64(10), auth.BurstLimit)
	assert.True(t, auth.Matches(Request{Endpoint: "/api/auth/login"}))

	assert.Equal(t, ActionWarn, cfg.Rules[1].ActionType)
	assert.Equal(t, int64(42), cfg.Rules[1].UserID)
}

func TestParseConfig_Invalid(t *testing.T) {
	_, err := ParseConfig([]byte("storage_type: disk\n"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("rules:\n  - id: 1\n    target_type: global\n    requests_limit: 5\n"))
	assert.ErrorIs(t, err, ErrInvalidRuleConfiguration)

	_, err = ParseConfig([]byte("rules: [unclosed"))
	assert.Error(t, err)
}

func TestRuleStore_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o644))

	rs, err := NewRuleStore()
	require.NoError(t, err)
	require.NoError(t, rs.LoadFile(path))
	require.Len(t, rs.Snapshot().Rules(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rs.Watch(ctx, path))

	updated := "rules:\n  - id: 9\n    active: true\n    target_type: global\n    requests_limit: 1\n    time_window_seconds: 1\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	assert.Eventually(t, func() bool {
		rules := rs.Snapshot().Rules()
		return len(rules) == 1 && rules[0].ID == 9
	}, 3*time.Second, 20*time.Millisecond)

	// a broken file keeps the previous rules
	require.NoError(t, os.WriteFile(path, []byte("rules: [unclosed"), 0o644))
	time.Sleep(300 * time.Millisecond)
	rules := rs.Snapshot().Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, int64(9), rules[0].ID)
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	rs, err := NewRuleStore(LimitRule{ID: 1, Name: "login", Active: true, TargetType: TargetGlobal,
		RequestsLimit: 1, TimeWindowSeconds: 60, BlockDurationSeconds: 60})
	require.NoError(t, err)
	clock := newFakeClock()
	engine := NewEngine(rs, NewMemoryStore(), WithClock(clock.Now), WithRecorder(rec))

	evaluate(t, engine, Request{})
	evaluate(t, engine, Request{})
	evaluate(t, engine, Request{})

	assert.Equal(t, float64(1), testutil.ToFloat64(rec.decisions.WithLabelValues("login", OutcomeAllowed)))
	assert.Equal(t, float64(2), testutil.ToFloat64(rec.decisions.WithLabelValues("login", OutcomeDenied)))
	assert.Equal(t, 1, testutil.CollectAndCount(rec.storeLatency))

	_, err = NewPrometheusRecorder(reg)
	assert.Error(t, err, "collectors register once per registry")
}

package rulesync

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/throttle/limiter"
)

func newPeer(t *testing.T, mr *miniredis.Miniredis, rules ...limiter.LimitRule) (*Syncer, *limiter.RuleStore) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { client.Close() })

	store, err := limiter.NewRuleStore(rules...)
	require.NoError(t, err)
	return New(client, store), store
}

func loginRule(limit int64) limiter.LimitRule {
	return limiter.LimitRule{
		ID: 7, Name: "login", Active: true, TargetType: limiter.TargetEndpoint,
		EndpointPattern: "/login*", RequestsLimit: limit, TimeWindowSeconds: 60,
	}
}

func TestSyncer_PropagatesEdits(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, storeA := newPeer(t, mr)
	b, storeB := newPeer(t, mr)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	require.NoError(t, a.Put(ctx, loginRule(5)))
	got, ok := storeA.Get(7)
	require.True(t, ok)
	assert.Equal(t, int64(5), got.RequestsLimit)

	assert.Eventually(t, func() bool {
		rule, ok := storeB.Get(7)
		return ok && rule.RequestsLimit == 5 && rule.Active
	}, 2*time.Second, 10*time.Millisecond)

	// The propagated rule must be usable by the matcher on the peer.
	matched := limiter.SelectRules(storeB.Snapshot(), limiter.Request{Endpoint: "/login/form"})
	require.Len(t, matched, 1)

	require.NoError(t, b.Deactivate(ctx, 7))
	assert.Eventually(t, func() bool {
		rule, _ := storeA.Get(7)
		return !rule.Active
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncer_InvalidRuleRejectedLocally(t *testing.T) {
	mr := miniredis.RunT(t)
	a, storeA := newPeer(t, mr)

	bad := loginRule(0)
	err := a.Put(context.Background(), bad)
	require.ErrorIs(t, err, limiter.ErrInvalidRuleConfiguration)
	_, ok := storeA.Get(7)
	assert.False(t, ok)

	err = a.Deactivate(context.Background(), 99)
	assert.ErrorIs(t, err, limiter.ErrRuleNotFound)
}

func TestSyncer_IgnoresBadAndOwnEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, storeB := newPeer(t, mr, loginRule(5))
	require.NoError(t, b.Start(ctx))

	b.apply("not json")
	b.apply(`{"op":"put","origin":"elsewhere"}`)
	b.apply(`{"op":"deactivate","origin":"` + b.Origin() + `","rule_id":7}`)

	rule, ok := storeB.Get(7)
	require.True(t, ok)
	assert.True(t, rule.Active)

	b.apply(`{"op":"deactivate","origin":"elsewhere","rule_id":7}`)
	rule, _ = storeB.Get(7)
	assert.False(t, rule.Active)
}

func TestSyncer_StopsWithContext(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())

	a, _ := newPeer(t, mr)
	require.NoError(t, a.Start(ctx))
	assert.ErrorIs(t, a.Start(ctx), errAlreadyStarted)

	cancel()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestSyncer_LateJoinerLoadsOverrides(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := limiter.LimitRule{ID: 3, Active: true, TargetType: limiter.TargetGlobal, RequestsLimit: 100, TimeWindowSeconds: 60}
	a, _ := newPeer(t, mr, base)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Put(ctx, loginRule(5)))
	require.NoError(t, a.Deactivate(ctx, 3))

	late, storeLate := newPeer(t, mr, base)
	require.NoError(t, late.Start(ctx))

	rule, ok := storeLate.Get(7)
	require.True(t, ok, "rule created before the peer started")
	assert.Equal(t, int64(5), rule.RequestsLimit)
	rule, _ = storeLate.Get(3)
	assert.False(t, rule.Active, "deactivation made before the peer started")

	// file reloads on the late peer keep the loaded overrides
	require.NoError(t, storeLate.Replace([]limiter.LimitRule{base}))
	rule, _ = storeLate.Get(3)
	assert.False(t, rule.Active)
}

func TestSyncer_RevertPropagates(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, storeA := newPeer(t, mr)
	b, storeB := newPeer(t, mr)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	require.NoError(t, a.Put(ctx, loginRule(5)))
	assert.Eventually(t, func() bool {
		_, ok := storeB.Get(7)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Revert(ctx, 7))
	_, ok := storeB.Get(7)
	assert.False(t, ok)
	assert.Eventually(t, func() bool {
		_, ok := storeA.Get(7)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, mr.HGet(DefaultOverridesKey, "7"), "override removed from redis")

	assert.ErrorIs(t, a.Revert(ctx, 7), limiter.ErrRuleNotFound)
}

func TestSyncer_DoneBeforeStart(t *testing.T) {
	mr := miniredis.RunT(t)
	a, _ := newPeer(t, mr)

	require.NotNil(t, a.Done())
	select {
	case <-a.Done():
		t.Fatal("done closed without a listener")
	case <-time.After(20 * time.Millisecond):
	}
}

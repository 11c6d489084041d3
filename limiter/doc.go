// Package limiter is a rule based request throttling engine.
//
// Rules (LimitRule) say how many requests a context may make in a window and
// what happens when it makes more. A context is the caller IP, the endpoint
// and the user id of one request (Request).
//
//	rules, _ := limiter.NewRuleStore(limiter.LimitRule{
//		ID: 1, Active: true, TargetType: limiter.TargetEndpoint,
//		EndpointPattern: "/api/auth/*",
//		RequestsLimit: 5, TimeWindowSeconds: 60, BlockDurationSeconds: 300,
//	})
//	engine := limiter.NewEngine(rules, limiter.NewMemoryStore())
//	dec, err := engine.Evaluate(ctx, limiter.Request{IP: ip, Endpoint: path})
//
// # Evaluation
//
// The rules that apply to a request are taken highest priority first (ties by
// ascending id). Each one charges the request to its own counter. The first
// rule whose counter refuses the request ends the evaluation; rules after it
// are not charged. A rule with the block action denies the request; throttle,
// captcha and warn rules leave it allowed and report the action so the caller
// can respond.
//
// # Counters
//
// A counter starts a window on the first request. Every request within the
// window increments it; the request that takes it past the limit blocks the
// context for the rule's block duration. A request after the window has
// elapsed starts a new window.
//
// When a block expires before the window does, the next request is still
// judged against the old window and is normally blocked again, so in practice
// a blocked context stays blocked until its window ends. WithResetOnBlockExpiry
// opts into starting a fresh window instead.
//
// # Stores and errors
//
// MemoryStore keeps counters in process with one lock per key. RedisStore
// runs each check as a Lua script so a counter can be shared by many
// processes. Evaluate bounds each store call (WithStoreTimeout) and reports
// failures as ErrCounterStoreUnavailable; it never turns a failure into allow
// or deny.
//
// A Reaper removes counters whose window started more than 24 hours ago.
package limiter

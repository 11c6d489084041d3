package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed bool
	// Rule is a copy of the rule that was violated, nil when every rule passed.
	Rule *LimitRule
	// Action is the violated rule's action. Non-block actions leave Allowed
	// true and expect the caller to apply their own consequence.
	Action            ActionType
	RetryAfterSeconds int64
}

// Triggered reports whether some rule was violated.
func (d Decision) Triggered() bool {
	return d.Rule != nil
}

// Challenge reports whether the caller should issue a CAPTCHA.
func (d Decision) Challenge() bool {
	return d.Action == ActionCaptcha
}

// Throttle reports whether the caller should slow the request down.
func (d Decision) Throttle() bool {
	return d.Action == ActionThrottle
}

// Warn reports whether the caller should only log or alert.
func (d Decision) Warn() bool {
	return d.Action == ActionWarn
}

// Engine matches rules against requests and keeps their counters.
type Engine struct {
	rules        *RuleStore
	store        CounterStore
	clock        func() time.Time
	storeTimeout time.Duration
	recorder     Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithStoreTimeout bounds each counter store call. Default 200ms.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// WithRecorder injects a metrics backend.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// NewEngine creates a new Engine.
func NewEngine(rules *RuleStore, store CounterStore, opts ...Option) *Engine {
	e := &Engine{
		rules:        rules,
		store:        store,
		clock:        time.Now,
		storeTimeout: DefaultStoreTimeout,
		recorder:     noopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the rule store the engine reads from.
func (e *Engine) Rules() *RuleStore {
	return e.rules
}

// Evaluate charges req against every applicable rule in priority order and
// stops at the first violated rule; rules after it are neither evaluated nor
// charged. A counter store failure returns an error wrapping
// ErrCounterStoreUnavailable and no decision.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	rules := SelectRules(e.rules.Snapshot(), req)
	if len(rules) == 0 {
		return Decision{Allowed: true}, nil
	}

	now := e.clock()
	for _, rule := range rules {
		key := BuildKey(rule.ID, req)

		allowed, retryAfter, err := e.checkAndIncrement(ctx, rule, key, now)
		if err != nil {
			e.recorder.Decision(rule.label(), OutcomeError)
			log.Error().Err(err).Int64("rule_id", rule.ID).Str("key", key).Msg("counter store call failed")
			return Decision{}, fmt.Errorf("%w: rule %d: %w", ErrCounterStoreUnavailable, rule.ID, err)
		}

		stats := e.rules.statsFor(rule.ID)
		if !allowed {
			stats.recordBlock(now)
			violated := *rule
			decision := Decision{
				Allowed:           rule.ActionType != ActionBlock,
				Rule:              &violated,
				Action:            rule.ActionType,
				RetryAfterSeconds: retryAfter,
			}
			if decision.Allowed {
				e.recorder.Decision(rule.label(), OutcomeAdvisory)
				log.Info().Int64("rule_id", rule.ID).Str("rule", rule.label()).Str("action", string(rule.ActionType)).Str("ip", req.IP).Str("endpoint", req.Endpoint).Msg("advisory limit triggered")
			} else {
				e.recorder.Decision(rule.label(), OutcomeDenied)
				log.Warn().Int64("rule_id", rule.ID).Str("rule", rule.label()).Str("ip", req.IP).Str("endpoint", req.Endpoint).Int64("retry_after", retryAfter).Msg("request blocked")
			}
			return decision, nil
		}

		stats.recordHit()
		e.recorder.Decision(rule.label(), OutcomeAllowed)
	}
	return Decision{Allowed: true}, nil
}

func (e *Engine) checkAndIncrement(ctx context.Context, rule *LimitRule, key string, now time.Time) (bool, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	start := time.Now()
	allowed, retryAfter, err := e.store.CheckAndIncrement(ctx, rule, key, now)
	e.recorder.StoreLatency(time.Since(start), err != nil)
	return allowed, retryAfter, err
}

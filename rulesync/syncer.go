// Package rulesync propagates rule edits between throttle instances that
// share a Redis deployment. Every edit is applied to the local RuleStore as a
// runtime override, recorded in a Redis hash and then published; peers apply
// what they receive and skip their own events. A starting instance loads the
// hash so it sees edits made before it came up.
package rulesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/limiter"
)

const (
	// DefaultChannel is the Redis channel rule events are published on.
	DefaultChannel = "throttle:rules"
	// DefaultOverridesKey is the Redis hash holding every runtime override.
	DefaultOverridesKey = "throttle:rules:overrides"
)

var errAlreadyStarted = errors.New("rulesync: already started")

// Op names a rule edit.
type Op string

const (
	OpPut        Op = "put"
	OpDeactivate Op = "deactivate"
	OpRevert     Op = "revert"
)

// Event is the message published for every edit.
type Event struct {
	Op     Op                 `json:"op"`
	Origin string             `json:"origin"`
	Rule   *limiter.LimitRule `json:"rule,omitempty"`
	RuleID int64              `json:"rule_id,omitempty"`
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithChannel overrides DefaultChannel.
func WithChannel(channel string) Option {
	return func(s *Syncer) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// WithOverridesKey overrides DefaultOverridesKey.
func WithOverridesKey(key string) Option {
	return func(s *Syncer) {
		if key != "" {
			s.overridesKey = key
		}
	}
}

// Syncer applies rule edits locally and fans them out to peers.
type Syncer struct {
	client       redis.UniversalClient
	rules        *limiter.RuleStore
	channel      string
	overridesKey string
	origin       string
	started      atomic.Bool
	done         chan struct{}
}

// New creates a Syncer for rules. Each Syncer gets a random origin id so it
// can recognise its own events.
func New(client redis.UniversalClient, rules *limiter.RuleStore, opts ...Option) *Syncer {
	s := &Syncer{
		client:       client,
		rules:        rules,
		channel:      DefaultChannel,
		overridesKey: DefaultOverridesKey,
		origin:       uuid.NewString(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Origin returns the id stamped on events published by s.
func (s *Syncer) Origin() string { return s.origin }

// Put stores rule locally and publishes it.
func (s *Syncer) Put(ctx context.Context, rule limiter.LimitRule) error {
	if err := s.rules.Put(rule); err != nil {
		return err
	}
	return s.record(ctx, OpPut, rule.ID)
}

// Deactivate deactivates the rule locally and publishes the change.
func (s *Syncer) Deactivate(ctx context.Context, id int64) error {
	if err := s.rules.Deactivate(id); err != nil {
		return err
	}
	return s.record(ctx, OpDeactivate, id)
}

// Revert drops the runtime override of a rule locally and on every peer.
func (s *Syncer) Revert(ctx context.Context, id int64) error {
	if err := s.rules.Revert(id); err != nil {
		return err
	}
	return s.record(ctx, OpRevert, id)
}

// record stores the effective override of id in the overrides hash, or
// removes it after a revert, then publishes the event.
func (s *Syncer) record(ctx context.Context, op Op, id int64) error {
	field := strconv.FormatInt(id, 10)
	ev := Event{Op: op, RuleID: id}

	if op == OpRevert {
		if err := s.client.HDel(ctx, s.overridesKey, field).Err(); err != nil {
			return fmt.Errorf("rulesync: remove override %d: %w", id, err)
		}
		return s.publish(ctx, ev)
	}

	rule, ok := s.rules.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", limiter.ErrRuleNotFound, id)
	}
	raw, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("rulesync: marshal rule %d: %w", id, err)
	}
	if err := s.client.HSet(ctx, s.overridesKey, field, raw).Err(); err != nil {
		log.Error().Err(err).Str("key", s.overridesKey).Int64("rule_id", id).Msg("failed to record rule override")
		return fmt.Errorf("rulesync: record override %d: %w", id, err)
	}
	if op == OpPut {
		ev.Rule = &rule
	}
	return s.publish(ctx, ev)
}

func (s *Syncer) publish(ctx context.Context, ev Event) error {
	ev.Origin = s.origin
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("rulesync: marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		log.Error().Err(err).Str("channel", s.channel).Int64("rule_id", ev.RuleID).Msg("failed to publish rule event")
		return fmt.Errorf("rulesync: publish: %w", err)
	}
	return nil
}

// Start subscribes to the channel, loads the overrides recorded by peers and
// then applies incoming events until ctx is done. It returns once both the
// subscription and the initial load have succeeded.
func (s *Syncer) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		s.started.Store(false)
		return fmt.Errorf("rulesync: subscribe %s: %w", s.channel, err)
	}
	if err := s.loadOverrides(ctx); err != nil {
		sub.Close()
		s.started.Store(false)
		return err
	}

	go s.listenLoop(ctx, sub)
	log.Debug().Str("channel", s.channel).Str("origin", s.origin).Msg("rule sync started")
	return nil
}

// Done is closed when the listener started by Start has exited. It never
// closes if Start did not succeed.
func (s *Syncer) Done() <-chan struct{} { return s.done }

func (s *Syncer) loadOverrides(ctx context.Context) error {
	fields, err := s.client.HGetAll(ctx, s.overridesKey).Result()
	if err != nil {
		return fmt.Errorf("rulesync: load overrides: %w", err)
	}

	applied := 0
	for field, raw := range fields {
		var rule limiter.LimitRule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			log.Warn().Err(err).Str("field", field).Msg("skipping malformed rule override")
			continue
		}
		if err := s.rules.Put(rule); err != nil {
			log.Warn().Err(err).Int64("rule_id", rule.ID).Msg("skipping invalid rule override")
			continue
		}
		applied++
	}
	if applied > 0 {
		log.Info().Int("overrides", applied).Str("key", s.overridesKey).Msg("rule overrides loaded")
	}
	return nil
}

func (s *Syncer) listenLoop(ctx context.Context, sub *redis.PubSub) {
	defer close(s.done)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.apply(msg.Payload)
		}
	}
}

func (s *Syncer) apply(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		log.Warn().Err(err).Str("channel", s.channel).Msg("dropping malformed rule event")
		return
	}
	if ev.Origin == s.origin {
		return
	}

	var err error
	switch ev.Op {
	case OpPut:
		if ev.Rule == nil {
			log.Warn().Str("origin", ev.Origin).Msg("put event without rule")
			return
		}
		err = s.rules.Put(*ev.Rule)
	case OpDeactivate:
		err = s.rules.Deactivate(ev.RuleID)
	case OpRevert:
		err = s.rules.Revert(ev.RuleID)
	default:
		log.Warn().Str("op", string(ev.Op)).Msg("unknown rule event")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("op", string(ev.Op)).Int64("rule_id", ev.RuleID).Str("origin", ev.Origin).Msg("failed to apply rule event")
	}
}

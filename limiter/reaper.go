package limiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/redlock"
)

// Reaper deletes counters whose window started longer ago than the retention
// horizon, whatever their block state.
type Reaper struct {
	store     CounterStore
	retention time.Duration
	clock     func() time.Time
	recorder  Recorder
	lock      *redlock.Locker

	mu sync.Mutex // one sweep at a time per reaper
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithRetention overrides the 24h retention horizon.
func WithRetention(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithReaperClock replaces time.Now.
func WithReaperClock(clock func() time.Time) ReaperOption {
	return func(r *Reaper) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithReaperRecorder injects a metrics backend.
func WithReaperRecorder(rec Recorder) ReaperOption {
	return func(r *Reaper) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithSweepLock makes every sweep hold l, so only one process sweeps a shared
// store at a time. A sweep that cannot take the lock is skipped.
func WithSweepLock(l *redlock.Locker) ReaperOption {
	return func(r *Reaper) {
		r.lock = l
	}
}

// NewReaper creates a new Reaper for store.
func NewReaper(store CounterStore, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:     store,
		retention: DefaultRetention,
		clock:     time.Now,
		recorder:  noopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep removes stale counters once and returns how many were removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lock != nil {
		if err := r.lock.TryLock(ctx); err != nil {
			if errors.Is(err, redlock.ErrLockNotAcquired) {
				log.Debug().Str("lock", r.lock.Key()).Msg("sweep skipped, another reaper holds the lock")
				return 0, nil
			}
			return 0, err
		}
		defer func() {
			if err := r.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Str("lock", r.lock.Key()).Msg("failed to release sweep lock")
			}
		}()
	}

	cutoff := r.clock().Add(-r.retention)
	removed, err := r.store.Sweep(ctx, cutoff)
	if removed > 0 {
		r.recorder.Swept(removed)
	}
	if err != nil {
		log.Error().Err(err).Int("removed", removed).Msg("counter sweep failed")
		return removed, err
	}

	log.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("counter sweep complete")
	return removed, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Dur("retention", r.retention).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("scheduled sweep failed, retrying next interval")
			}
		}
	}
}

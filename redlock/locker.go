// Package redlock provides a single-instance Redis lock used to keep
// maintenance jobs, such as counter sweeps, from running on several
// processes at once.
package redlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// defaultTTL is the lock expiry if not set via WithTTL. It must outlast the
// job it guards; a sweep of a large store can take a while.
const defaultTTL = 5 * time.Minute

var (
	// ErrLockNotAcquired is returned when TryLock finds the lock held.
	ErrLockNotAcquired = errors.New("redlock: lock not acquired")
	// ErrUnlockFailed is returned when the lock expired or belongs to someone else.
	ErrUnlockFailed = errors.New("redlock: failed to unlock")
)

// unlockScript deletes the key only if it still holds our token.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Locker is a lock on one key. A Locker holds at most one lock at a time.
type Locker struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string // set while the lock is held
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL sets how long the lock lives if it is never released.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// NewLocker creates a Locker for key.
func NewLocker(client redis.Cmdable, key string, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		key:    key,
		ttl:    defaultTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryLock takes the lock without waiting. It returns ErrLockNotAcquired when
// another holder has it.
func (l *Locker) TryLock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != "" {
		return ErrLockNotAcquired
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute setnx command")
		return err
	}
	if !ok {
		return ErrLockNotAcquired
	}

	l.token = token
	log.Debug().Str("key", l.key).Str("token", token).Dur("ttl", l.ttl).Msg("lock acquired")
	return nil
}

// Unlock releases the lock if this Locker still owns it.
func (l *Locker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		return ErrUnlockFailed
	}
	token := l.token
	l.token = ""

	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if n, ok := res.(int64); ok && n == 1 {
		log.Debug().Str("key", l.key).Msg("lock released")
		return nil
	}

	log.Warn().Str("key", l.key).Interface("script_result", res).Msg("unlock failed, lock expired or taken over")
	return ErrUnlockFailed
}

// Key returns the locked key.
func (l *Locker) Key() string {
	return l.key
}

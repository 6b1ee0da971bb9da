// Package lock provides a Redis-backed run lock so that only one sync
// writes into a storage directory at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// KeyPrefix namespaces lock keys in Redis.
const KeyPrefix = "asset-sync:lock:"

var (
	// ErrLocked is returned by Acquire when another holder owns the key.
	ErrLocked = errors.New("lock held by another run")

	// ErrNotHeld is returned by Release when the lease expired or was taken over.
	ErrNotHeld = errors.New("lock not held")
)

var lockAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "asset_lock_attempts_total",
	Help: "Total run lock acquisition attempts by result",
}, []string{"result"})

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the expiry only if the key still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out leases on Redis keys.
type Locker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewLocker creates a Locker. It panics on a nil client.
func NewLocker(redisClient *redis.Client, logger zerolog.Logger) *Locker {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Locker{
		redis:  redisClient,
		logger: logger.With().Str("component", "lock").Logger(),
	}
}

// Lease is a held lock. It expires after the ttl given to Acquire unless
// refreshed; use KeepAlive for runs that may outlast it. Release it when the
// run ends.
type Lease struct {
	key    string
	token  string
	locker *Locker
}

// Key returns the Redis key of the lease.
func (l *Lease) Key() string { return l.key }

// Token returns the random value stored under the key.
func (l *Lease) Token() string { return l.token }

// Key derives the lock key for a storage directory.
func Key(storageDir string) string {
	return KeyPrefix + filepath.Clean(storageDir)
}

// Acquire takes the lock on key for ttl. It returns ErrLocked if the key
// is already held.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be > 0 (got %s)", ttl)
	}

	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		lockAttemptsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		lockAttemptsTotal.WithLabelValues("contended").Inc()
		l.logger.Warn().Str("key", key).Msg("Run lock already held")
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}

	lockAttemptsTotal.WithLabelValues("acquired").Inc()
	l.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Run lock acquired")

	return &Lease{key: key, token: token, locker: l}, nil
}

// Release drops the lease if it is still ours.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.locker.redis, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, l.key)
	}

	l.locker.logger.Debug().Str("key", l.key).Msg("Run lock released")
	return nil
}

// Refresh resets the lease expiry to ttl from now. It returns ErrNotHeld if
// the lease already expired or another holder took the key.
func (l *Lease) Refresh(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("lock ttl must be > 0 (got %s)", ttl)
	}

	n, err := refreshScript.Run(ctx, l.locker.redis, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis refresh: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, l.key)
	}
	return nil
}

// KeepAlive refreshes the lease to ttl every ttl/3 until ctx is done. The
// returned channel receives the first refresh error, after which refreshing
// stops. The channel is closed once refreshing stops for any reason.
func (l *Lease) KeepAlive(ctx context.Context, ttl time.Duration) <-chan error {
	lost := make(chan error, 1)
	if ttl <= 0 {
		lost <- fmt.Errorf("lock ttl must be > 0 (got %s)", ttl)
		close(lost)
		return lost
	}

	interval := ttl / 3
	if interval <= 0 {
		interval = ttl
	}

	go func() {
		defer close(lost)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Refresh(ctx, ttl); err != nil {
					if ctx.Err() != nil {
						return
					}
					l.locker.logger.Error().Err(err).Str("key", l.key).Msg("Run lock lost")
					lost <- err
					return
				}
				l.locker.logger.Debug().Str("key", l.key).Dur("ttl", ttl).Msg("Run lock refreshed")
			}
		}
	}()

	return lost
}

/*
Package lock provides the batch lock used by Backfill and Reprocess.

PURPOSE:
  Long ledger rebuilds must not run twice at once, not even from two
  processes. Both implementations satisfy dues.BatchLocker.

IMPLEMENTATIONS:
  RedisLocker: bsm/redislock over go-redis, TTL-bounded, cross-process
  LocalLocker: in-process, for single-node deployments and tests

ERRORS:
  A held key fails Acquire with a dues ErrConflict error that also matches
  ErrNotObtained.
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/dues"
)

// DefaultTTL bounds a lock whose holder died without releasing it.
const DefaultTTL = 30 * time.Minute

var ErrNotObtained = errors.New("lock not obtained")

func notObtained(key string) error {
	return dues.ConflictError("acquire_lock", fmt.Sprintf("%s is held", key), ErrNotObtained)
}

// =============================================================================
// REDIS
// =============================================================================

type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration, log *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLocker{client: redislock.New(rdb), ttl: ttl, log: log.Named("redis_lock")}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	lk, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, notObtained(key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain redis lock %s: %w", key, err)
	}
	l.log.Debug("lock obtained", zap.String("key", key), zap.Duration("ttl", l.ttl))

	return func(ctx context.Context) error {
		err := lk.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			// Expired under us; nothing left to release.
			l.log.Warn("lock expired before release", zap.String("key", key))
			return nil
		}
		return err
	}, nil
}

// =============================================================================
// LOCAL
// =============================================================================

type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) Acquire(_ context.Context, key string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, notObtained(key)
	}
	l.held[key] = true

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.held, key)
		})
		return nil
	}, nil
}

var (
	_ dues.BatchLocker = (*RedisLocker)(nil)
	_ dues.BatchLocker = (*LocalLocker)(nil)
)

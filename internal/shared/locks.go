package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another worker already holds the lock.
var ErrLocked = errors.New("lock held by another worker")

// ConnectionLockKey builds redis keys for per-connection sync runs.
func ConnectionLockKey(connectionID int64) string {
	return fmt.Sprintf("agora:connection:%d:sync", connectionID)
}

// Locker serialises sync runs across workers.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewLocker wraps a redis client. A zero ttl defaults to ten minutes.
func NewLocker(rdb redis.UniversalClient, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Locker{client: redislock.New(rdb), ttl: ttl}
}

// WithConnectionLock runs fn while holding the sync lock for the connection.
// ErrLocked is returned without calling fn when the lock is taken.
func (l *Locker) WithConnectionLock(ctx context.Context, connectionID int64, fn func(context.Context) error) error {
	if l == nil || l.client == nil {
		return fn(ctx)
	}
	lock, err := l.client.Obtain(ctx, ConnectionLockKey(connectionID), l.ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return ErrLocked
		}
		return fmt.Errorf("obtain lock: %w", err)
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}

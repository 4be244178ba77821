package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockHeld is returned when another run holds the lock
var ErrLockHeld = errors.New("billing run already in progress")

// ReleaseFunc releases an acquired lock
type ReleaseFunc func(ctx context.Context) error

// RunLock prevents overlapping billing runs
type RunLock interface {
	Acquire(ctx context.Context, ttl time.Duration) (ReleaseFunc, error)
}

// releaseScript deletes the key only if it still holds our token, so a run
// that outlived its TTL cannot release a newer run's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a single-key lock using SET NX PX
type RedisLock struct {
	client *redis.Client
	key    string
}

// NewRedisLock creates a lock on key
func NewRedisLock(client *redis.Client, key string) *RedisLock {
	if key == "" {
		key = "bookflow:billing:run-lock"
	}
	return &RedisLock{client: client, key: key}
}

func (l *RedisLock) Acquire(ctx context.Context, ttl time.Duration) (ReleaseFunc, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("failed to release run lock: %w", err)
		}
		return nil
	}, nil
}

// LocalLock serializes runs inside one process. It is the fallback when
// Redis is not configured, so the cron job and the manual trigger still
// cannot overlap. The TTL is ignored: the lock lives exactly as long as
// the run that holds it.
type LocalLock struct {
	mu sync.Mutex
}

// NewLocalLock creates an in-process lock
func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

func (l *LocalLock) Acquire(ctx context.Context, ttl time.Duration) (ReleaseFunc, error) {
	if !l.mu.TryLock() {
		return nil, ErrLockHeld
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(l.mu.Unlock)
		return nil
	}, nil
}

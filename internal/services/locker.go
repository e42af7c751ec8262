package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotObtained is returned when another process holds a distributed lock
var ErrLockNotObtained = errors.New("lock not obtained")

// Lock is a held distributed lock
type Lock interface {
	Release(ctx context.Context) error
}

// Locker obtains cross-process advisory locks
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// RedisLocker implements Locker with redislock
type RedisLocker struct {
	client  *redislock.Client
	prefix  string
	backoff time.Duration
	retries int
}

// NewRedisLocker creates a locker on top of a Redis client
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{
		client:  redislock.New(rdb),
		prefix:  "esl-sync:lock:",
		backoff: 200 * time.Millisecond,
		retries: 50,
	}
}

// Obtain waits up to retries*backoff for the lock
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := l.client.Obtain(ctx, l.prefix+key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.backoff), l.retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}
	return lock, nil
}

// LocalLocker is used when no Redis is configured; the in-process tenant lock is the only guard
type LocalLocker struct{}

type nopLock struct{}

func (nopLock) Release(context.Context) error { return nil }

// Obtain always succeeds
func (LocalLocker) Obtain(context.Context, string, time.Duration) (Lock, error) {
	return nopLock{}, nil
}

// Package lockx serializes task batch operations across API replicas.
package lockx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var ErrNotObtained = errors.New("lock held by another process")

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Noop grants every lock. Single-process deployments rely on the
// database transaction alone.
type Noop struct{}

func (Noop) Obtain(context.Context, string, time.Duration) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

type Redis struct {
	client *redis.Client
	locker *redislock.Client
	prefix string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedis(opts RedisOptions) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "inspectline"
	}
	return &Redis{client: rdb, locker: redislock.New(rdb), prefix: prefix}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lockKey := fmt.Sprintf("%s:%s", r.prefix, key)
	lock, err := r.locker.Obtain(ctx, lockKey, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
	})
	if err != nil {
		return nil, obtainError(err, lockKey)
	}
	return func(ctx context.Context) error {
		return releaseError(lock.Release(ctx))
	}, nil
}

// obtainError maps a busy key to ErrNotObtained so callers need not know
// about redislock.
func obtainError(err error, key string) error {
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	return fmt.Errorf("obtain %s: %w", key, err)
}

// releaseError ignores a lock that already expired.
func releaseError(err error) error {
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

func (r *Redis) Close() error {
	return r.client.Close()
}

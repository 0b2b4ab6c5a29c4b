// Package lock serializes work on one aggregate across service replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/order-service/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrLockTimeout = errors.New("lock: wait timeout exceeded")
	ErrNotHeld     = errors.New("lock: not held by this token")
)

// Deletes the key only while it still holds the caller's token, so a holder
// whose TTL ran out cannot drop a lock that now belongs to someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)

type Options struct {
	TTL           time.Duration // default 5s
	WaitTimeout   time.Duration // default 2s
	RetryInterval time.Duration // default 50ms
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Second
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 2 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 50 * time.Millisecond
	}
	return o
}

// OrderKey is the lock key for one order aggregate.
func OrderKey(orderID string) string {
	return "lock:order:" + orderID
}

// RedisLocker implements a single-instance Redis lock (SET NX PX + compare-and-delete).
type RedisLocker struct {
	rdb  redis.Cmdable
	opts Options
	log  *zap.Logger
}

func NewRedisLocker(rdb redis.Cmdable, opts Options, log *zap.Logger) *RedisLocker {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLocker{rdb: rdb, opts: opts.withDefaults(), log: log}
}

// Acquire tries once. It returns an empty token and no error when the key is held.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = l.opts.TTL
	}
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("lock acquire %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Release deletes key if it still carries token.
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Int64()
	if err != nil {
		return fmt.Errorf("lock release %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// WithLock polls Acquire until it wins or opts.WaitTimeout elapses, runs fn,
// and releases the lock whatever fn returns. Zero fields in opts fall back
// to the locker's defaults.
func (l *RedisLocker) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	opts = l.merge(opts)

	start := time.Now()
	deadline := start.Add(opts.WaitTimeout)

	var token string
	for {
		t, err := l.Acquire(ctx, key, opts.TTL)
		if err != nil {
			return err
		}
		if t != "" {
			token = t
			break
		}

		wait := opts.RetryInterval
		if remain := time.Until(deadline); remain <= 0 {
			metrics.LockWaitSeconds.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
			return fmt.Errorf("%w: %s", ErrLockTimeout, key)
		} else if remain < wait {
			wait = remain
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	metrics.LockWaitSeconds.WithLabelValues("acquired").Observe(time.Since(start).Seconds())

	defer func() {
		// release even when the caller's context is already cancelled
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := l.Release(rctx, key, token); err != nil {
			l.log.Warn("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}()

	return fn(ctx)
}

func (l *RedisLocker) merge(o Options) Options {
	if o.TTL <= 0 {
		o.TTL = l.opts.TTL
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = l.opts.WaitTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = l.opts.RetryInterval
	}
	return o
}

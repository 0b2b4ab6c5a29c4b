package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisLocker(rdb, Options{
		TTL:           time.Second,
		WaitTimeout:   200 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
	}, nil), mr
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLocker(t)
	key := OrderKey("o-1")

	token, err := l.Acquire(ctx, key, time.Second)
	if err != nil || token == "" {
		t.Fatalf("Acquire() = %q, %v; want token", token, err)
	}

	again, err := l.Acquire(ctx, key, time.Second)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if again != "" {
		t.Fatal("second Acquire() succeeded while the lock is held")
	}

	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Second {
		t.Errorf("TTL = %v, want (0, 1s]", ttl)
	}

	if err := l.Release(ctx, key, token); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if mr.Exists(key) {
		t.Fatal("key still present after Release()")
	}
}

func TestReleaseAfterExpiryKeepsNewHolder(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLocker(t)
	key := OrderKey("o-2")

	stale, err := l.Acquire(ctx, key, 100*time.Millisecond)
	if err != nil || stale == "" {
		t.Fatalf("Acquire() = %q, %v", stale, err)
	}

	mr.FastForward(200 * time.Millisecond)

	fresh, err := l.Acquire(ctx, key, time.Second)
	if err != nil || fresh == "" {
		t.Fatalf("Acquire() after expiry = %q, %v", fresh, err)
	}

	if err := l.Release(ctx, key, stale); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("Release(stale) error = %v, want ErrNotHeld", err)
	}

	got, err := mr.Get(key)
	if err != nil {
		t.Fatalf("key removed by stale holder: %v", err)
	}
	if got != fresh {
		t.Fatalf("key value = %q, want new holder token %q", got, fresh)
	}
}

func TestWithLock(t *testing.T) {
	ctx := context.Background()

	t.Run("runs fn and releases", func(t *testing.T) {
		l, mr := newTestLocker(t)
		key := OrderKey("o-3")

		called := false
		err := l.WithLock(ctx, key, Options{}, func(context.Context) error {
			called = true
			if !mr.Exists(key) {
				t.Error("lock not held inside fn")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithLock() error = %v", err)
		}
		if !called {
			t.Fatal("fn not called")
		}
		if mr.Exists(key) {
			t.Fatal("lock not released")
		}
	})

	t.Run("releases when fn fails", func(t *testing.T) {
		l, mr := newTestLocker(t)
		key := OrderKey("o-4")
		boom := errors.New("boom")

		err := l.WithLock(ctx, key, Options{}, func(context.Context) error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("WithLock() error = %v, want boom", err)
		}
		if mr.Exists(key) {
			t.Fatal("lock not released after fn error")
		}
	})

	t.Run("times out while held elsewhere", func(t *testing.T) {
		l, mr := newTestLocker(t)
		key := OrderKey("o-5")
		if err := mr.Set(key, "someone-else"); err != nil {
			t.Fatal(err)
		}

		called := false
		start := time.Now()
		err := l.WithLock(ctx, key, Options{WaitTimeout: 60 * time.Millisecond}, func(context.Context) error {
			called = true
			return nil
		})
		if !errors.Is(err, ErrLockTimeout) {
			t.Fatalf("WithLock() error = %v, want ErrLockTimeout", err)
		}
		if called {
			t.Fatal("fn ran without the lock")
		}
		if time.Since(start) < 60*time.Millisecond {
			t.Fatal("WithLock() gave up before the wait timeout")
		}
		if got, _ := mr.Get(key); got != "someone-else" {
			t.Fatalf("foreign lock value changed to %q", got)
		}
	})

	t.Run("stops waiting on context cancel", func(t *testing.T) {
		l, mr := newTestLocker(t)
		key := OrderKey("o-6")
		_ = mr.Set(key, "someone-else")

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := l.WithLock(cctx, key, Options{WaitTimeout: time.Second}, func(context.Context) error { return nil })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("WithLock() error = %v, want context.Canceled", err)
		}
	})

	t.Run("serializes holders of the same key", func(t *testing.T) {
		l, _ := newTestLocker(t)
		key := OrderKey("o-7")

		var inside, maxInside, done atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := l.WithLock(ctx, key, Options{WaitTimeout: 2 * time.Second}, func(context.Context) error {
					n := inside.Add(1)
					for {
						m := maxInside.Load()
						if n <= m || maxInside.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					inside.Add(-1)
					return nil
				})
				if err == nil {
					done.Add(1)
				}
			}()
		}
		wg.Wait()

		if maxInside.Load() != 1 {
			t.Fatalf("max concurrent holders = %d, want 1", maxInside.Load())
		}
		if done.Load() != 5 {
			t.Fatalf("completed = %d, want 5", done.Load())
		}
	})
}

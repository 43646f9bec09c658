package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "order-1")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocal_MutualExclusion(t *testing.T) {
	exerciseMutualExclusion(t, NewLocal())
}

func TestLocal_AcquireHonoursContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Acquire(context.Background(), "other")
	require.NoError(t, err)
	other()
}

func TestLocal_ReleaseIsIdempotent(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()
	release()

	again, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	again()
	assert.Empty(t, l.entries)
}

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, "test:lock", time.Second, nil), mr
}

func TestRedis_MutualExclusion(t *testing.T) {
	l, _ := setupRedis(t)
	exerciseMutualExclusion(t, l)
}

func TestRedis_ReleaseDeletesOnlyOwnToken(t *testing.T) {
	l, mr := setupRedis(t)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "order-2")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:order-2"))

	// Simulate the lease expiring and another holder taking it.
	require.NoError(t, mr.Set("test:lock:order-2", "someone-else"))
	release()

	got, err := mr.Get("test:lock:order-2")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedis_AcquireTimesOutWhileHeld(t *testing.T) {
	l, _ := setupRedis(t)
	release, err := l.Acquire(context.Background(), "order-3")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "order-3")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

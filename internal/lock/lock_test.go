package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockers(t *testing.T) map[string]Locker {
	t.Helper()
	out := map[string]Locker{"local": NewLocalLocker()}
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		client, err := NewRedisClient(context.Background(), url)
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })
		out["redis"] = NewRedisLocker(client, 5*time.Second)
	}
	return out
}

func TestLockExcludes(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			key := "patient:" + uuid.NewString()
			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					release, err := l.Lock(context.Background(), key)
					if !assert.NoError(t, err) {
						return
					}
					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					release()
				}()
			}
			wg.Wait()
			assert.EqualValues(t, 1, maxInside)
		})
	}
}

func TestLockHonoursContext(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			key := "patient:" + uuid.NewString()
			release, err := l.Lock(context.Background(), key)
			require.NoError(t, err)
			defer release()

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			_, err = l.Lock(ctx, key)
			assert.Error(t, err)
		})
	}
}

func TestLocalLockerDropsReleasedKeys(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())
	release()
	release()
	assert.Zero(t, l.Len())
}

func TestLockAllSortsAndDedups(t *testing.T) {
	l := NewLocalLocker()
	release, err := LockAll(context.Background(), l, "b", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())

	// Reverse order from another goroutine must not deadlock.
	done := make(chan struct{})
	go func() {
		r, err := LockAll(context.Background(), l, "a", "b")
		if err == nil {
			r()
		}
		close(done)
	}()

	release()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("LockAll deadlocked")
	}
	assert.Zero(t, l.Len())
}

func TestLockAllReleasesOnFailure(t *testing.T) {
	l := NewLocalLocker()
	holdB, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)
	defer holdB()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = LockAll(ctx, l, "a", "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// "a" was released after the failure.
	release, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	release()
}

package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/lock"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	// GIVEN: 50 goroutines incrementing a counter under the same key
	// THEN: No two are ever inside the section together

	l := lock.NewLocal()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "resource:hall")
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
			time.Sleep(100 * time.Microsecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, l.Held())
}

func TestLocal_DistinctKeysDoNotBlock(t *testing.T) {
	l := lock.NewLocal()
	unlockA, err := l.Lock(context.Background(), "resource:a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "resource:b")
	require.NoError(t, err)
	unlockB()
}

func TestLocal_ContextCancelReleasesPartialHold(t *testing.T) {
	// GIVEN: "instructor:ana" is held
	// WHEN: Another caller wants "resource:hall" and "instructor:ana" and times out
	// THEN: It does not keep "resource:hall"

	l := lock.NewLocal()
	unlock, err := l.Lock(context.Background(), "instructor:ana")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "resource:hall", "instructor:ana")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	again, err := l.Lock(context.Background(), "resource:hall")
	require.NoError(t, err)
	again()

	unlock()
	assert.Zero(t, l.Held())
}

func TestLocal_DuplicateKeysAndDoubleUnlock(t *testing.T) {
	l := lock.NewLocal()
	unlock, err := l.Lock(context.Background(), "occurrence:o1", "occurrence:o1", "")
	require.NoError(t, err)
	unlock()
	unlock()
	assert.Zero(t, l.Held())
}

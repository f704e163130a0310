package sweeplock_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidetic-ai/memvault/internal/sweeplock"
)

func TestLocalLocker_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	locker := sweeplock.NewLocalLocker()

	release, acquired, err := locker.TryAcquire(ctx, "sweep:decay:memory_luna")
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := locker.TryAcquire(ctx, "sweep:decay:memory_luna")
	require.NoError(t, err)
	assert.False(t, again)

	// A different key is unaffected.
	releaseOther, acquired, err := locker.TryAcquire(ctx, "sweep:lifecycle:memory_luna")
	require.NoError(t, err)
	assert.True(t, acquired)
	releaseOther()

	release()
	release2, acquired, err := locker.TryAcquire(ctx, "sweep:decay:memory_luna")
	require.NoError(t, err)
	assert.True(t, acquired)
	release2()
}

func TestLocalLocker_SingleWinnerUnderContention(t *testing.T) {
	ctx := context.Background()
	locker := sweeplock.NewLocalLocker()

	const goroutines = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, acquired, err := locker.TryAcquire(ctx, "sweep:decay:memory_kai")
			assert.NoError(t, err)
			if acquired {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

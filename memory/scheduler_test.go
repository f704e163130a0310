package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidetic-ai/memvault/internal/sweeplock"
	"github.com/eidetic-ai/memvault/memory"
)

func TestSweeper_RunOnceAppliesLifecycleAndDecay(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "luna", "kai")

	life := memory.NewLifecycleManager(env.store, env.memoryConfig, testLogger())
	decay := memory.NewDecayEngine(env.store, env.memoryConfig, testLogger())
	sweeper := memory.NewSweeper(env.manager, life, decay, sweeplock.NewLocalLocker(), env.memoryConfig, testLogger())

	promotable := env.newRecord(t, "user-1", "luna", "a life milestone")
	promotable.Significance = 0.95
	env.mustUpsert(t, "luna", promotable)

	decayable := env.newRecord(t, "user-1", "kai", "an old errand")
	decayable.Significance = 0.6
	decayable.CreatedAt = time.Now().Add(-72 * time.Hour)
	env.mustUpsert(t, "kai", decayable)

	sweeper.RunOnce(ctx)

	got, err := env.store.Get(ctx, env.handle(t, "luna"), promotable.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.TierLongTerm, got.Tier)

	got, err = env.store.Get(ctx, env.handle(t, "kai"), decayable.ID)
	require.NoError(t, err)
	assert.Less(t, got.Significance, 0.6)
}

func TestSweeper_SkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "luna")

	life := memory.NewLifecycleManager(env.store, env.memoryConfig, testLogger())
	decay := memory.NewDecayEngine(env.store, env.memoryConfig, testLogger())
	locker := sweeplock.NewLocalLocker()
	sweeper := memory.NewSweeper(env.manager, life, decay, locker, env.memoryConfig, testLogger())

	// Another replica is mid-sweep on this namespace.
	release, acquired, err := locker.TryAcquire(ctx, "sweep:lifecycle:memory_luna")
	require.NoError(t, err)
	require.True(t, acquired)
	defer release()

	record := env.newRecord(t, "user-1", "luna", "would be promoted")
	record.Significance = 0.95
	env.mustUpsert(t, "luna", record)

	sweeper.RunOnce(ctx)

	got, err := env.store.Get(ctx, env.handle(t, "luna"), record.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.TierShortTerm, got.Tier)
}

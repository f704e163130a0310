package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidetic-ai/memvault/errors"
	"github.com/eidetic-ai/memvault/memory"
)

func newDecayEnv(t *testing.T) (*testEnv, *memory.DecayEngine, *memory.NamespaceHandle) {
	env := newTestEnv(t, "luna")
	engine := memory.NewDecayEngine(env.store, env.memoryConfig, testLogger())
	return env, engine, env.handle(t, "luna")
}

// agedRecord is a record old enough to be past the minimum-age exemption.
func agedRecord(t *testing.T, env *testEnv, content string, significance float64) *memory.MemoryRecord {
	record := env.newRecord(t, "user-1", "luna", content)
	record.Significance = significance
	record.CreatedAt = time.Now().Add(-72 * time.Hour)
	record.LastAccessedAt = record.CreatedAt
	return record
}

func TestDecayEngine_ApplyDecay(t *testing.T) {
	ctx := context.Background()
	env, engine, handle := newDecayEnv(t)

	record := agedRecord(t, env, "an ordinary tuesday", 0.6)
	env.mustUpsert(t, "luna", record)

	report, err := engine.ApplyDecay(ctx, handle, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Decayed)

	got, err := env.store.Get(ctx, handle, record.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.54, got.Significance, 1e-9)
}

func TestDecayEngine_ProtectedRecordsAreExempt(t *testing.T) {
	ctx := context.Background()
	env, engine, handle := newDecayEnv(t)

	protected := agedRecord(t, env, "the day we first met", 0.6)
	plain := agedRecord(t, env, "grocery list chat", 0.6)
	env.mustUpsert(t, "luna", protected)
	env.mustUpsert(t, "luna", plain)

	require.NoError(t, engine.Protect(ctx, handle, protected.ID, "anniversary"))

	report, err := engine.ApplyDecay(ctx, handle, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Decayed)
	assert.Equal(t, 1, report.Protected)

	got, err := env.store.Get(ctx, handle, protected.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, got.Significance, 1e-9)
	assert.True(t, got.DecayProtected)
	assert.Equal(t, "anniversary", got.ProtectionReason)

	// Unprotecting re-enters the record into decay.
	require.NoError(t, engine.Unprotect(ctx, handle, protected.ID, "no longer pinned"))
	report, err = engine.ApplyDecay(ctx, handle, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Decayed)
}

func TestDecayEngine_SignificanceFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	env, engine, handle := newDecayEnv(t)

	record := agedRecord(t, env, "barely remembered", 0.001)
	env.mustUpsert(t, "luna", record)

	for i := 0; i < 5; i++ {
		_, err := engine.ApplyDecay(ctx, handle, 1.0)
		require.NoError(t, err)
	}

	got, err := env.store.Get(ctx, handle, record.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.Significance, 0.0)
	assert.InDelta(t, 0.0, got.Significance, 1e-9)
}

func TestDecayEngine_FreshRecordsAreSkipped(t *testing.T) {
	ctx := context.Background()
	env, engine, handle := newDecayEnv(t)

	fresh := env.newRecord(t, "user-1", "luna", "from five minutes ago")
	env.mustUpsert(t, "luna", fresh)

	report, err := engine.ApplyDecay(ctx, handle, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Decayed)

	got, err := env.store.Get(ctx, handle, fresh.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.Significance, 1e-9)
}

func TestDecayEngine_RateBounds(t *testing.T) {
	_, engine, handle := newDecayEnv(t)

	for _, rate := range []float64{0, -0.1, 1.5} {
		_, err := engine.ApplyDecay(context.Background(), handle, rate)
		require.Error(t, err, "rate %v", rate)
		assert.True(t, errors.Is(err, errors.ErrInvariant))
	}
}

func TestDecayEngine_ProtectMissingRecord(t *testing.T) {
	_, engine, handle := newDecayEnv(t)

	err := engine.Protect(context.Background(), handle, "no-such-record", "reason")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestDecayEngine_ListDecayCandidates(t *testing.T) {
	ctx := context.Background()
	env, engine, handle := newDecayEnv(t)

	faint := agedRecord(t, env, "faint memory", 0.05)
	weak := agedRecord(t, env, "weak memory", 0.15)
	pinned := agedRecord(t, env, "pinned memory", 0.05)
	strong := agedRecord(t, env, "strong memory", 0.9)
	for _, record := range []*memory.MemoryRecord{faint, weak, pinned, strong} {
		env.mustUpsert(t, "luna", record)
	}
	require.NoError(t, engine.Protect(ctx, handle, pinned.ID, "keep"))

	candidates, err := engine.ListDecayCandidates(ctx, handle, 0.3)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	// Weakest first; protected and strong records never appear.
	assert.Equal(t, faint.ID, candidates[0].ID)
	assert.Equal(t, weak.ID, candidates[1].ID)
}

package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidetic-ai/memvault/errors"
	"github.com/eidetic-ai/memvault/memory"
)

func newMigrationEnv(t *testing.T) (*testEnv, *memory.Migrator) {
	env := newTestEnv(t, "luna")
	migrator := memory.NewMigrator(env.store, env.manager, env.meta, env.composer, env.memoryConfig, testLogger())
	return env, migrator
}

func TestMigrator_BackfillCopiesEverything(t *testing.T) {
	ctx := context.Background()
	env, migrator := newMigrationEnv(t)

	var stored []*memory.MemoryRecord
	for _, content := range []string{"first memory", "second memory", "third memory"} {
		record := env.newRecord(t, "user-1", "luna", content)
		env.mustUpsert(t, "luna", record)
		stored = append(stored, record)
	}

	target, err := migrator.NewGeneration(ctx, "luna", nil, 0)
	require.NoError(t, err)

	report, err := migrator.Backfill(ctx, "luna", target)
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.Processed)
	assert.Equal(t, int64(0), report.Embedded)
	assert.False(t, report.Resumed)

	for _, record := range stored {
		got, err := env.store.Get(ctx, target, record.ID)
		require.NoError(t, err)
		assert.Equal(t, record.Content, got.Content)
	}
}

func TestMigrator_BackfillFillsPlaceholderSpaces(t *testing.T) {
	ctx := context.Background()
	env, migrator := newMigrationEnv(t)

	record := env.newRecord(t, "user-1", "luna", "imported without an emotion vector")
	record.Source = memory.SourceImported
	record.Vectors[memory.SpaceEmotion] = memory.Vector{Placeholder: true}
	env.mustUpsert(t, "luna", record)

	source := env.handle(t, "luna")
	got, err := env.store.Get(ctx, source, record.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.PresentSpaces(), memory.SpaceEmotion)

	target, err := migrator.NewGeneration(ctx, "luna", nil, 0)
	require.NoError(t, err)

	report, err := migrator.Backfill(ctx, "luna", target)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Embedded)

	got, err = env.store.Get(ctx, target, record.ID)
	require.NoError(t, err)
	assert.Contains(t, got.PresentSpaces(), memory.SpaceEmotion)
}

func TestMigrator_BackfillIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env, migrator := newMigrationEnv(t)

	for _, content := range []string{"one", "two", "three", "four"} {
		env.mustUpsert(t, "luna", env.newRecord(t, "user-1", "luna", content))
	}

	target, err := migrator.NewGeneration(ctx, "luna", nil, 0)
	require.NoError(t, err)

	_, err = migrator.Backfill(ctx, "luna", target)
	require.NoError(t, err)
	_, err = migrator.Backfill(ctx, "luna", target)
	require.NoError(t, err)

	count, err := env.index.Count(ctx, target.Collection)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), count)
}

// failAfterEmbedder lets a fixed number of Embed calls through, then fails.
type failAfterEmbedder struct {
	inner     memory.Embedder
	remaining int
}

func (f *failAfterEmbedder) Embed(ctx context.Context, texts ...string) ([][]float32, error) {
	if f.remaining <= 0 {
		return nil, errors.Wrapf(errors.ErrEmbedding, "embedding provider down")
	}
	f.remaining--
	return f.inner.Embed(ctx, texts...)
}

func TestMigrator_BackfillResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "luna")

	env.memoryConfig.BackfillBatchSize = 2
	for i := 0; i < 5; i++ {
		record := env.newRecord(t, "user-1", "luna", "needs re-embedding")
		record.Vectors[memory.SpaceEmotion] = memory.Vector{Placeholder: true}
		env.mustUpsert(t, "luna", record)
	}

	embedder := &failAfterEmbedder{inner: memory.NewStaticEmbedder(testDimension), remaining: 2}
	composer := memory.NewComposer(embedder, memory.FullSpaces(), testDimension)
	migrator := memory.NewMigrator(env.store, env.manager, env.meta, composer, env.memoryConfig, testLogger())

	target, err := migrator.NewGeneration(ctx, "luna", nil, 0)
	require.NoError(t, err)

	// First run dies partway through; the checkpoint survives.
	report, err := migrator.Backfill(ctx, "luna", target)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEmbedding))
	assert.Equal(t, int64(2), report.Processed)

	embedder.remaining = 100
	report, err = migrator.Backfill(ctx, "luna", target)
	require.NoError(t, err)
	assert.True(t, report.Resumed)
	assert.Equal(t, int64(5), report.Processed)

	count, err := env.index.Count(ctx, target.Collection)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), count)
}

func TestMigrator_BackfillRejectsLiveCollection(t *testing.T) {
	env, migrator := newMigrationEnv(t)

	live := env.handle(t, "luna")
	_, err := migrator.Backfill(context.Background(), "luna", live)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvariant))
}

func TestMigrator_SnapshotAndRollback(t *testing.T) {
	ctx := context.Background()
	env, migrator := newMigrationEnv(t)

	original := env.handle(t, "luna")
	record := env.newRecord(t, "user-1", "luna", "pre-migration state")
	env.mustUpsert(t, "luna", record)

	snapshot, err := migrator.Snapshot(ctx, "luna")
	require.NoError(t, err)
	assert.Equal(t, original.Collection, snapshot.Collection)
	assert.NotEmpty(t, snapshot.Location)

	// Migrate forward.
	target, err := migrator.NewGeneration(ctx, "luna", nil, 0)
	require.NoError(t, err)
	_, err = migrator.Backfill(ctx, "luna", target)
	require.NoError(t, err)
	require.NoError(t, migrator.Cutover(ctx, "luna", target))
	assert.Equal(t, target.Collection, env.handle(t, "luna").Collection)

	// Roll back to the snapshotted collection.
	require.NoError(t, migrator.Rollback(ctx, "luna", snapshot.ID))
	assert.Equal(t, original.Collection, env.handle(t, "luna").Collection)

	got, err := env.store.Get(ctx, env.handle(t, "luna"), record.ID)
	require.NoError(t, err)
	assert.Equal(t, "pre-migration state", got.Content)
}

func TestMigrator_RollbackRejectsForeignSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "luna", "kai")
	migrator := memory.NewMigrator(env.store, env.manager, env.meta, env.composer, env.memoryConfig, testLogger())

	snapshot, err := migrator.Snapshot(ctx, "kai")
	require.NoError(t, err)

	err = migrator.Rollback(ctx, "luna", snapshot.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

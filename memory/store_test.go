package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidetic-ai/memvault/errors"
	"github.com/eidetic-ai/memvault/internal/mylog"
	"github.com/eidetic-ai/memvault/memory"
)

func TestStore_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "luna")
	handle := env.handle(t, "luna")

	record := env.newRecord(t, "user-1", "luna", "we talked about the aquarium trip")
	record.EmotionTag = "joy"
	record.Extra = map[string]any{"session": "s-42"}
	env.mustUpsert(t, "luna", record)

	got, err := env.store.Get(ctx, handle, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.Content, got.Content)
	assert.Equal(t, record.UserID, got.UserID)
	assert.Equal(t, memory.TierShortTerm, got.Tier)
	assert.Equal(t, "joy", got.EmotionTag)
	assert.Equal(t, "s-42", got.Extra["session"])
	assert.InDelta(t, 0.5, got.Significance, 1e-9)
	assert.ElementsMatch(t, memory.FullSpaces(), got.PresentSpaces())
}

func TestStore_GetMissing(t *testing.T) {
	env := newTestEnv(t, "luna")

	_, err := env.store.Get(context.Background(), env.handle(t, "luna"), "no-such-record")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestStore_RejectsForeignCharacter(t *testing.T) {
	env := newTestEnv(t, "luna", "kai")

	record := env.newRecord(t, "user-1", "kai", "kai's secret")
	err := env.store.Upsert(context.Background(), env.handle(t, "luna"), record)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvariant))
}

func TestStore_TouchAccessWindow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "luna")
	handle := env.handle(t, "luna")
	window := 7 * 24 * time.Hour

	record := env.newRecord(t, "user-1", "luna", "favorite tea is oolong")
	env.mustUpsert(t, "luna", record)

	require.NoError(t, env.store.Touch(ctx, handle, record.ID, window))
	require.NoError(t, env.store.Touch(ctx, handle, record.ID, window))

	got, err := env.store.Get(ctx, handle, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.WithinDuration(t, time.Now(), got.LastAccessedAt, time.Minute)

	// An expired window resets the counter instead of accumulating forever.
	expired := time.Now().Add(-window - time.Hour)
	require.NoError(t, env.store.SetFields(ctx, handle, record.ID, map[string]any{
		"access_window_start": expired.Unix(),
	}))
	require.NoError(t, env.store.Touch(ctx, handle, record.ID, window))

	got, err = env.store.Get(ctx, handle, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
	assert.WithinDuration(t, time.Now(), got.AccessWindowStart, time.Minute)
}

func TestStore_ScrollPagination(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "luna")
	handle := env.handle(t, "luna")

	ids := map[string]bool{}
	for i := 0; i < 7; i++ {
		record := env.newRecord(t, "user-1", "luna", "memory number "+string(rune('a'+i)))
		env.mustUpsert(t, "luna", record)
		ids[record.ID] = true
	}

	seen := map[string]bool{}
	offset := ""
	for {
		records, next, err := env.store.Scroll(ctx, handle, nil, offset, 3)
		require.NoError(t, err)
		for _, record := range records {
			assert.False(t, seen[record.ID], "record %s returned twice", record.ID)
			seen[record.ID] = true
		}
		if next == "" {
			break
		}
		offset = next
	}
	assert.Equal(t, ids, seen)
}

// flakyIndex fails the first N upserts with a transient error.
type flakyIndex struct {
	memory.Index
	failures int
}

func (f *flakyIndex) Upsert(ctx context.Context, collection string, points []*memory.Point) error {
	if f.failures > 0 {
		f.failures--
		return errors.Wrapf(errors.ErrTransient, "index briefly unavailable")
	}
	return f.Index.Upsert(ctx, collection, points)
}

func TestStore_RetriesTransientWrites(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "luna")
	handle := env.handle(t, "luna")

	flaky := &flakyIndex{Index: env.index, failures: 2}
	store := memory.NewStore(flaky, env.indexConfig, mylog.NewLogger("error", "default"))

	record := env.newRecord(t, "user-1", "luna", "survives a blip")
	require.NoError(t, store.Upsert(ctx, handle, record))

	_, err := env.store.Get(ctx, handle, record.ID)
	require.NoError(t, err)
}

func TestStore_RetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "luna")
	handle := env.handle(t, "luna")

	flaky := &flakyIndex{Index: env.index, failures: 100}
	store := memory.NewStore(flaky, env.indexConfig, mylog.NewLogger("error", "default"))

	record := env.newRecord(t, "user-1", "luna", "never lands")
	err := store.Upsert(ctx, handle, record)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransient))
}

package memory_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/eidetic-ai/memvault/config"
	"github.com/eidetic-ai/memvault/internal/mylog"
	"github.com/eidetic-ai/memvault/memory"
)

const testDimension = 64

func testLogger() *mylog.Logger {
	return mylog.NewLogger("error", "default")
}

type testEnv struct {
	index    *memory.InMemoryIndex
	meta     *memory.MetaStore
	manager  *memory.NamespaceManager
	store    *memory.Store
	composer *memory.Composer
	router   *memory.Router

	memoryConfig *config.MemoryConfig
	indexConfig  *config.IndexConfig
}

func newTestEnv(t *testing.T, characters ...string) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := mylog.NewLogger("error", "default")

	index := memory.NewInMemoryIndex()
	meta, err := memory.NewMetaStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	manager, err := memory.NewNamespaceManager(ctx, index, meta, logger, memory.FullSpaces(), testDimension, characters)
	require.NoError(t, err)
	for _, characterID := range characters {
		_, err := manager.EnsureNamespace(ctx, characterID)
		require.NoError(t, err)
	}

	memoryConfig := config.NewMemoryConfig()
	indexConfig := config.NewIndexConfig()
	store := memory.NewStore(index, indexConfig, logger)
	composer := memory.NewComposer(memory.NewStaticEmbedder(testDimension), memory.FullSpaces(), testDimension)
	router := memory.NewRouter(store, composer, memoryConfig, logger)

	return &testEnv{
		index:        index,
		meta:         meta,
		manager:      manager,
		store:        store,
		composer:     composer,
		router:       router,
		memoryConfig: memoryConfig,
		indexConfig:  indexConfig,
	}
}

func (env *testEnv) handle(t *testing.T, characterID string) *memory.NamespaceHandle {
	t.Helper()
	handle, err := env.manager.Resolve(characterID)
	require.NoError(t, err)
	return handle
}

// newRecord builds a stored record with real vectors for every full space.
func (env *testEnv) newRecord(t *testing.T, userID, characterID, content string) *memory.MemoryRecord {
	t.Helper()
	now := time.Now()
	vectors, err := env.composer.Compose(context.Background(), content, &memory.Hints{Timestamp: now})
	require.NoError(t, err)

	return &memory.MemoryRecord{
		ID:                uuid.NewString(),
		UserID:            userID,
		CharacterID:       characterID,
		Content:           content,
		Vectors:           vectors,
		Kind:              memory.KindConversation,
		Source:            memory.SourceLive,
		Tier:              memory.TierShortTerm,
		Significance:      0.5,
		CreatedAt:         now,
		LastAccessedAt:    now,
		AccessWindowStart: now,
	}
}

func (env *testEnv) mustUpsert(t *testing.T, characterID string, record *memory.MemoryRecord) {
	t.Helper()
	require.NoError(t, env.store.Upsert(context.Background(), env.handle(t, characterID), record))
}

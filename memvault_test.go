package memvault_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidetic-ai/memvault"
	"github.com/eidetic-ai/memvault/config"
	"github.com/eidetic-ai/memvault/errors"
	"github.com/eidetic-ai/memvault/memory"
)

func newTestEngine(t *testing.T, characters ...string) *memvault.Engine {
	t.Helper()

	indexConfig := config.NewIndexConfig()
	indexConfig.MetaPath = filepath.Join(t.TempDir(), "meta.db")
	embeddingConfig := config.NewEmbeddingConfig()
	embeddingConfig.Dimension = 32

	engine, err := memvault.NewEngine(context.Background(),
		memvault.WithCharacters(characters...),
		memvault.WithIndex(memory.NewInMemoryIndex()),
		memvault.WithEmbedder(memory.NewStaticEmbedder(32)),
		memvault.WithIndexConfig(indexConfig),
		memvault.WithEmbeddingConfig(embeddingConfig),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestEngine_WriteAndQuery(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, "luna")

	record, err := engine.Write(ctx, &memory.WriteRequest{
		UserID:      "user-1",
		CharacterID: "luna",
		Content:     "we adopted a cat named mochi",
		Kind:        memory.KindConversation,
		Source:      memory.SourceLive,
		EmotionTag:  "joy",
	})
	require.NoError(t, err)
	assert.Equal(t, memory.TierShortTerm, record.Tier)
	assert.InDelta(t, 0.5, record.Significance, 1e-9)

	hits, err := engine.Query(ctx, &memory.QueryRequest{
		UserID:      "user-1",
		CharacterID: "luna",
		Text:        "we adopted a cat named mochi",
		Hints:       &memory.QueryHints{Intent: memory.IntentSimple},
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, record.ID, hits[0].Record.ID)
}

func TestEngine_Export(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, "luna")

	for _, write := range []*memory.WriteRequest{
		{UserID: "user-1", CharacterID: "luna", Content: "mochi naps on the windowsill", Kind: memory.KindConversation, Source: memory.SourceLive},
		{UserID: "user-1", CharacterID: "luna", Content: "rainy days call for tea", Kind: memory.KindConversation, Source: memory.SourceLive},
		{UserID: "user-2", CharacterID: "luna", Content: "someone else's memory", Kind: memory.KindConversation, Source: memory.SourceLive},
	} {
		_, err := engine.Write(ctx, write)
		require.NoError(t, err)
	}

	var exported []*memory.MemoryRecord
	err := engine.Export(ctx, "luna", &memory.Filter{UserID: "user-1"}, func(record *memory.MemoryRecord) error {
		exported = append(exported, record)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, exported, 2)
	for _, record := range exported {
		assert.Equal(t, "user-1", record.UserID)
	}

	err = engine.Export(ctx, "imposter", nil, func(*memory.MemoryRecord) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestEngine_RejectsUnknownCharacter(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, "luna")

	_, err := engine.Write(ctx, &memory.WriteRequest{
		UserID:      "user-1",
		CharacterID: "imposter",
		Content:     "should never land",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))

	_, err = engine.Query(ctx, &memory.QueryRequest{
		UserID:      "user-1",
		CharacterID: "imposter",
		Text:        "anything",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestEngine_ProtectionFlow(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, "luna")

	record, err := engine.Write(ctx, &memory.WriteRequest{
		UserID:      "user-1",
		CharacterID: "luna",
		Content:     "our first anniversary dinner",
	})
	require.NoError(t, err)

	require.NoError(t, engine.Protect(ctx, "luna", record.ID, "anniversary"))

	candidates, err := engine.ListDecayCandidates(ctx, "luna", 1.0)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestEngine_RequiresCharacters(t *testing.T) {
	_, err := memvault.NewEngine(context.Background(),
		memvault.WithIndex(memory.NewInMemoryIndex()),
		memvault.WithEmbedder(memory.NewStaticEmbedder(32)),
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

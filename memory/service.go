package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eidetic-ai/memvault/config"
)

type (
	// WriteRequest is one conversational exchange to remember.
	WriteRequest struct {
		UserID             string
		CharacterID        string
		Content            string
		UserUtterance      string
		AssistantUtterance string
		Kind               Kind
		EmotionTag         string
		Source             Source
		// Significance overrides the configured default when > 0.
		Significance float64
		Extra        map[string]any
	}

	// QueryRequest is one retrieval over a character's memories.
	QueryRequest struct {
		UserID      string
		CharacterID string
		Text        string
		Hints       *QueryHints
	}

	// Service is the write and read front door. It resolves the namespace
	// first and refuses both paths for characters it has never been
	// configured with.
	Service struct {
		manager  *NamespaceManager
		store    *Store
		composer *Composer
		router   *Router
		conf     *config.MemoryConfig
		logger   *slog.Logger
		clock    func() time.Time
	}
)

func NewService(
	manager *NamespaceManager,
	store *Store,
	composer *Composer,
	router *Router,
	conf *config.MemoryConfig,
	logger *slog.Logger,
) *Service {
	return &Service{
		manager:  manager,
		store:    store,
		composer: composer,
		router:   router,
		conf:     conf,
		logger:   logger,
		clock:    time.Now,
	}
}

// Write embeds the exchange across the configured spaces and stores it as a
// new short-term record. Embedding failure fails the write; nothing partial
// is stored.
func (s *Service) Write(ctx context.Context, req *WriteRequest) (*MemoryRecord, error) {
	handle, err := s.manager.Resolve(req.CharacterID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	vectors, err := s.composer.Compose(ctx, req.Content, &Hints{
		EmotionTag:      req.EmotionTag,
		InteractionKind: string(req.Kind),
		Timestamp:       now,
	})
	if err != nil {
		return nil, err
	}

	significance := req.Significance
	if significance <= 0 {
		significance = s.conf.DefaultSignificance
	}

	record := &MemoryRecord{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		CharacterID:        req.CharacterID,
		Content:            req.Content,
		UserUtterance:      req.UserUtterance,
		AssistantUtterance: req.AssistantUtterance,
		Vectors:            vectors,
		Kind:               req.Kind,
		EmotionTag:         req.EmotionTag,
		Source:             req.Source,
		Tier:               TierShortTerm,
		Significance:       significance,
		CreatedAt:          now,
		LastAccessedAt:     now,
		AccessWindowStart:  now,
		Extra:              req.Extra,
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.Upsert(ctx, handle, record); err != nil {
		return nil, err
	}

	s.logger.Debug("memory written",
		slog.String("namespace", handle.Logical),
		slog.String("record", record.ID),
		slog.String("kind", string(record.Kind)),
	)
	return record, nil
}

// Query retrieves the user's memories for the character, fused across the
// spaces the classified intent weighs.
func (s *Service) Query(ctx context.Context, req *QueryRequest) ([]*ScoredRecord, error) {
	handle, err := s.manager.Resolve(req.CharacterID)
	if err != nil {
		return nil, err
	}
	return s.router.Query(ctx, handle, req.UserID, req.Text, req.Hints)
}

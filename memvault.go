package memvault

import (
	"context"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/eidetic-ai/memvault/config"
	"github.com/eidetic-ai/memvault/errors"
	"github.com/eidetic-ai/memvault/internal/mylog"
	"github.com/eidetic-ai/memvault/internal/sweeplock"
	"github.com/eidetic-ai/memvault/memory"
)

type (
	// Engine is the embeddable front door of the memory system. Construct one
	// per process with NewEngine, hand it the character roster, and use it for
	// writes, queries and maintenance.
	Engine struct {
		logger   *slog.Logger
		index    memory.Index
		meta     *memory.MetaStore
		embedder memory.Embedder
		manager  *memory.NamespaceManager
		store    *memory.Store
		composer *memory.Composer
		router   *memory.Router
		service  *memory.Service
		decay    *memory.DecayEngine
		life     *memory.LifecycleManager
		migrator *memory.Migrator
		sweeper  *memory.Sweeper
		locker   sweeplock.Locker

		characters      []string
		memoryConfig    *config.MemoryConfig
		indexConfig     *config.IndexConfig
		embeddingConfig *config.EmbeddingConfig
		logConfig       *config.LogConfig
	}
	Option func(*Engine)
)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithLogConfig(logConfig *config.LogConfig) Option {
	return func(e *Engine) { e.logConfig = logConfig }
}

func WithMemoryConfig(memoryConfig *config.MemoryConfig) Option {
	return func(e *Engine) { e.memoryConfig = memoryConfig }
}

func WithIndexConfig(indexConfig *config.IndexConfig) Option {
	return func(e *Engine) { e.indexConfig = indexConfig }
}

func WithEmbeddingConfig(embeddingConfig *config.EmbeddingConfig) Option {
	return func(e *Engine) { e.embeddingConfig = embeddingConfig }
}

// WithIndex injects a pre-built index backend instead of constructing one
// from IndexConfig.
func WithIndex(index memory.Index) Option {
	return func(e *Engine) { e.index = index }
}

// WithEmbedder injects an embedding client, e.g. one wrapping an in-house
// embedding service.
func WithEmbedder(embedder memory.Embedder) Option {
	return func(e *Engine) { e.embedder = embedder }
}

// WithCharacters sets the character roster. Writes and queries against
// characters outside the roster are rejected.
func WithCharacters(characterIDs ...string) Option {
	return func(e *Engine) { e.characters = append(e.characters, characterIDs...) }
}

// WithSweepLocker injects the advisory lock implementation guarding
// background sweeps.
func WithSweepLocker(locker sweeplock.Locker) Option {
	return func(e *Engine) { e.locker = locker }
}

func NewEngine(ctx context.Context, optionFuncs ...Option) (*Engine, error) {
	e := &Engine{
		memoryConfig:    config.NewMemoryConfig(),
		indexConfig:     config.NewIndexConfig(),
		embeddingConfig: config.NewEmbeddingConfig(),
		logConfig:       config.NewLogConfig(),
	}
	for _, f := range optionFuncs {
		f(e)
	}

	if e.logger == nil {
		e.logger = mylog.NewLogger(e.logConfig.LogLevel, e.logConfig.LogHandler)
	}
	if len(e.characters) == 0 {
		return nil, errors.Wrapf(errors.ErrConfiguration, "at least one character is required")
	}

	spaces, err := memory.SpacesForProfile(e.memoryConfig.SpaceProfile)
	if err != nil {
		return nil, err
	}

	if e.index == nil {
		if e.index, err = newIndex(e.indexConfig); err != nil {
			return nil, err
		}
	}
	if e.meta, err = memory.NewMetaStore(e.indexConfig.MetaPath); err != nil {
		return nil, err
	}

	if e.embedder == nil {
		if e.embeddingConfig.OpenAIAPIKey == "" {
			return nil, errors.Wrapf(errors.ErrConfiguration, "no embedder injected and no OpenAI API key configured")
		}
		e.embedder = memory.NewOpenAIEmbedder(
			e.embeddingConfig.OpenAIAPIKey,
			e.embeddingConfig.Model,
			e.embeddingConfig.Dimension,
		)
	}
	e.composer = memory.NewComposer(e.embedder, spaces, e.embeddingConfig.Dimension)

	if e.manager, err = memory.NewNamespaceManager(
		ctx, e.index, e.meta, e.logger, spaces, e.embeddingConfig.Dimension, e.characters,
	); err != nil {
		return nil, err
	}
	for _, characterID := range e.characters {
		if _, err := e.manager.EnsureNamespace(ctx, characterID); err != nil {
			return nil, err
		}
	}

	e.store = memory.NewStore(e.index, e.indexConfig, e.logger)
	e.router = memory.NewRouter(e.store, e.composer, e.memoryConfig, e.logger)
	e.service = memory.NewService(e.manager, e.store, e.composer, e.router, e.memoryConfig, e.logger)
	e.decay = memory.NewDecayEngine(e.store, e.memoryConfig, e.logger)
	e.life = memory.NewLifecycleManager(e.store, e.memoryConfig, e.logger)
	e.migrator = memory.NewMigrator(e.store, e.manager, e.meta, e.composer, e.memoryConfig, e.logger)

	if e.locker == nil {
		if e.indexConfig.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{
				Addr:     e.indexConfig.RedisAddr,
				Password: e.indexConfig.RedisPassword,
			})
			e.locker = sweeplock.NewRedisLocker(client, 0)
		} else {
			e.locker = sweeplock.NewLocalLocker()
		}
	}
	e.sweeper = memory.NewSweeper(e.manager, e.life, e.decay, e.locker, e.memoryConfig, e.logger)

	return e, nil
}

func newIndex(conf *config.IndexConfig) (memory.Index, error) {
	switch conf.Backend {
	case "qdrant":
		return memory.NewQdrantIndex(conf)
	case "sqlite":
		return memory.NewSqliteIndex(conf.SqlitePath)
	case "memory":
		return memory.NewInMemoryIndex(), nil
	default:
		return nil, errors.Wrapf(errors.ErrConfiguration, "unknown index backend %q", conf.Backend)
	}
}

func (e *Engine) Write(ctx context.Context, req *memory.WriteRequest) (*memory.MemoryRecord, error) {
	return e.service.Write(ctx, req)
}

func (e *Engine) Query(ctx context.Context, req *memory.QueryRequest) ([]*memory.ScoredRecord, error) {
	return e.service.Query(ctx, req)
}

func (e *Engine) Protect(ctx context.Context, characterID, recordID, reason string) error {
	handle, err := e.manager.Resolve(characterID)
	if err != nil {
		return err
	}
	return e.decay.Protect(ctx, handle, recordID, reason)
}

func (e *Engine) Unprotect(ctx context.Context, characterID, recordID, reason string) error {
	handle, err := e.manager.Resolve(characterID)
	if err != nil {
		return err
	}
	return e.decay.Unprotect(ctx, handle, recordID, reason)
}

func (e *Engine) ListDecayCandidates(ctx context.Context, characterID string, threshold float64) ([]*memory.MemoryRecord, error) {
	handle, err := e.manager.Resolve(characterID)
	if err != nil {
		return nil, err
	}
	return e.decay.ListDecayCandidates(ctx, handle, threshold)
}

func (e *Engine) ApplyDecay(ctx context.Context, characterID string, rate float64) (*memory.DecayReport, error) {
	handle, err := e.manager.Resolve(characterID)
	if err != nil {
		return nil, err
	}
	return e.decay.ApplyDecay(ctx, handle, rate)
}

func (e *Engine) LifecycleSweep(ctx context.Context, characterID string) (*memory.LifecycleReport, error) {
	handle, err := e.manager.Resolve(characterID)
	if err != nil {
		return nil, err
	}
	return e.life.Sweep(ctx, handle)
}

// Export streams every record in a character's live namespace to fn in stable
// id order. filter may be nil; fn returning an error stops the export.
func (e *Engine) Export(ctx context.Context, characterID string, filter *memory.Filter, fn func(*memory.MemoryRecord) error) error {
	handle, err := e.manager.Resolve(characterID)
	if err != nil {
		return err
	}

	offset := ""
	for {
		records, next, err := e.store.Scroll(ctx, handle, filter, offset, e.memoryConfig.BackfillBatchSize)
		if err != nil {
			return err
		}
		for _, record := range records {
			if err := fn(record); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		offset = next
	}
}

// StartSweeper blocks until ctx is done, running the periodic lifecycle and
// decay sweeps over every namespace.
func (e *Engine) StartSweeper(ctx context.Context) error {
	return e.sweeper.Run(ctx)
}

// SweepOnce runs a single maintenance pass over every namespace.
func (e *Engine) SweepOnce(ctx context.Context) {
	e.sweeper.RunOnce(ctx)
}

func (e *Engine) Migrator() *memory.Migrator {
	return e.migrator
}

func (e *Engine) Characters() []string {
	return e.manager.Characters()
}

func (e *Engine) Close() error {
	var errs []error
	if e.meta != nil {
		errs = append(errs, e.meta.Close())
	}
	if e.index != nil {
		errs = append(errs, e.index.Close())
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

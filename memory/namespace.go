package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/atomic"

	"github.com/eidetic-ai/memvault/errors"
)

type (
	// NamespaceHandle is a resolved view of one character's namespace: the
	// logical alias and the physical generation it pointed to at resolve
	// time. Handles are immutable; operations issued against a handle keep
	// addressing the generation it resolved to even if the alias is
	// repointed mid-flight.
	NamespaceHandle struct {
		CharacterID string
		Logical     string
		Collection  string
		Generation  string
		Spaces      []Space
		Dimension   int
	}

	// NamespaceManager maps character identities to physical namespace
	// generations through alias indirection. The alias table is the one piece
	// of truly shared mutable state in the engine: readers load it through an
	// atomic pointer, and Repoint swaps a fresh copy in under a single
	// writer lock.
	NamespaceManager struct {
		index  Index
		meta   *MetaStore
		logger *slog.Logger

		spaces    []Space
		dimension int

		writeMu sync.Mutex
		table   atomic.Pointer[map[string]*NamespaceHandle]
	}
)

// LogicalName is the stable alias a character's namespace is addressed by.
func LogicalName(characterID string) string {
	return "memory_" + characterID
}

// NewNamespaceManager registers the given characters and restores any
// persisted alias state. Characters outside the roster stay unknown: writes
// and reads against them fail closed rather than falling back to a default
// namespace.
func NewNamespaceManager(
	ctx context.Context,
	index Index,
	meta *MetaStore,
	logger *slog.Logger,
	spaces []Space,
	dimension int,
	characters []string,
) (*NamespaceManager, error) {
	m := &NamespaceManager{
		index:     index,
		meta:      meta,
		logger:    logger,
		spaces:    spaces,
		dimension: dimension,
	}

	persisted, err := meta.LoadAliases(ctx)
	if err != nil {
		return nil, err
	}

	table := make(map[string]*NamespaceHandle, len(characters))
	for _, characterID := range characters {
		if characterID == "" {
			return nil, errors.Wrapf(errors.ErrConfiguration, "empty character id in roster")
		}
		logical := LogicalName(characterID)
		handle := &NamespaceHandle{
			CharacterID: characterID,
			Logical:     logical,
			Spaces:      spaces,
			Dimension:   dimension,
		}
		if collection, ok := persisted[logical]; ok {
			handle.Collection = collection
			handle.Generation = generationFromCollection(logical, collection)
		}
		table[characterID] = handle
	}
	m.table.Store(&table)

	return m, nil
}

// Resolve returns the active namespace handle for a character, or a
// configuration error for an unknown one. This is the isolation guarantee:
// there is no best-effort default namespace.
func (m *NamespaceManager) Resolve(characterID string) (*NamespaceHandle, error) {
	table := *m.table.Load()
	handle, ok := table[characterID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrConfiguration, "unknown character %q", characterID)
	}
	if handle.Collection == "" {
		return nil, errors.Wrapf(errors.ErrConfiguration, "character %q has no active namespace generation", characterID)
	}
	return handle, nil
}

// Characters lists the registered character ids.
func (m *NamespaceManager) Characters() []string {
	table := *m.table.Load()
	out := make([]string, 0, len(table))
	for characterID := range table {
		out = append(out, characterID)
	}
	return out
}

// EnsureNamespace makes sure a registered character has an active generation,
// creating a first one when needed. Called at startup for every character in
// the roster.
func (m *NamespaceManager) EnsureNamespace(ctx context.Context, characterID string) (*NamespaceHandle, error) {
	if handle, err := m.Resolve(characterID); err == nil {
		// Re-ensure so a wiped index gets its collection back.
		schema := CollectionSchema{Name: handle.Collection, Spaces: handle.Spaces, Dimension: handle.Dimension}
		if err := m.index.EnsureCollection(ctx, schema); err != nil {
			return nil, err
		}
		return handle, nil
	}

	handle, err := m.CreateGeneration(ctx, characterID, m.spaces, m.dimension)
	if err != nil {
		return nil, err
	}
	if err := m.Repoint(ctx, characterID, handle); err != nil {
		return nil, err
	}
	return handle, nil
}

// CreateGeneration provisions a new physical generation for a character
// without activating it. The caller repoints the alias when the generation is
// ready to serve. Nil spaces or a non-positive dimension fall back to the
// manager's configured schema.
func (m *NamespaceManager) CreateGeneration(ctx context.Context, characterID string, spaces []Space, dimension int) (*NamespaceHandle, error) {
	table := *m.table.Load()
	if _, ok := table[characterID]; !ok {
		return nil, errors.Wrapf(errors.ErrConfiguration, "unknown character %q", characterID)
	}

	if spaces == nil {
		spaces = m.spaces
	}
	if dimension <= 0 {
		dimension = m.dimension
	}

	logical := LogicalName(characterID)
	generation := strings.ToLower(ulid.Make().String())
	collection := logical + "_" + generation

	if err := m.index.EnsureCollection(ctx, CollectionSchema{
		Name:      collection,
		Spaces:    spaces,
		Dimension: dimension,
	}); err != nil {
		return nil, err
	}

	m.logger.Info("created namespace generation",
		slog.String("character", characterID),
		slog.String("collection", collection),
	)

	return &NamespaceHandle{
		CharacterID: characterID,
		Logical:     logical,
		Collection:  collection,
		Generation:  generation,
		Spaces:      spaces,
		Dimension:   dimension,
	}, nil
}

// Repoint atomically retargets a character's alias at the handle's
// generation. In-flight operations keep their previously resolved handle;
// every Resolve after Repoint returns sees the new generation.
func (m *NamespaceManager) Repoint(ctx context.Context, characterID string, target *NamespaceHandle) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	current := *m.table.Load()
	if _, ok := current[characterID]; !ok {
		return errors.Wrapf(errors.ErrConfiguration, "unknown character %q", characterID)
	}
	if target.CharacterID != characterID {
		return errors.Wrapf(errors.ErrInvariant, "handle belongs to character %q, not %q", target.CharacterID, characterID)
	}

	exists, err := m.index.CollectionExists(ctx, target.Collection)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Wrapf(errors.ErrNotFound, "generation collection %q does not exist", target.Collection)
	}

	logical := LogicalName(characterID)
	if err := m.index.RepointAlias(ctx, logical, target.Collection); err != nil {
		return err
	}
	if err := m.meta.SaveAlias(ctx, logical, target.Collection); err != nil {
		return err
	}

	next := make(map[string]*NamespaceHandle, len(current))
	for id, handle := range current {
		next[id] = handle
	}
	next[characterID] = target
	m.table.Store(&next)

	m.logger.Info("repointed namespace",
		slog.String("character", characterID),
		slog.String("collection", target.Collection),
	)
	return nil
}

func generationFromCollection(logical, collection string) string {
	return strings.TrimPrefix(collection, logical+"_")
}

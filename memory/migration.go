package memory

import (
	"context"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/eidetic-ai/memvault/config"
	"github.com/eidetic-ai/memvault/errors"
)

type (
	// Migrator drives schema migrations between collection generations:
	// snapshot, backfill into a fresh generation, atomic cutover, rollback.
	// Backfill is resumable and idempotent; interrupting it and running it
	// again continues from the last persisted checkpoint.
	Migrator struct {
		store    *Store
		manager  *NamespaceManager
		meta     *MetaStore
		composer *Composer
		conf     *config.MemoryConfig
		logger   *slog.Logger
	}

	BackfillReport struct {
		Processed int64
		Embedded  int64
		Resumed   bool
	}
)

func NewMigrator(
	store *Store,
	manager *NamespaceManager,
	meta *MetaStore,
	composer *Composer,
	conf *config.MemoryConfig,
	logger *slog.Logger,
) *Migrator {
	return &Migrator{
		store:    store,
		manager:  manager,
		meta:     meta,
		composer: composer,
		conf:     conf,
		logger:   logger,
	}
}

// Snapshot backs up the character's live collection and records where the
// backup landed so a later Rollback can find it.
func (g *Migrator) Snapshot(ctx context.Context, characterID string) (*SnapshotEntry, error) {
	handle, err := g.manager.Resolve(characterID)
	if err != nil {
		return nil, err
	}

	location, err := g.store.index.Snapshot(ctx, handle.Collection)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to snapshot collection %q", handle.Collection)
	}

	entry := &SnapshotEntry{
		ID:          strings.ToLower(ulid.Make().String()),
		CharacterID: characterID,
		Collection:  handle.Collection,
		Location:    location,
	}
	if err := g.meta.SaveSnapshot(ctx, entry); err != nil {
		return nil, err
	}

	g.logger.Info("snapshot created",
		slog.String("character_id", characterID),
		slog.String("snapshot_id", entry.ID),
		slog.String("location", location),
	)
	return entry, nil
}

// NewGeneration creates an empty next-generation collection for the
// character without touching the live alias.
func (g *Migrator) NewGeneration(ctx context.Context, characterID string, spaces []Space, dimension int) (*NamespaceHandle, error) {
	return g.manager.CreateGeneration(ctx, characterID, spaces, dimension)
}

// Backfill copies every record from the character's live collection into the
// target generation, re-embedding the spaces the source record lacks. The
// scroll offset is checkpointed after every batch; records already copied are
// simply overwritten on re-run, so partial progress is never lost and never
// duplicated.
func (g *Migrator) Backfill(ctx context.Context, characterID string, target *NamespaceHandle) (*BackfillReport, error) {
	source, err := g.manager.Resolve(characterID)
	if err != nil {
		return nil, err
	}
	if source.Collection == target.Collection {
		return nil, errors.Wrapf(errors.ErrInvariant, "backfill target equals live collection %q", source.Collection)
	}

	report := &BackfillReport{}
	offset := ""
	if checkpoint, err := g.meta.LoadCheckpoint(ctx, source.Collection, target.Collection); err != nil {
		return nil, err
	} else if checkpoint != nil {
		offset = checkpoint.Offset
		report.Processed = checkpoint.Processed
		report.Resumed = true
		g.logger.Info("resuming backfill",
			slog.String("source", source.Collection),
			slog.String("target", target.Collection),
			slog.String("offset", offset),
		)
	}

	for {
		records, next, err := g.store.Scroll(ctx, source, nil, offset, g.conf.BackfillBatchSize)
		if err != nil {
			return report, err
		}

		for _, record := range records {
			if err := ctx.Err(); err != nil {
				return report, errors.WithStack(err)
			}
			embedded, err := g.migrateRecord(ctx, target, record)
			if err != nil {
				return report, err
			}
			if embedded {
				report.Embedded++
			}
			report.Processed++
		}

		if next == "" {
			break
		}
		offset = next
		if err := g.meta.SaveCheckpoint(ctx, source.Collection, target.Collection, offset, report.Processed); err != nil {
			return report, err
		}
	}

	if err := g.meta.DeleteCheckpoint(ctx, source.Collection, target.Collection); err != nil {
		return report, err
	}

	g.logger.Info("backfill complete",
		slog.String("source", source.Collection),
		slog.String("target", target.Collection),
		slog.Int64("processed", report.Processed),
		slog.Int64("embedded", report.Embedded),
	)
	return report, nil
}

// migrateRecord upserts one record into the target generation, filling in any
// target space the record does not carry a real vector for.
func (g *Migrator) migrateRecord(ctx context.Context, target *NamespaceHandle, record *MemoryRecord) (bool, error) {
	var missing []Space
	for _, space := range target.Spaces {
		if vector, ok := record.Vectors[space]; !ok || vector.Placeholder || len(vector.Values) == 0 {
			missing = append(missing, space)
		}
	}

	embedded := false
	if len(missing) > 0 {
		hints := &Hints{
			EmotionTag:      record.EmotionTag,
			InteractionKind: string(record.Kind),
			Timestamp:       record.CreatedAt,
		}
		vectors, err := g.composer.ComposeSubset(ctx, missing, record.Content, hints)
		if err != nil {
			return false, errors.Wrapf(err, "failed to re-embed record %q", record.ID)
		}
		if record.Vectors == nil {
			record.Vectors = VectorSet{}
		}
		for space, vector := range vectors {
			record.Vectors[space] = vector
		}
		embedded = true
	}

	// Keep only the spaces the target schema knows about.
	for space := range record.Vectors {
		keep := false
		for _, want := range target.Spaces {
			if space == want {
				keep = true
				break
			}
		}
		if !keep {
			delete(record.Vectors, space)
		}
	}

	return embedded, g.store.Upsert(ctx, target, record)
}

// HandleForCollection builds a handle for an already provisioned generation
// of the character, e.g. one created by an earlier backfill run.
func (g *Migrator) HandleForCollection(characterID string, collection string) (*NamespaceHandle, error) {
	current, err := g.manager.Resolve(characterID)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(collection, current.Logical+"_") {
		return nil, errors.Wrapf(errors.ErrConfiguration,
			"collection %q does not belong to namespace %q", collection, current.Logical)
	}
	return &NamespaceHandle{
		CharacterID: characterID,
		Logical:     current.Logical,
		Collection:  collection,
		Generation:  generationFromCollection(current.Logical, collection),
		Spaces:      current.Spaces,
		Dimension:   current.Dimension,
	}, nil
}

// Cutover repoints the character's alias at the target generation. Readers
// and writers switch atomically; the previous collection stays intact for
// rollback.
func (g *Migrator) Cutover(ctx context.Context, characterID string, target *NamespaceHandle) error {
	if err := g.manager.Repoint(ctx, characterID, target); err != nil {
		return err
	}
	g.logger.Info("cutover complete",
		slog.String("character_id", characterID),
		slog.String("collection", target.Collection),
	)
	return nil
}

// Rollback repoints the character's alias back at the collection a snapshot
// was taken from.
func (g *Migrator) Rollback(ctx context.Context, characterID string, snapshotID string) error {
	entry, err := g.meta.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return err
	}
	if entry.CharacterID != characterID {
		return errors.Wrapf(errors.ErrConfiguration,
			"snapshot %q belongs to character %q, not %q", snapshotID, entry.CharacterID, characterID)
	}

	current, err := g.manager.Resolve(characterID)
	if err != nil {
		return err
	}

	target := &NamespaceHandle{
		CharacterID: characterID,
		Logical:     current.Logical,
		Collection:  entry.Collection,
		Generation:  generationFromCollection(current.Logical, entry.Collection),
		Spaces:      current.Spaces,
		Dimension:   current.Dimension,
	}
	if err := g.manager.Repoint(ctx, characterID, target); err != nil {
		return err
	}

	g.logger.Info("rollback complete",
		slog.String("character_id", characterID),
		slog.String("snapshot_id", snapshotID),
		slog.String("collection", entry.Collection),
	)
	return nil
}

package memory

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/eidetic-ai/memvault/errors"
)

type (
	// MetaStore persists the engine's small control-plane state: the alias
	// registry, backfill checkpoints and snapshot records. It is not on the
	// request path; reads happen at startup and during migrations.
	MetaStore struct {
		db *gorm.DB
	}

	AliasEntry struct {
		Alias      string `gorm:"primaryKey"`
		Collection string `gorm:"not null"`
		UpdatedAt  time.Time
	}

	CheckpointEntry struct {
		// ID is "<source>-><target>".
		ID        string `gorm:"primaryKey"`
		Offset    string
		Processed int64
		UpdatedAt time.Time
	}

	SnapshotEntry struct {
		ID          string `gorm:"primaryKey"`
		CharacterID string `gorm:"index"`
		Collection  string `gorm:"not null"`
		Location    string `gorm:"not null"`
		CreatedAt   time.Time
	}
)

func (AliasEntry) TableName() string      { return "meta_aliases" }
func (CheckpointEntry) TableName() string { return "meta_checkpoints" }
func (SnapshotEntry) TableName() string   { return "meta_snapshots" }

func NewMetaStore(dbPath string) (*MetaStore, error) {
	db, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_foreign_keys=on", dbPath)),
		&gorm.Config{},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open meta database at %s", dbPath)
	}

	if err := db.AutoMigrate(&AliasEntry{}, &CheckpointEntry{}, &SnapshotEntry{}); err != nil {
		return nil, errors.Wrapf(err, "failed to migrate meta database")
	}

	return &MetaStore{db: db}, nil
}

func (m *MetaStore) SaveAlias(ctx context.Context, alias string, collection string) error {
	return errors.Wrapf(
		m.db.WithContext(ctx).Save(&AliasEntry{Alias: alias, Collection: collection}).Error,
		"failed to save alias %q", alias,
	)
}

func (m *MetaStore) LoadAliases(ctx context.Context) (map[string]string, error) {
	var entries []AliasEntry
	if err := m.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load aliases")
	}

	aliases := make(map[string]string, len(entries))
	for _, entry := range entries {
		aliases[entry.Alias] = entry.Collection
	}
	return aliases, nil
}

func checkpointID(source, target string) string {
	return source + "->" + target
}

func (m *MetaStore) SaveCheckpoint(ctx context.Context, source, target, offset string, processed int64) error {
	return errors.Wrapf(
		m.db.WithContext(ctx).Save(&CheckpointEntry{
			ID:        checkpointID(source, target),
			Offset:    offset,
			Processed: processed,
		}).Error,
		"failed to save backfill checkpoint %s", checkpointID(source, target),
	)
}

func (m *MetaStore) LoadCheckpoint(ctx context.Context, source, target string) (*CheckpointEntry, error) {
	var entry CheckpointEntry
	if r := m.db.WithContext(ctx).Find(&entry, "id = ?", checkpointID(source, target)); r.Error != nil {
		return nil, errors.Wrapf(r.Error, "failed to load backfill checkpoint")
	} else if r.RowsAffected == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (m *MetaStore) DeleteCheckpoint(ctx context.Context, source, target string) error {
	return errors.Wrapf(
		m.db.WithContext(ctx).Delete(&CheckpointEntry{}, "id = ?", checkpointID(source, target)).Error,
		"failed to delete backfill checkpoint",
	)
}

func (m *MetaStore) SaveSnapshot(ctx context.Context, entry *SnapshotEntry) error {
	return errors.Wrapf(
		m.db.WithContext(ctx).Save(entry).Error,
		"failed to save snapshot %s", entry.ID,
	)
}

func (m *MetaStore) GetSnapshot(ctx context.Context, id string) (*SnapshotEntry, error) {
	var entry SnapshotEntry
	if r := m.db.WithContext(ctx).Find(&entry, "id = ?", id); r.Error != nil {
		return nil, errors.Wrapf(r.Error, "failed to load snapshot %s", id)
	} else if r.RowsAffected == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "snapshot %q does not exist", id)
	}
	return &entry, nil
}

func (m *MetaStore) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

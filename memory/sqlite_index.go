//go:build !without_sqlite

package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/eidetic-ai/memvault/errors"
)

type (
	// SqliteIndex implements Index on SQLite with the sqlite-vec extension,
	// for deployments that run without a Qdrant server. Payloads live in a
	// regular table; each (collection, space) pair gets its own vec0 virtual
	// table so every space keeps its own cosine KNN index.
	SqliteIndex struct {
		db     *gorm.DB
		dbPath string
	}

	sqlitePointRecord struct {
		Collection string `gorm:"primaryKey"`
		ID         string `gorm:"primaryKey"`
		CreatedAt  time.Time
		UpdatedAt  time.Time

		Payload datatypes.JSONType[map[string]any]
	}

	sqliteCollectionRecord struct {
		Name      string `gorm:"primaryKey"`
		CreatedAt time.Time

		Spaces    datatypes.JSONSlice[string]
		Dimension int
	}

	sqliteAliasRecord struct {
		Alias      string `gorm:"primaryKey"`
		Collection string
		UpdatedAt  time.Time
	}
)

func (sqlitePointRecord) TableName() string      { return "mem_points" }
func (sqliteCollectionRecord) TableName() string { return "mem_collections" }
func (sqliteAliasRecord) TableName() string      { return "mem_aliases" }

var _ Index = (*SqliteIndex)(nil)

func NewSqliteIndex(dbPath string) (*SqliteIndex, error) {
	sqlite_vec.Auto()

	db, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_foreign_keys=on", dbPath)),
		&gorm.Config{},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite database at %s", dbPath)
	}

	var sqliteVersion, vecVersion string
	if err := db.Raw("SELECT sqlite_version(), vec_version()").Row().Scan(&sqliteVersion, &vecVersion); err != nil {
		return nil, errors.Wrapf(err, "sqlite-vec extension not properly loaded")
	}

	if err := db.AutoMigrate(&sqlitePointRecord{}, &sqliteCollectionRecord{}, &sqliteAliasRecord{}); err != nil {
		return nil, errors.Wrapf(err, "failed to migrate index tables")
	}

	return &SqliteIndex{db: db, dbPath: dbPath}, nil
}

// vecTableName derives a safe virtual-table name for one collection space.
func vecTableName(collection string, space Space) string {
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return fmt.Sprintf("vec_%s_%s", sanitize(collection), sanitize(string(space)))
}

func (s *SqliteIndex) resolve(ctx context.Context, name string) (*sqliteCollectionRecord, error) {
	var alias sqliteAliasRecord
	if r := s.db.WithContext(ctx).Find(&alias, "alias = ?", name); r.Error == nil && r.RowsAffected > 0 {
		name = alias.Collection
	}

	var coll sqliteCollectionRecord
	if r := s.db.WithContext(ctx).Find(&coll, "name = ?", name); r.Error != nil {
		return nil, errors.Wrapf(r.Error, "failed to look up collection %q", name)
	} else if r.RowsAffected == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "collection %q does not exist", name)
	}
	return &coll, nil
}

func (s *SqliteIndex) EnsureCollection(ctx context.Context, schema CollectionSchema) error {
	tx := s.db.WithContext(ctx)

	var existing sqliteCollectionRecord
	if r := tx.Find(&existing, "name = ?", schema.Name); r.Error != nil {
		return errors.Wrapf(r.Error, "failed to look up collection %q", schema.Name)
	} else if r.RowsAffected > 0 {
		return nil
	}

	spaces := make([]string, 0, len(schema.Spaces))
	for _, space := range schema.Spaces {
		spaces = append(spaces, string(space))

		createSQL := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
				point_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, vecTableName(schema.Name, space), schema.Dimension)
		if err := tx.Exec(createSQL).Error; err != nil {
			return errors.Wrapf(err, "failed to create vector table for %q/%q", schema.Name, space)
		}
	}

	if err := tx.Save(&sqliteCollectionRecord{
		Name:      schema.Name,
		Spaces:    spaces,
		Dimension: schema.Dimension,
	}).Error; err != nil {
		return errors.Wrapf(err, "failed to register collection %q", schema.Name)
	}
	return nil
}

func (s *SqliteIndex) DropCollection(ctx context.Context, name string) error {
	coll, err := s.resolve(ctx, name)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, space := range coll.Spaces {
			if err := tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", vecTableName(coll.Name, Space(space)))).Error; err != nil {
				return errors.Wrapf(err, "failed to drop vector table for %q/%q", coll.Name, space)
			}
		}
		if err := tx.Delete(&sqlitePointRecord{}, "collection = ?", coll.Name).Error; err != nil {
			return errors.Wrapf(err, "failed to delete points of %q", coll.Name)
		}
		if err := tx.Delete(&sqliteCollectionRecord{}, "name = ?", coll.Name).Error; err != nil {
			return errors.Wrapf(err, "failed to deregister collection %q", coll.Name)
		}
		return nil
	})
}

func (s *SqliteIndex) CollectionExists(ctx context.Context, name string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&sqliteCollectionRecord{}).
		Where("name = ?", name).Count(&count).Error; err != nil {
		return false, errors.Wrapf(err, "failed to check collection %q", name)
	}
	return count > 0, nil
}

func (s *SqliteIndex) Upsert(ctx context.Context, collection string, points []*Point) error {
	coll, err := s.resolve(ctx, collection)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, point := range points {
			if err := tx.Save(&sqlitePointRecord{
				Collection: coll.Name,
				ID:         point.ID,
				Payload:    datatypes.NewJSONType(point.Payload),
			}).Error; err != nil {
				return errors.Wrapf(err, "failed to save point %s", point.ID)
			}

			for space, values := range point.Vectors {
				table := vecTableName(coll.Name, space)
				if err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE point_id = ?", table), point.ID).Error; err != nil {
					return errors.Wrapf(err, "failed to delete existing vector")
				}

				serialized, err := sqlite_vec.SerializeFloat32(values)
				if err != nil {
					return errors.Wrapf(err, "failed to serialize embedding")
				}
				insertSQL := fmt.Sprintf("INSERT INTO %s (point_id, embedding) VALUES (?, ?)", table)
				if err := tx.Exec(insertSQL, point.ID, serialized).Error; err != nil {
					return errors.Wrapf(err, "failed to insert vector for %s/%s", point.ID, space)
				}
			}
		}
		return nil
	})
}

func (s *SqliteIndex) SetPayload(ctx context.Context, collection string, id string, fields map[string]any) error {
	coll, err := s.resolve(ctx, collection)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record sqlitePointRecord
		if r := tx.Find(&record, "collection = ? AND id = ?", coll.Name, id); r.Error != nil {
			return errors.Wrapf(r.Error, "failed to load point %s", id)
		} else if r.RowsAffected == 0 {
			return errors.Wrapf(errors.ErrNotFound, "point %q does not exist in %q", id, collection)
		}

		payload := record.Payload.Data()
		if payload == nil {
			payload = map[string]any{}
		}
		for key, value := range fields {
			payload[key] = value
		}
		record.Payload = datatypes.NewJSONType(payload)

		return errors.Wrapf(tx.Save(&record).Error, "failed to update payload of %s", id)
	})
}

func (s *SqliteIndex) Fetch(ctx context.Context, collection string, ids []string) ([]*Point, error) {
	coll, err := s.resolve(ctx, collection)
	if err != nil {
		return nil, err
	}

	var records []sqlitePointRecord
	if err := s.db.WithContext(ctx).
		Where("collection = ? AND id IN ?", coll.Name, ids).
		Find(&records).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to fetch points from %q", collection)
	}

	points := make([]*Point, 0, len(records))
	for _, record := range records {
		point, err := s.loadPoint(ctx, coll, &record)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return points, nil
}

func (s *SqliteIndex) loadPoint(ctx context.Context, coll *sqliteCollectionRecord, record *sqlitePointRecord) (*Point, error) {
	point := &Point{
		ID:      record.ID,
		Vectors: map[Space][]float32{},
		Payload: record.Payload.Data(),
	}
	for _, space := range coll.Spaces {
		var serialized []byte
		row := s.db.WithContext(ctx).
			Raw(fmt.Sprintf("SELECT embedding FROM %s WHERE point_id = ?", vecTableName(coll.Name, Space(space))), record.ID).
			Row()
		if err := row.Scan(&serialized); err != nil {
			continue // no vector stored for this space
		}
		point.Vectors[Space(space)] = deserializeFloat32(serialized)
	}
	return point, nil
}

func (s *SqliteIndex) Delete(ctx context.Context, collection string, ids []string) error {
	coll, err := s.resolve(ctx, collection)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, space := range coll.Spaces {
			table := vecTableName(coll.Name, Space(space))
			if err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE point_id IN ?", table), ids).Error; err != nil {
				return errors.Wrapf(err, "failed to delete vectors from %s", table)
			}
		}
		return errors.Wrapf(
			tx.Delete(&sqlitePointRecord{}, "collection = ? AND id IN ?", coll.Name, ids).Error,
			"failed to delete points from %q", coll.Name,
		)
	})
}

func (s *SqliteIndex) Count(ctx context.Context, collection string) (uint64, error) {
	coll, err := s.resolve(ctx, collection)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&sqlitePointRecord{}).
		Where("collection = ?", coll.Name).Count(&count).Error; err != nil {
		return 0, errors.Wrapf(err, "failed to count points in %q", collection)
	}
	return uint64(count), nil
}

func (s *SqliteIndex) Scroll(ctx context.Context, collection string, filter *Filter, offset string, limit int) ([]*Point, string, error) {
	coll, err := s.resolve(ctx, collection)
	if err != nil {
		return nil, "", err
	}

	// Payload filters are applied in Go, so page through in id order until
	// the limit is filled. The incoming offset is inclusive; internal
	// continuations are exclusive so a batch boundary never re-reads the row
	// that ended the previous batch.
	var out []*Point
	cursor := offset
	cursorCond := "id >= ?"
	for {
		var records []sqlitePointRecord
		q := s.db.WithContext(ctx).Where("collection = ?", coll.Name)
		if cursor != "" {
			q = q.Where(cursorCond, cursor)
		}
		if err := q.Order("id").Limit(limit + 1).Find(&records).Error; err != nil {
			return nil, "", errors.Wrapf(err, "failed to scroll %q", collection)
		}
		if len(records) == 0 {
			return out, "", nil
		}

		for idx := range records {
			record := &records[idx]
			if !filter.matches(record.Payload.Data()) {
				continue
			}
			if len(out) == limit {
				return out, record.ID, nil
			}
			point, err := s.loadPoint(ctx, coll, record)
			if err != nil {
				return nil, "", err
			}
			out = append(out, point)
		}

		if len(records) <= limit {
			return out, "", nil
		}
		cursor = records[len(records)-1].ID
		cursorCond = "id > ?"
	}
}

func (s *SqliteIndex) Search(ctx context.Context, collection string, space Space, vector []float32, filter *Filter, limit int, scoreFloor float64) ([]*ScoredPoint, error) {
	coll, err := s.resolve(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return []*ScoredPoint{}, nil
	}

	serialized, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize query embedding")
	}

	// Oversample because payload filters are applied after the KNN pass.
	searchSQL := fmt.Sprintf(`
		SELECT point_id, distance
		FROM %s
		WHERE embedding MATCH ?
		ORDER BY distance
		LIMIT ?
	`, vecTableName(coll.Name, space))

	rows, err := s.db.WithContext(ctx).Raw(searchSQL, serialized, limit*4).Rows()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to execute vector search")
	}
	defer rows.Close()

	type hit struct {
		id       string
		distance float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.distance); err != nil {
			return nil, errors.Wrapf(err, "failed to scan search row")
		}
		hits = append(hits, h)
	}
	if len(hits) == 0 {
		return []*ScoredPoint{}, nil
	}

	ids := make([]string, 0, len(hits))
	distances := make(map[string]float64, len(hits))
	for _, h := range hits {
		ids = append(ids, h.id)
		distances[h.id] = h.distance
	}

	var records []sqlitePointRecord
	if err := s.db.WithContext(ctx).
		Where("collection = ? AND id IN ?", coll.Name, ids).
		Find(&records).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to fetch search payloads")
	}

	var results []*ScoredPoint
	for idx := range records {
		record := &records[idx]
		if !filter.matches(record.Payload.Data()) {
			continue
		}
		score := 1.0 - distances[record.ID]
		if score < scoreFloor {
			continue
		}
		results = append(results, &ScoredPoint{
			Point: Point{
				ID:      record.ID,
				Vectors: map[Space][]float32{},
				Payload: record.Payload.Data(),
			},
			Score: score,
		})
	}

	sort.Slice(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *SqliteIndex) CreateAlias(ctx context.Context, alias string, collection string) error {
	if _, err := s.resolve(ctx, collection); err != nil {
		return err
	}
	return errors.Wrapf(
		s.db.WithContext(ctx).Save(&sqliteAliasRecord{Alias: alias, Collection: collection}).Error,
		"failed to create alias %q -> %q", alias, collection,
	)
}

func (s *SqliteIndex) RepointAlias(ctx context.Context, alias string, collection string) error {
	return s.CreateAlias(ctx, alias, collection)
}

func (s *SqliteIndex) DeleteAlias(ctx context.Context, alias string) error {
	return errors.Wrapf(
		s.db.WithContext(ctx).Delete(&sqliteAliasRecord{}, "alias = ?", alias).Error,
		"failed to delete alias %q", alias,
	)
}

func (s *SqliteIndex) Snapshot(ctx context.Context, collection string) (string, error) {
	if _, err := s.resolve(ctx, collection); err != nil {
		return "", err
	}

	location := fmt.Sprintf("%s.snapshot-%d", s.dbPath, time.Now().Unix())
	if err := s.db.WithContext(ctx).Exec("VACUUM INTO ?", location).Error; err != nil {
		return "", errors.Wrapf(err, "failed to snapshot database into %s", location)
	}
	return location, nil
}

func (s *SqliteIndex) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// deserializeFloat32 reverses sqlite_vec.SerializeFloat32 (little-endian
// float32 array).
func deserializeFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

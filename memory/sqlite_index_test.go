//go:build !without_sqlite

package memory_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/eidetic-ai/memvault/internal/mytesting"
	"github.com/eidetic-ai/memvault/memory"
)

type SqliteIndexTestSuite struct {
	mytesting.Suite

	index *memory.SqliteIndex
	dir   string
}

func (s *SqliteIndexTestSuite) SetupTest() {
	s.Suite.SetupTest()

	var err error
	s.dir = s.T().TempDir()
	s.index, err = memory.NewSqliteIndex(filepath.Join(s.dir, "vectors.db"))
	s.Require().NoError(err)
}

func (s *SqliteIndexTestSuite) TearDownTest() {
	s.Require().NoError(s.index.Close())
	s.Suite.TearDownTest()
}

func (s *SqliteIndexTestSuite) schema(name string) memory.CollectionSchema {
	return memory.CollectionSchema{
		Name:      name,
		Spaces:    []memory.Space{memory.SpaceContent, memory.SpaceEmotion},
		Dimension: 4,
	}
}

func (s *SqliteIndexTestSuite) point(id string, x float32, payload map[string]any) *memory.Point {
	return &memory.Point{
		ID: id,
		Vectors: map[memory.Space][]float32{
			memory.SpaceContent: {x, 1 - x, 0, 0},
			memory.SpaceEmotion: {0, 0, x, 1 - x},
		},
		Payload: payload,
	}
}

func (s *SqliteIndexTestSuite) TestUpsertFetchDelete() {
	s.Require().NoError(s.index.EnsureCollection(s.Context, s.schema("mem_luna_one")))

	payload := map[string]any{"user_id": "user-1", "significance": 0.5}
	s.Require().NoError(s.index.Upsert(s.Context, "mem_luna_one", []*memory.Point{s.point("a", 1, payload)}))

	points, err := s.index.Fetch(s.Context, "mem_luna_one", []string{"a"})
	s.Require().NoError(err)
	s.Require().Len(points, 1)
	s.Equal("user-1", points[0].Payload["user_id"])
	s.Len(points[0].Vectors[memory.SpaceContent], 4)

	count, err := s.index.Count(s.Context, "mem_luna_one")
	s.Require().NoError(err)
	s.Equal(uint64(1), count)

	s.Require().NoError(s.index.Delete(s.Context, "mem_luna_one", []string{"a"}))
	points, err = s.index.Fetch(s.Context, "mem_luna_one", []string{"a"})
	s.Require().NoError(err)
	s.Empty(points)
}

func (s *SqliteIndexTestSuite) TestSearchRanksByCosine() {
	s.Require().NoError(s.index.EnsureCollection(s.Context, s.schema("mem_luna_two")))

	s.Require().NoError(s.index.Upsert(s.Context, "mem_luna_two", []*memory.Point{
		s.point("near", 0.9, map[string]any{"user_id": "user-1"}),
		s.point("far", 0.1, map[string]any{"user_id": "user-1"}),
		s.point("other-user", 0.9, map[string]any{"user_id": "user-2"}),
	}))

	hits, err := s.index.Search(s.Context, "mem_luna_two", memory.SpaceContent,
		[]float32{1, 0, 0, 0}, &memory.Filter{UserID: "user-1"}, 10, 0)
	s.Require().NoError(err)
	s.Require().NotEmpty(hits)
	s.Equal("near", hits[0].Point.ID)
	for _, hit := range hits {
		s.NotEqual("other-user", hit.Point.ID)
	}
}

func (s *SqliteIndexTestSuite) TestAliasResolution() {
	s.Require().NoError(s.index.EnsureCollection(s.Context, s.schema("mem_luna_gen1")))
	s.Require().NoError(s.index.EnsureCollection(s.Context, s.schema("mem_luna_gen2")))

	s.Require().NoError(s.index.Upsert(s.Context, "mem_luna_gen1", []*memory.Point{
		s.point("a", 1, map[string]any{"user_id": "user-1"}),
	}))

	s.Require().NoError(s.index.CreateAlias(s.Context, "memory_luna", "mem_luna_gen1"))
	points, err := s.index.Fetch(s.Context, "memory_luna", []string{"a"})
	s.Require().NoError(err)
	s.Require().Len(points, 1)
	s.Equal("a", points[0].ID)

	s.Require().NoError(s.index.RepointAlias(s.Context, "memory_luna", "mem_luna_gen2"))
	points, err = s.index.Fetch(s.Context, "memory_luna", []string{"a"})
	s.Require().NoError(err)
	s.Empty(points)
}

func (s *SqliteIndexTestSuite) TestScrollFilteredPagination() {
	s.Require().NoError(s.index.EnsureCollection(s.Context, s.schema("mem_luna_scroll")))

	// The leading ids are filtered out, so the first batch is drained without
	// filling the page and the scroll has to continue past its own batch
	// boundary. Every surviving id must come back exactly once.
	for _, id := range []string{"a", "b"} {
		s.Require().NoError(s.index.Upsert(s.Context, "mem_luna_scroll", []*memory.Point{
			s.point(id, 0.5, map[string]any{"user_id": "user-2"}),
		}))
	}
	for _, id := range []string{"c", "d", "e", "f"} {
		s.Require().NoError(s.index.Upsert(s.Context, "mem_luna_scroll", []*memory.Point{
			s.point(id, 0.5, map[string]any{"user_id": "user-1"}),
		}))
	}

	filter := &memory.Filter{UserID: "user-1"}
	seen := map[string]int{}
	offset := ""
	for {
		points, next, err := s.index.Scroll(s.Context, "mem_luna_scroll", filter, offset, 5)
		s.Require().NoError(err)
		for _, point := range points {
			seen[point.ID]++
		}
		if next == "" {
			break
		}
		offset = next
	}

	s.Len(seen, 4)
	for _, id := range []string{"c", "d", "e", "f"} {
		s.Equalf(1, seen[id], "id %s", id)
	}
}

func (s *SqliteIndexTestSuite) TestSnapshotWritesBackupFile() {
	s.Require().NoError(s.index.EnsureCollection(s.Context, s.schema("mem_luna_snap")))

	location, err := s.index.Snapshot(s.Context, "mem_luna_snap")
	s.Require().NoError(err)
	s.FileExists(location)
}

func TestSqliteIndex(t *testing.T) {
	suite.Run(t, new(SqliteIndexTestSuite))
}

package memory

import (
	"context"
	"time"
)

type (
	// Point is the physical representation of a record in a vector index:
	// multi-vector plus a scalar payload.
	Point struct {
		ID      string
		Vectors map[Space][]float32
		Payload map[string]any
	}

	// ScoredPoint is a search hit for one vector space.
	ScoredPoint struct {
		Point
		Score float64
	}

	// Filter restricts scroll and search operations by payload fields. Nil
	// pointer fields are "don't care".
	Filter struct {
		UserID             string
		Tier               Tier
		DecayProtected     *bool
		MaxSignificance    *float64
		CreatedBefore      *time.Time
		LastAccessedBefore *time.Time
	}

	// CollectionSchema describes one physical namespace generation: its
	// collection name, the vector spaces it carries and their dimension.
	CollectionSchema struct {
		Name      string
		Spaces    []Space
		Dimension int
	}

	// Index is the capability interface over the external vector index. The
	// engine depends on the index supporting named multi-vectors, payload
	// filters with numeric range support, id-ordered scrolling and alias
	// indirection; the wire protocol behind those capabilities is the
	// backend's business.
	Index interface {
		EnsureCollection(ctx context.Context, schema CollectionSchema) error
		DropCollection(ctx context.Context, name string) error
		CollectionExists(ctx context.Context, name string) (bool, error)

		Upsert(ctx context.Context, collection string, points []*Point) error
		// SetPayload merges fields into one point's payload. Lifecycle and
		// decay mutations go through here so a reader never observes a
		// half-applied state across records.
		SetPayload(ctx context.Context, collection string, id string, fields map[string]any) error
		Fetch(ctx context.Context, collection string, ids []string) ([]*Point, error)
		Delete(ctx context.Context, collection string, ids []string) error
		Count(ctx context.Context, collection string) (uint64, error)

		// Scroll pages through a collection in stable id order. offset is the
		// id to resume from (empty starts at the beginning); the returned
		// next offset is empty once the collection is exhausted.
		Scroll(ctx context.Context, collection string, filter *Filter, offset string, limit int) ([]*Point, string, error)
		Search(ctx context.Context, collection string, space Space, vector []float32, filter *Filter, limit int, scoreFloor float64) ([]*ScoredPoint, error)

		CreateAlias(ctx context.Context, alias string, collection string) error
		RepointAlias(ctx context.Context, alias string, collection string) error
		DeleteAlias(ctx context.Context, alias string) error

		// Snapshot takes a point-in-time backup of a collection and returns
		// its location.
		Snapshot(ctx context.Context, collection string) (string, error)

		Close() error
	}
)

func (f *Filter) matches(payload map[string]any) bool {
	if f == nil {
		return true
	}
	p := payloadView(payload)
	if f.UserID != "" && p.str("user_id") != f.UserID {
		return false
	}
	if f.Tier != "" && p.str("tier") != string(f.Tier) {
		return false
	}
	if f.DecayProtected != nil && p.boolean("decay_protected") != *f.DecayProtected {
		return false
	}
	if f.MaxSignificance != nil && p.float("significance") > *f.MaxSignificance {
		return false
	}
	if f.CreatedBefore != nil && p.integer("created_at") >= f.CreatedBefore.Unix() {
		return false
	}
	if f.LastAccessedBefore != nil && p.integer("last_accessed_at") >= f.LastAccessedBefore.Unix() {
		return false
	}
	return true
}

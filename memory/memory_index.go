package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/eidetic-ai/memvault/errors"
)

type (
	// InMemoryIndex is a self-contained Index for tests and single-process
	// local deployments. It is the reference implementation of the Index
	// semantics the engine relies on.
	InMemoryIndex struct {
		mu          sync.RWMutex
		collections map[string]*memCollection
		aliases     map[string]string
	}

	memCollection struct {
		schema CollectionSchema
		points map[string]*Point
	}
)

var _ Index = (*InMemoryIndex)(nil)

func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{
		collections: make(map[string]*memCollection),
		aliases:     make(map[string]string),
	}
}

// resolveLocked follows one level of alias indirection. Callers hold the lock.
func (i *InMemoryIndex) resolveLocked(name string) (*memCollection, error) {
	if target, ok := i.aliases[name]; ok {
		name = target
	}
	coll, ok := i.collections[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "collection %q does not exist", name)
	}
	return coll, nil
}

func (i *InMemoryIndex) EnsureCollection(ctx context.Context, schema CollectionSchema) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.collections[schema.Name]; ok {
		return nil
	}
	i.collections[schema.Name] = &memCollection{
		schema: schema,
		points: make(map[string]*Point),
	}
	return nil
}

func (i *InMemoryIndex) DropCollection(ctx context.Context, name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.collections, name)
	return nil
}

func (i *InMemoryIndex) CollectionExists(ctx context.Context, name string) (bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.collections[name]
	return ok, nil
}

func (i *InMemoryIndex) Upsert(ctx context.Context, collection string, points []*Point) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	coll, err := i.resolveLocked(collection)
	if err != nil {
		return err
	}
	for _, point := range points {
		coll.points[point.ID] = copyPoint(point)
	}
	return nil
}

func (i *InMemoryIndex) SetPayload(ctx context.Context, collection string, id string, fields map[string]any) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	coll, err := i.resolveLocked(collection)
	if err != nil {
		return err
	}
	point, ok := coll.points[id]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "point %q does not exist in %q", id, collection)
	}
	for key, value := range fields {
		point.Payload[key] = value
	}
	return nil
}

func (i *InMemoryIndex) Fetch(ctx context.Context, collection string, ids []string) ([]*Point, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	coll, err := i.resolveLocked(collection)
	if err != nil {
		return nil, err
	}
	var out []*Point
	for _, id := range ids {
		if point, ok := coll.points[id]; ok {
			out = append(out, copyPoint(point))
		}
	}
	return out, nil
}

func (i *InMemoryIndex) Delete(ctx context.Context, collection string, ids []string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	coll, err := i.resolveLocked(collection)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(coll.points, id)
	}
	return nil
}

func (i *InMemoryIndex) Count(ctx context.Context, collection string) (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	coll, err := i.resolveLocked(collection)
	if err != nil {
		return 0, err
	}
	return uint64(len(coll.points)), nil
}

func (i *InMemoryIndex) Scroll(ctx context.Context, collection string, filter *Filter, offset string, limit int) ([]*Point, string, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	coll, err := i.resolveLocked(collection)
	if err != nil {
		return nil, "", err
	}

	ids := make([]string, 0, len(coll.points))
	for id := range coll.points {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*Point
	next := ""
	for _, id := range ids {
		if offset != "" && id < offset {
			continue
		}
		point := coll.points[id]
		if !filter.matches(point.Payload) {
			continue
		}
		if limit > 0 && len(out) == limit {
			next = id
			break
		}
		out = append(out, copyPoint(point))
	}
	return out, next, nil
}

func (i *InMemoryIndex) Search(ctx context.Context, collection string, space Space, vector []float32, filter *Filter, limit int, scoreFloor float64) ([]*ScoredPoint, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	coll, err := i.resolveLocked(collection)
	if err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, errors.New("query vector is empty")
	}

	// Candidates: points that carry a real vector for this space and pass the
	// payload filter.
	var candidates []*Point
	for _, point := range coll.points {
		values, ok := point.Vectors[space]
		if !ok || len(values) != len(vector) {
			continue
		}
		if !filter.matches(point.Payload) {
			continue
		}
		candidates = append(candidates, point)
	}
	if len(candidates) == 0 {
		return []*ScoredPoint{}, nil
	}

	// Batch cosine scoring via one matrix-vector product.
	dim := len(vector)
	queryVec := make([]float64, dim)
	var queryNorm float64
	for d, v := range vector {
		queryVec[d] = float64(v)
		queryNorm += float64(v) * float64(v)
	}
	queryNorm = math.Sqrt(queryNorm)
	if queryNorm == 0 {
		return []*ScoredPoint{}, nil
	}

	data := make([]float64, len(candidates)*dim)
	norms := make([]float64, len(candidates))
	for row, point := range candidates {
		for d, v := range point.Vectors[space] {
			data[row*dim+d] = float64(v)
			norms[row] += float64(v) * float64(v)
		}
		norms[row] = math.Sqrt(norms[row])
	}

	var scores mat.VecDense
	scores.MulVec(mat.NewDense(len(candidates), dim, data), mat.NewVecDense(dim, queryVec))

	results := make([]*ScoredPoint, 0, len(candidates))
	for row, point := range candidates {
		if norms[row] == 0 {
			continue
		}
		score := scores.AtVec(row) / (norms[row] * queryNorm)
		if score < scoreFloor {
			continue
		}
		results = append(results, &ScoredPoint{
			Point: *copyPoint(point),
			Score: score,
		})
	}

	sort.Slice(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (i *InMemoryIndex) CreateAlias(ctx context.Context, alias string, collection string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.collections[collection]; !ok {
		return errors.Wrapf(errors.ErrNotFound, "collection %q does not exist", collection)
	}
	i.aliases[alias] = collection
	return nil
}

func (i *InMemoryIndex) RepointAlias(ctx context.Context, alias string, collection string) error {
	return i.CreateAlias(ctx, alias, collection)
}

func (i *InMemoryIndex) DeleteAlias(ctx context.Context, alias string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.aliases, alias)
	return nil
}

func (i *InMemoryIndex) Snapshot(ctx context.Context, collection string) (string, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if _, err := i.resolveLocked(collection); err != nil {
		return "", err
	}
	// Nothing is persisted; the location names the live collection itself.
	return fmt.Sprintf("memory://%s@%d", collection, time.Now().Unix()), nil
}

func (i *InMemoryIndex) Close() error {
	return nil
}

func copyPoint(p *Point) *Point {
	out := &Point{
		ID:      p.ID,
		Vectors: make(map[Space][]float32, len(p.Vectors)),
		Payload: make(map[string]any, len(p.Payload)),
	}
	for space, values := range p.Vectors {
		dup := make([]float32, len(values))
		copy(dup, values)
		out.Vectors[space] = dup
	}
	for key, value := range p.Payload {
		out.Payload[key] = value
	}
	return out
}

package memory

import (
	"context"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/eidetic-ai/memvault/config"
	"github.com/eidetic-ai/memvault/errors"
)

// QdrantIndex implements Index against a Qdrant server over gRPC. Each
// namespace generation is one collection with named vectors (one per space)
// and payload indexes on user_id plus the numeric timestamp fields the
// lifecycle sweep filters on.
type QdrantIndex struct {
	client *qdrant.Client
}

var _ Index = (*QdrantIndex)(nil)

func NewQdrantIndex(conf *config.IndexConfig) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   conf.QdrantHost,
		Port:   conf.QdrantPort,
		APIKey: conf.QdrantAPIKey,
		UseTLS: conf.QdrantUseTLS,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to qdrant at %s:%d", conf.QdrantHost, conf.QdrantPort)
	}
	return &QdrantIndex{client: client}, nil
}

func (i *QdrantIndex) EnsureCollection(ctx context.Context, schema CollectionSchema) error {
	exists, err := i.client.CollectionExists(ctx, schema.Name)
	if err != nil {
		return wrapQdrantErr(err, "failed to check collection %q", schema.Name)
	}
	if !exists {
		vectorParams := make(map[string]*qdrant.VectorParams, len(schema.Spaces))
		for _, space := range schema.Spaces {
			vectorParams[string(space)] = &qdrant.VectorParams{
				Size:     uint64(schema.Dimension),
				Distance: qdrant.Distance_Cosine,
			}
		}
		if err := i.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: schema.Name,
			VectorsConfig:  qdrant.NewVectorsConfigMap(vectorParams),
		}); err != nil {
			return wrapQdrantErr(err, "failed to create collection %q", schema.Name)
		}
	}

	keyword := qdrant.FieldType_FieldTypeKeyword
	integer := qdrant.FieldType_FieldTypeInteger
	float := qdrant.FieldType_FieldTypeFloat
	boolean := qdrant.FieldType_FieldTypeBool
	indexes := []struct {
		field string
		kind  *qdrant.FieldType
	}{
		{"user_id", &keyword},
		{"character_id", &keyword},
		{"tier", &keyword},
		{"decay_protected", &boolean},
		{"significance", &float},
		{"created_at", &integer},
		{"last_accessed_at", &integer},
	}
	for _, idx := range indexes {
		if _, err := i.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: schema.Name,
			FieldName:      idx.field,
			FieldType:      idx.kind,
		}); err != nil {
			return wrapQdrantErr(err, "failed to index payload field %q on %q", idx.field, schema.Name)
		}
	}
	return nil
}

func (i *QdrantIndex) DropCollection(ctx context.Context, name string) error {
	if err := i.client.DeleteCollection(ctx, name); err != nil {
		return wrapQdrantErr(err, "failed to drop collection %q", name)
	}
	return nil
}

func (i *QdrantIndex) CollectionExists(ctx context.Context, name string) (bool, error) {
	exists, err := i.client.CollectionExists(ctx, name)
	if err != nil {
		return false, wrapQdrantErr(err, "failed to check collection %q", name)
	}
	return exists, nil
}

func (i *QdrantIndex) Upsert(ctx context.Context, collection string, points []*Point) error {
	upsert := make([]*qdrant.PointStruct, 0, len(points))
	for _, point := range points {
		vectors := make(map[string]*qdrant.Vector, len(point.Vectors))
		for space, values := range point.Vectors {
			vectors[string(space)] = qdrant.NewVector(values...)
		}
		upsert = append(upsert, &qdrant.PointStruct{
			Id:      qdrant.NewID(point.ID),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: qdrant.NewValueMap(point.Payload),
		})
	}

	if _, err := i.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         upsert,
		Wait:           qdrant.PtrOf(true),
	}); err != nil {
		return wrapQdrantErr(err, "failed to upsert %d points into %q", len(points), collection)
	}
	return nil
}

func (i *QdrantIndex) SetPayload(ctx context.Context, collection string, id string, fields map[string]any) error {
	if _, err := i.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: collection,
		Payload:        qdrant.NewValueMap(fields),
		PointsSelector: qdrant.NewPointsSelector(qdrant.NewID(id)),
		Wait:           qdrant.PtrOf(true),
	}); err != nil {
		return wrapQdrantErr(err, "failed to set payload on %s in %q", id, collection)
	}
	return nil
}

func (i *QdrantIndex) Fetch(ctx context.Context, collection string, ids []string) ([]*Point, error) {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(id))
	}

	retrieved, err := i.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, wrapQdrantErr(err, "failed to fetch %d points from %q", len(ids), collection)
	}

	points := make([]*Point, 0, len(retrieved))
	for _, rp := range retrieved {
		points = append(points, retrievedToPoint(rp.GetId(), rp.GetPayload(), rp.GetVectors()))
	}
	return points, nil
}

func (i *QdrantIndex) Delete(ctx context.Context, collection string, ids []string) error {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(id))
	}

	if _, err := i.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	}); err != nil {
		return wrapQdrantErr(err, "failed to delete %d points from %q", len(ids), collection)
	}
	return nil
}

func (i *QdrantIndex) Count(ctx context.Context, collection string) (uint64, error) {
	count, err := i.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, wrapQdrantErr(err, "failed to count points in %q", collection)
	}
	return count, nil
}

func (i *QdrantIndex) Scroll(ctx context.Context, collection string, filter *Filter, offset string, limit int) ([]*Point, string, error) {
	req := &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         qdrantFilter(filter),
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	}
	if offset != "" {
		req.Offset = qdrant.NewID(offset)
	}

	// The low-level points client exposes the next-page offset the resumable
	// backfill checkpoints on.
	resp, err := i.client.GetPointsClient().Scroll(ctx, req)
	if err != nil {
		return nil, "", wrapQdrantErr(err, "failed to scroll %q", collection)
	}

	points := make([]*Point, 0, len(resp.GetResult()))
	for _, rp := range resp.GetResult() {
		points = append(points, retrievedToPoint(rp.GetId(), rp.GetPayload(), rp.GetVectors()))
	}
	next := ""
	if nextID := resp.GetNextPageOffset(); nextID != nil {
		next = nextID.GetUuid()
	}
	return points, next, nil
}

func (i *QdrantIndex) Search(ctx context.Context, collection string, space Space, vector []float32, filter *Filter, limit int, scoreFloor float64) ([]*ScoredPoint, error) {
	hits, err := i.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Using:          qdrant.PtrOf(string(space)),
		Filter:         qdrantFilter(filter),
		Limit:          qdrant.PtrOf(uint64(limit)),
		ScoreThreshold: qdrant.PtrOf(float32(scoreFloor)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, wrapQdrantErr(err, "failed to search space %q in %q", space, collection)
	}

	results := make([]*ScoredPoint, 0, len(hits))
	for _, hit := range hits {
		point := retrievedToPoint(hit.GetId(), hit.GetPayload(), hit.GetVectors())
		results = append(results, &ScoredPoint{
			Point: *point,
			Score: float64(hit.GetScore()),
		})
	}
	return results, nil
}

func (i *QdrantIndex) CreateAlias(ctx context.Context, alias string, collection string) error {
	if err := i.client.CreateAlias(ctx, alias, collection); err != nil {
		return wrapQdrantErr(err, "failed to create alias %q -> %q", alias, collection)
	}
	return nil
}

// RepointAlias swaps the alias in one atomic alias-update call so readers see
// either the old or the new generation, never neither.
func (i *QdrantIndex) RepointAlias(ctx context.Context, alias string, collection string) error {
	if _, err := i.client.GetCollectionsClient().UpdateAliases(ctx, &qdrant.ChangeAliases{
		Actions: []*qdrant.AliasOperations{
			{Action: &qdrant.AliasOperations_DeleteAlias{DeleteAlias: &qdrant.DeleteAlias{
				AliasName: alias,
			}}},
			{Action: &qdrant.AliasOperations_CreateAlias{CreateAlias: &qdrant.CreateAlias{
				AliasName:      alias,
				CollectionName: collection,
			}}},
		},
	}); err != nil {
		return wrapQdrantErr(err, "failed to repoint alias %q -> %q", alias, collection)
	}
	return nil
}

func (i *QdrantIndex) DeleteAlias(ctx context.Context, alias string) error {
	if err := i.client.DeleteAlias(ctx, alias); err != nil {
		return wrapQdrantErr(err, "failed to delete alias %q", alias)
	}
	return nil
}

func (i *QdrantIndex) Snapshot(ctx context.Context, collection string) (string, error) {
	desc, err := i.client.CreateSnapshot(ctx, collection)
	if err != nil {
		return "", wrapQdrantErr(err, "failed to snapshot %q", collection)
	}
	return desc.GetName(), nil
}

func (i *QdrantIndex) Close() error {
	return i.client.Close()
}

func qdrantFilter(f *Filter) *qdrant.Filter {
	if f == nil {
		return nil
	}
	var must []*qdrant.Condition
	if f.UserID != "" {
		must = append(must, qdrant.NewMatch("user_id", f.UserID))
	}
	if f.Tier != "" {
		must = append(must, qdrant.NewMatch("tier", string(f.Tier)))
	}
	if f.DecayProtected != nil {
		must = append(must, qdrant.NewMatchBool("decay_protected", *f.DecayProtected))
	}
	if f.MaxSignificance != nil {
		must = append(must, qdrant.NewRange("significance", &qdrant.Range{
			Lte: qdrant.PtrOf(*f.MaxSignificance),
		}))
	}
	if f.CreatedBefore != nil {
		must = append(must, qdrant.NewRange("created_at", &qdrant.Range{
			Lt: qdrant.PtrOf(float64(f.CreatedBefore.Unix())),
		}))
	}
	if f.LastAccessedBefore != nil {
		must = append(must, qdrant.NewRange("last_accessed_at", &qdrant.Range{
			Lt: qdrant.PtrOf(float64(f.LastAccessedBefore.Unix())),
		}))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func retrievedToPoint(id *qdrant.PointId, payload map[string]*qdrant.Value, vectors *qdrant.VectorsOutput) *Point {
	point := &Point{
		ID:      id.GetUuid(),
		Vectors: map[Space][]float32{},
		Payload: valueMapToAny(payload),
	}
	if named := vectors.GetVectors(); named != nil {
		for name, vec := range named.GetVectors() {
			point.Vectors[Space(name)] = vec.GetData()
		}
	}
	return point
}

func valueMapToAny(values map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = valueToAny(value)
	}
	return out
}

func valueToAny(value *qdrant.Value) any {
	switch kind := value.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		list := make([]any, 0, len(items))
		for _, item := range items {
			list = append(list, valueToAny(item))
		}
		return list
	case *qdrant.Value_StructValue:
		return valueMapToAny(kind.StructValue.GetFields())
	default:
		return nil
	}
}

func wrapQdrantErr(err error, format string, args ...any) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return errors.Wrapf(errors.ErrTransient, format+": %v", append(args, err)...)
	case codes.NotFound:
		return errors.Wrapf(errors.ErrNotFound, format+": %v", append(args, err)...)
	}
	return errors.Wrapf(err, format, args...)
}

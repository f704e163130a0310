package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/eidetic-ai/memvault/config"
	"github.com/eidetic-ai/memvault/errors"
)

// Store owns the physical representation of memory records inside a
// namespace: the record-to-point codec, per-call timeouts, and bounded retry
// on transient index failures for writes. All operations address the physical
// generation of the handle they are given.
type Store struct {
	index  Index
	conf   *config.IndexConfig
	logger *slog.Logger
	clock  func() time.Time
}

func NewStore(index Index, conf *config.IndexConfig, logger *slog.Logger) *Store {
	return &Store{
		index:  index,
		conf:   conf,
		logger: logger,
		clock:  time.Now,
	}
}

func (s *Store) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.conf.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.conf.CallTimeout)
}

// retryWrite retries transient index failures with bounded backoff. A failed
// write leaves no record behind: upserts are atomic per point on every
// backend.
func (s *Store) retryWrite(ctx context.Context, op func(ctx context.Context) error) error {
	backoff := s.conf.RetryBackoff
	var err error
	for attempt := 0; attempt <= s.conf.WriteRetries; attempt++ {
		callCtx, cancel := s.callCtx(ctx)
		err = op(callCtx)
		cancel()
		if err == nil || !errors.Is(err, errors.ErrTransient) {
			return err
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// Upsert validates and persists one record into the handle's generation.
func (s *Store) Upsert(ctx context.Context, h *NamespaceHandle, record *MemoryRecord) error {
	if record.CharacterID != h.CharacterID {
		return errors.Wrapf(errors.ErrInvariant, "record character %q does not match namespace %q", record.CharacterID, h.CharacterID)
	}

	point, err := pointFromRecord(record)
	if err != nil {
		return err
	}
	return s.retryWrite(ctx, func(ctx context.Context) error {
		return s.index.Upsert(ctx, h.Collection, []*Point{point})
	})
}

// Get fetches one record by id; ErrNotFound when it does not exist.
func (s *Store) Get(ctx context.Context, h *NamespaceHandle, id string) (*MemoryRecord, error) {
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()

	points, err := s.index.Fetch(callCtx, h.Collection, []string{id})
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "record %q does not exist in namespace %q", id, h.Logical)
	}
	return recordFromPoint(points[0])
}

// Scroll pages through the namespace in stable id order, applying payload
// filters. This is the read-only boundary operational tooling uses.
func (s *Store) Scroll(ctx context.Context, h *NamespaceHandle, filter *Filter, offset string, limit int) ([]*MemoryRecord, string, error) {
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()

	points, next, err := s.index.Scroll(callCtx, h.Collection, filter, offset, limit)
	if err != nil {
		return nil, "", err
	}

	records := make([]*MemoryRecord, 0, len(points))
	for _, point := range points {
		record, err := recordFromPoint(point)
		if err != nil {
			return nil, "", err
		}
		records = append(records, record)
	}
	return records, next, nil
}

// Search runs one similarity search over a single vector space.
func (s *Store) Search(ctx context.Context, h *NamespaceHandle, space Space, vector []float32, filter *Filter, limit int, scoreFloor float64) ([]*ScoredRecord, error) {
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()

	hits, err := s.index.Search(callCtx, h.Collection, space, vector, filter, limit, scoreFloor)
	if err != nil {
		return nil, err
	}

	results := make([]*ScoredRecord, 0, len(hits))
	for _, hit := range hits {
		record, err := recordFromPoint(&hit.Point)
		if err != nil {
			return nil, err
		}
		results = append(results, &ScoredRecord{Record: record, Score: hit.Score})
	}
	return results, nil
}

// SetFields applies a single-record payload mutation, the primitive the
// lifecycle and decay sweeps build on.
func (s *Store) SetFields(ctx context.Context, h *NamespaceHandle, id string, fields map[string]any) error {
	return s.retryWrite(ctx, func(ctx context.Context) error {
		return s.index.SetPayload(ctx, h.Collection, id, fields)
	})
}

// Delete removes records by id. Deletion is operator-only; decay never
// deletes.
func (s *Store) Delete(ctx context.Context, h *NamespaceHandle, ids []string) error {
	return s.retryWrite(ctx, func(ctx context.Context) error {
		return s.index.Delete(ctx, h.Collection, ids)
	})
}

func (s *Store) Count(ctx context.Context, h *NamespaceHandle) (uint64, error) {
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	return s.index.Count(callCtx, h.Collection)
}

// Touch records a retrieval hit: bumps last_accessed_at and maintains the
// sliding access window the promotion rule reads. window is the promotion
// window; a window that has slid past restarts the count.
func (s *Store) Touch(ctx context.Context, h *NamespaceHandle, id string, window time.Duration) error {
	record, err := s.Get(ctx, h, id)
	if err != nil {
		return err
	}

	now := s.clock()
	windowStart := record.AccessWindowStart
	count := record.AccessCount
	if windowStart.IsZero() || (window > 0 && now.Sub(windowStart) > window) {
		windowStart = now
		count = 0
	}
	count++

	return s.SetFields(ctx, h, id, map[string]any{
		"last_accessed_at":    now.Unix(),
		"access_count":        int64(count),
		"access_window_start": windowStart.Unix(),
	})
}

func pointFromRecord(record *MemoryRecord) (*Point, error) {
	payload, err := payloadFromRecord(record)
	if err != nil {
		return nil, err
	}

	point := &Point{
		ID:      record.ID,
		Vectors: map[Space][]float32{},
		Payload: payload,
	}
	// Placeholder spaces carry no index vector; they are advertised in the
	// payload and filled by the migration backfill.
	for space, vec := range record.Vectors {
		if vec.Placeholder {
			continue
		}
		point.Vectors[space] = vec.Values
	}
	return point, nil
}

func recordFromPoint(point *Point) (*MemoryRecord, error) {
	return recordFromPayload(point.ID, point.Payload, point.Vectors)
}

package memory

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/eidetic-ai/memvault/config"
	"github.com/eidetic-ai/memvault/errors"
)

type (
	// DecayEngine computes significance decay and enforces protection flags.
	// Decay reduces significance, never deletes; protection exempts a record
	// from decay entirely until it is lifted.
	DecayEngine struct {
		store  *Store
		conf   *config.MemoryConfig
		logger *slog.Logger
		clock  func() time.Time
	}

	DecayReport struct {
		Processed int
		Decayed   int
		Protected int
		Skipped   int
	}
)

func NewDecayEngine(store *Store, conf *config.MemoryConfig, logger *slog.Logger) *DecayEngine {
	return &DecayEngine{
		store:  store,
		conf:   conf,
		logger: logger,
		clock:  time.Now,
	}
}

// Protect exempts a record from decay. Takes effect from the next decay
// sweep; decay already applied is not undone.
func (e *DecayEngine) Protect(ctx context.Context, h *NamespaceHandle, recordID string, reason string) error {
	if _, err := e.store.Get(ctx, h, recordID); err != nil {
		return err
	}
	return e.store.SetFields(ctx, h, recordID, map[string]any{
		"decay_protected":   true,
		"protection_reason": reason,
	})
}

// Unprotect lifts protection; subsequent sweeps decay the record normally.
func (e *DecayEngine) Unprotect(ctx context.Context, h *NamespaceHandle, recordID string, reason string) error {
	if _, err := e.store.Get(ctx, h, recordID); err != nil {
		return err
	}
	e.logger.Info("protection lifted",
		slog.String("namespace", h.Logical),
		slog.String("record", recordID),
		slog.String("reason", reason),
	)
	return e.store.SetFields(ctx, h, recordID, map[string]any{
		"decay_protected":   false,
		"protection_reason": "",
	})
}

// ListDecayCandidates returns the unprotected records at or below the
// significance threshold, ordered by (significance, created_at) ascending.
// Callers rely on this worst-first ordering for eviction-style processing.
func (e *DecayEngine) ListDecayCandidates(ctx context.Context, h *NamespaceHandle, threshold float64) ([]*MemoryRecord, error) {
	unprotected := false
	filter := &Filter{
		DecayProtected:  &unprotected,
		MaxSignificance: &threshold,
	}

	var candidates []*MemoryRecord
	offset := ""
	for {
		records, next, err := e.store.Scroll(ctx, h, filter, offset, e.conf.BackfillBatchSize)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, records...)
		if next == "" {
			break
		}
		offset = next
	}

	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Significance != candidates[b].Significance {
			return candidates[a].Significance < candidates[b].Significance
		}
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})
	return candidates, nil
}

// ApplyDecay reduces each unprotected record's significance by
// significance*rate, flooring at zero. Records younger than the minimum-age
// floor are skipped so brand-new memories are not eroded. Every mutation is a
// single-record upsert, safe to run concurrently with reads and with the
// lifecycle sweep.
func (e *DecayEngine) ApplyDecay(ctx context.Context, h *NamespaceHandle, rate float64) (*DecayReport, error) {
	if rate <= 0 || rate > 1 {
		return nil, errors.Wrapf(errors.ErrInvariant, "decay rate %v outside (0.0, 1.0]", rate)
	}

	report := &DecayReport{}
	now := e.clock()

	offset := ""
	for {
		records, next, err := e.store.Scroll(ctx, h, nil, offset, e.conf.BackfillBatchSize)
		if err != nil {
			return report, err
		}

		for _, record := range records {
			if err := ctx.Err(); err != nil {
				return report, errors.WithStack(err)
			}
			report.Processed++

			if record.DecayProtected {
				report.Protected++
				continue
			}
			if record.Age(now) < e.conf.DecayMinAge {
				report.Skipped++
				continue
			}

			decayed := record.Significance - record.Significance*rate
			if decayed < 0 {
				decayed = 0
			}

			if err := e.store.SetFields(ctx, h, record.ID, map[string]any{
				"significance": decayed,
			}); err != nil {
				report.Skipped++
				e.logger.Warn("decay update failed",
					slog.String("namespace", h.Logical),
					slog.String("record", record.ID),
					slog.Any("error", err),
				)
				continue
			}
			report.Decayed++
		}

		if next == "" {
			break
		}
		offset = next
	}

	e.logger.Debug("decay sweep finished",
		slog.String("namespace", h.Logical),
		slog.Int("processed", report.Processed),
		slog.Int("decayed", report.Decayed),
		slog.Int("protected", report.Protected),
		slog.Int("skipped", report.Skipped),
	)
	return report, nil
}

package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/eidetic-ai/memvault/config"
	"github.com/eidetic-ai/memvault/errors"
)

type (
	// LifecycleManager governs tier transitions. It runs as a periodic sweep
	// per namespace, never inline with request handling, and mutates nothing
	// but tier and tier_changed_at, one record at a time.
	LifecycleManager struct {
		store  *Store
		conf   *config.MemoryConfig
		logger *slog.Logger
		clock  func() time.Time
	}

	LifecycleReport struct {
		Scanned  int
		Promoted int
		Demoted  int
		Failed   int
	}
)

func NewLifecycleManager(store *Store, conf *config.MemoryConfig, logger *slog.Logger) *LifecycleManager {
	return &LifecycleManager{
		store:  store,
		conf:   conf,
		logger: logger,
		clock:  time.Now,
	}
}

// Sweep walks the namespace and applies due promotions and demotions. A
// failing record is logged and skipped, never fatal to the sweep.
func (m *LifecycleManager) Sweep(ctx context.Context, h *NamespaceHandle) (*LifecycleReport, error) {
	report := &LifecycleReport{}
	now := m.clock()

	offset := ""
	for {
		records, next, err := m.store.Scroll(ctx, h, nil, offset, m.conf.BackfillBatchSize)
		if err != nil {
			return report, err
		}

		for _, record := range records {
			if err := ctx.Err(); err != nil {
				return report, errors.WithStack(err)
			}
			report.Scanned++

			target := m.targetTier(record, now)
			if target == record.Tier {
				continue
			}

			if err := m.store.SetFields(ctx, h, record.ID, map[string]any{
				"tier":            string(target),
				"tier_changed_at": now.Unix(),
			}); err != nil {
				report.Failed++
				m.logger.Warn("lifecycle transition failed",
					slog.String("namespace", h.Logical),
					slog.String("record", record.ID),
					slog.String("target", string(target)),
					slog.Any("error", err),
				)
				continue
			}

			if target == TierLongTerm {
				report.Promoted++
			} else {
				report.Demoted++
			}
		}

		if next == "" {
			break
		}
		offset = next
	}

	m.logger.Debug("lifecycle sweep finished",
		slog.String("namespace", h.Logical),
		slog.Int("scanned", report.Scanned),
		slog.Int("promoted", report.Promoted),
		slog.Int("demoted", report.Demoted),
	)
	return report, nil
}

// targetTier decides where a record belongs right now. The decision is
// idempotent: a record already in its target tier is left alone.
func (m *LifecycleManager) targetTier(record *MemoryRecord, now time.Time) Tier {
	switch record.Tier {
	case TierShortTerm:
		if record.Significance > m.conf.PromotionSignificance {
			return TierLongTerm
		}
		if record.AccessCount >= m.conf.PromotionAccessCount &&
			!record.AccessWindowStart.IsZero() &&
			now.Sub(record.AccessWindowStart) <= m.conf.PromotionWindow {
			return TierLongTerm
		}
		return TierShortTerm

	case TierLongTerm:
		idle := now.Sub(record.LastAccessedAt)
		if idle > m.conf.DemotionIdle && record.Significance < m.conf.DemotionSignificance {
			return TierShortTerm
		}
		return TierLongTerm

	default:
		return record.Tier
	}
}

package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/eidetic-ai/memvault/config"
	"github.com/eidetic-ai/memvault/internal/sweeplock"
)

type (
	// Sweeper periodically runs the lifecycle and decay passes over every
	// known namespace. Each (pass, namespace) pair is guarded by an advisory
	// lock so that overlapping runs, within one process or across replicas,
	// skip rather than double-apply.
	Sweeper struct {
		manager   *NamespaceManager
		lifecycle *LifecycleManager
		decay     *DecayEngine
		locker    sweeplock.Locker
		conf      *config.MemoryConfig
		logger    *slog.Logger
	}
)

func NewSweeper(
	manager *NamespaceManager,
	lifecycle *LifecycleManager,
	decay *DecayEngine,
	locker sweeplock.Locker,
	conf *config.MemoryConfig,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		manager:   manager,
		lifecycle: lifecycle,
		decay:     decay,
		locker:    locker,
		conf:      conf,
		logger:    logger,
	}
}

// Run blocks until ctx is done, sweeping every SweepInterval. The first sweep
// happens one interval after start, not immediately.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.conf.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", slog.Duration("interval", s.conf.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every namespace a single time. Per-namespace failures are
// logged and do not stop the remaining namespaces.
func (s *Sweeper) RunOnce(ctx context.Context) {
	for _, characterID := range s.manager.Characters() {
		handle, err := s.manager.Resolve(characterID)
		if err != nil {
			s.logger.Error("sweep skipped, namespace unresolved",
				slog.String("character_id", characterID),
				slog.Any("error", err),
			)
			continue
		}

		s.sweepNamespace(ctx, "lifecycle", handle, func(ctx context.Context) error {
			report, err := s.lifecycle.Sweep(ctx, handle)
			if err != nil {
				return err
			}
			s.logger.Info("lifecycle sweep done",
				slog.String("namespace", handle.Logical),
				slog.Int("scanned", report.Scanned),
				slog.Int("promoted", report.Promoted),
				slog.Int("demoted", report.Demoted),
				slog.Int("failed", report.Failed),
			)
			return nil
		})

		s.sweepNamespace(ctx, "decay", handle, func(ctx context.Context) error {
			report, err := s.decay.ApplyDecay(ctx, handle, s.conf.DecayRate)
			if err != nil {
				return err
			}
			s.logger.Info("decay sweep done",
				slog.String("namespace", handle.Logical),
				slog.Int("processed", report.Processed),
				slog.Int("decayed", report.Decayed),
				slog.Int("protected", report.Protected),
				slog.Int("skipped", report.Skipped),
			)
			return nil
		})
	}
}

func (s *Sweeper) sweepNamespace(ctx context.Context, kind string, handle *NamespaceHandle, sweep func(ctx context.Context) error) {
	if err := ctx.Err(); err != nil {
		return
	}

	key := "sweep:" + kind + ":" + handle.Logical
	release, acquired, err := s.locker.TryAcquire(ctx, key)
	if err != nil {
		s.logger.Error("sweep lock error",
			slog.String("key", key),
			slog.Any("error", err),
		)
		return
	}
	if !acquired {
		s.logger.Debug("sweep already running elsewhere", slog.String("key", key))
		return
	}
	defer release()

	if err := sweep(ctx); err != nil {
		s.logger.Error("sweep failed",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
}

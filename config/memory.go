package config

import "time"

// MemoryConfig carries every lifecycle, decay and retrieval knob of the memory
// engine. The source systems this replaces used conflicting defaults across
// one-off scripts; the values below are the single consistent set, and every
// one of them can be overridden by environment or by the embedding application.
type MemoryConfig struct {
	// SpaceProfile selects the vector-space set for new namespace generations:
	// "reduced" (content, emotion, semantic) or "full" (all seven spaces).
	SpaceProfile string `env:"MEMVAULT_SPACE_PROFILE"`

	// DefaultSignificance is assigned to newly written records.
	DefaultSignificance float64 `env:"MEMVAULT_DEFAULT_SIGNIFICANCE"`

	// Promotion: short_term -> long_term when a record was accessed at least
	// PromotionAccessCount times within PromotionWindow, or its significance
	// exceeds PromotionSignificance.
	PromotionAccessCount  int           `env:"MEMVAULT_PROMOTION_ACCESS_COUNT"`
	PromotionWindow       time.Duration `env:"MEMVAULT_PROMOTION_WINDOW"`
	PromotionSignificance float64       `env:"MEMVAULT_PROMOTION_SIGNIFICANCE"`

	// Demotion: long_term -> short_term when idle longer than DemotionIdle and
	// significance has decayed below DemotionSignificance.
	DemotionIdle         time.Duration `env:"MEMVAULT_DEMOTION_IDLE"`
	DemotionSignificance float64       `env:"MEMVAULT_DEMOTION_SIGNIFICANCE"`

	// DecayRate is the per-sweep exponential decay factor; DecayMinAge exempts
	// records younger than this from decay entirely.
	DecayRate   float64       `env:"MEMVAULT_DECAY_RATE"`
	DecayMinAge time.Duration `env:"MEMVAULT_DECAY_MIN_AGE"`

	// SweepInterval paces the background lifecycle and decay sweeps.
	SweepInterval time.Duration `env:"MEMVAULT_SWEEP_INTERVAL"`

	// Retrieval settings: per-space result cap, minimum similarity floor, and
	// how many of the returned records get their last_accessed_at touched.
	SearchLimit int     `env:"MEMVAULT_SEARCH_LIMIT"`
	ScoreFloor  float64 `env:"MEMVAULT_SCORE_FLOOR"`
	TouchTopN   int     `env:"MEMVAULT_TOUCH_TOP_N"`

	// BackfillBatchSize bounds how many records a migration backfill processes
	// between checkpoints.
	BackfillBatchSize int `env:"MEMVAULT_BACKFILL_BATCH_SIZE"`
}

func NewMemoryConfig() *MemoryConfig {
	config := &MemoryConfig{
		SpaceProfile:        "full",
		DefaultSignificance: 0.5,

		PromotionAccessCount:  2,
		PromotionWindow:       7 * 24 * time.Hour,
		PromotionSignificance: 0.8,

		DemotionIdle:         90 * 24 * time.Hour,
		DemotionSignificance: 0.3,

		DecayRate:   0.1,
		DecayMinAge: 24 * time.Hour,

		SweepInterval: time.Hour,

		SearchLimit: 20,
		ScoreFloor:  0.2,
		TouchTopN:   5,

		BackfillBatchSize: 256,
	}
	if err := resolveConfig(config); err != nil {
		return config
	}
	return config
}

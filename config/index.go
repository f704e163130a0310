package config

import "time"

// IndexConfig configures the vector index backend. The engine talks to the
// index through a capability interface; the backend selects which concrete
// client gets constructed at startup.
type IndexConfig struct {
	// Backend is one of "qdrant", "sqlite" or "memory".
	Backend string `env:"MEMVAULT_INDEX_BACKEND"`

	// Qdrant connection settings (gRPC).
	QdrantHost   string `env:"MEMVAULT_QDRANT_HOST"`
	QdrantPort   int    `env:"MEMVAULT_QDRANT_PORT"`
	QdrantAPIKey string `env:"MEMVAULT_QDRANT_API_KEY"`
	QdrantUseTLS bool   `env:"MEMVAULT_QDRANT_USE_TLS"`

	// SqlitePath is the database file for the embedded sqlite-vec backend.
	SqlitePath string `env:"MEMVAULT_SQLITE_PATH"`

	// MetaPath is the sqlite database holding alias registry rows, backfill
	// checkpoints and snapshot records.
	MetaPath string `env:"MEMVAULT_META_PATH"`

	// CallTimeout bounds every external index call; WriteRetries and
	// RetryBackoff govern the bounded retry on transient write failures.
	CallTimeout  time.Duration `env:"MEMVAULT_INDEX_CALL_TIMEOUT"`
	WriteRetries int           `env:"MEMVAULT_INDEX_WRITE_RETRIES"`
	RetryBackoff time.Duration `env:"MEMVAULT_INDEX_RETRY_BACKOFF"`

	// RedisAddr, when set, enables Redis-backed sweep locks so several engine
	// processes can share the sweep schedule.
	RedisAddr     string `env:"MEMVAULT_REDIS_ADDR"`
	RedisPassword string `env:"MEMVAULT_REDIS_PASSWORD"`
}

func NewIndexConfig() *IndexConfig {
	config := &IndexConfig{
		Backend:    "sqlite",
		QdrantHost: "localhost",
		QdrantPort: 6334,
		SqlitePath: "memvault.db",
		MetaPath:   "memvault-meta.db",

		CallTimeout:  10 * time.Second,
		WriteRetries: 3,
		RetryBackoff: 200 * time.Millisecond,
	}
	if err := resolveConfig(config); err != nil {
		return config
	}
	return config
}

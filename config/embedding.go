package config

type EmbeddingConfig struct {
	// OpenAIAPIKey enables the bundled OpenAI embedder. Deployments with their
	// own embedding service inject an Embedder instead and leave this empty.
	OpenAIAPIKey string `env:"OPENAI_API_KEY"`

	// Model is the embedding model identifier.
	Model string `env:"MEMVAULT_EMBEDDING_MODEL"`

	// Dimension is the vector length N, fixed per namespace generation.
	Dimension int `env:"MEMVAULT_EMBEDDING_DIMENSION"`
}

func NewEmbeddingConfig() *EmbeddingConfig {
	config := &EmbeddingConfig{
		Model:     "text-embedding-3-small",
		Dimension: 1536,
	}
	if err := resolveConfig(config); err != nil {
		return config
	}
	return config
}

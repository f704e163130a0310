package memory

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/eidetic-ai/memvault/errors"
)

type (
	// Embedder is the pluggable embedding function. Implementations must
	// return one vector per input text, all of the same fixed length.
	Embedder interface {
		Embed(ctx context.Context, texts ...string) ([][]float32, error)
	}

	// OpenAIEmbedder implements Embedder with the OpenAI embeddings API.
	OpenAIEmbedder struct {
		client    *openai.Client
		model     openai.EmbeddingModel
		dimension int
	}

	// StaticEmbedder is a deterministic, offline Embedder. Each token hashes
	// to a pseudo-random direction and a text embeds to the normalized sum of
	// its token directions, so texts sharing words land near each other. Used
	// by tests and by local deployments without an embedding service.
	StaticEmbedder struct {
		dimension int
	}
)

var (
	_ Embedder = (*OpenAIEmbedder)(nil)
	_ Embedder = (*StaticEmbedder)(nil)
)

func NewOpenAIEmbedder(apiKey string, model string, dimension int) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client:    openai.NewClient(apiKey),
		model:     openai.EmbeddingModel(model),
		dimension: dimension,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts ...string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      e.model,
		Dimensions: e.dimension,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create embeddings")
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.Errorf("embedding count mismatch: got %d, expected %d", len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		embeddings[i] = data.Embedding
	}
	return embeddings, nil
}

func NewStaticEmbedder(dimension int) *StaticEmbedder {
	return &StaticEmbedder{dimension: dimension}
}

func (e *StaticEmbedder) Embed(ctx context.Context, texts ...string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embeddings[i] = e.embedOne(text)
	}
	return embeddings, nil
}

func (e *StaticEmbedder) embedOne(text string) []float32 {
	vec := make([]float64, e.dimension)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,!?\"'()")
		if token == "" {
			continue
		}
		h := fnv.New64a()
		h.Write([]byte(token))
		rng := rand.New(rand.NewSource(int64(h.Sum64())))
		for d := range vec {
			vec[d] += rng.NormFloat64()
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, e.dimension)
	if norm == 0 {
		return out
	}
	for d, v := range vec {
		out[d] = float32(v / norm)
	}
	return out
}

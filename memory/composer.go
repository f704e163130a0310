package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/eidetic-ai/memvault/errors"
)

type (
	// Hints carries the optional signals the composer blends into the
	// auxiliary vector spaces of a record.
	Hints struct {
		EmotionTag          string
		RelationshipSummary string
		InteractionKind     string
		Timestamp           time.Time
	}

	// Composer turns raw text plus hints into the configured vector set. If
	// the embedding function fails for any configured space the whole
	// composition fails closed: a partially vectorized record is never
	// produced, because the router assumes all configured spaces are present
	// for every record in a namespace.
	Composer struct {
		embedder  Embedder
		spaces    []Space
		dimension int
		clock     func() time.Time
	}
)

func NewComposer(embedder Embedder, spaces []Space, dimension int) *Composer {
	return &Composer{
		embedder:  embedder,
		spaces:    spaces,
		dimension: dimension,
		clock:     time.Now,
	}
}

func (c *Composer) Spaces() []Space {
	return c.spaces
}

func (c *Composer) Dimension() int {
	return c.dimension
}

// Compose produces vectors for every configured space.
func (c *Composer) Compose(ctx context.Context, text string, hints *Hints) (VectorSet, error) {
	return c.ComposeSubset(ctx, c.spaces, text, hints)
}

// ComposeSubset produces vectors only for the requested spaces. The router
// uses this to skip auxiliary spaces on low-latency strategies, and the
// migration backfill uses it to fill missing spaces.
func (c *Composer) ComposeSubset(ctx context.Context, spaces []Space, text string, hints *Hints) (VectorSet, error) {
	if hints == nil {
		hints = &Hints{}
	}

	// One batched embedding call covers every space that needs one.
	var (
		embedSpaces []Space
		embedTexts  []string
	)
	set := VectorSet{}
	for _, space := range spaces {
		if space == SpaceTemporal {
			at := hints.Timestamp
			if at.IsZero() {
				at = c.clock()
			}
			set[space] = Vector{Values: temporalVector(at, c.dimension)}
			continue
		}
		embedSpaces = append(embedSpaces, space)
		embedTexts = append(embedTexts, c.embeddingText(space, text, hints))
	}

	if len(embedTexts) > 0 {
		embeddings, err := c.embedder.Embed(ctx, embedTexts...)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrEmbedding, "composition failed: %v", err)
		}
		if len(embeddings) != len(embedTexts) {
			return nil, errors.Wrapf(errors.ErrEmbedding, "embedding count mismatch: got %d, expected %d", len(embeddings), len(embedTexts))
		}
		for i, space := range embedSpaces {
			if len(embeddings[i]) != c.dimension {
				return nil, errors.Wrapf(errors.ErrEmbedding, "space %q vector has length %d, expected %d", space, len(embeddings[i]), c.dimension)
			}
			set[space] = Vector{Values: embeddings[i]}
		}
	}

	return set, nil
}

// embeddingText builds the per-space input for the shared embedding function.
// content and semantic embed the raw text; the auxiliary spaces blend hints in.
func (c *Composer) embeddingText(space Space, text string, hints *Hints) string {
	switch space {
	case SpaceEmotion:
		if hints.EmotionTag != "" {
			return fmt.Sprintf("emotion %s: %s", hints.EmotionTag, text)
		}
		return fmt.Sprintf("emotional tone of: %s", text)
	case SpaceRelationship:
		if hints.RelationshipSummary != "" {
			return fmt.Sprintf("relationship context (%s): %s", hints.RelationshipSummary, text)
		}
		return fmt.Sprintf("relationship context: %s", text)
	case SpacePersonality:
		parts := []string{"persona reflection"}
		if hints.EmotionTag != "" {
			parts = append(parts, "feeling "+hints.EmotionTag)
		}
		if hints.RelationshipSummary != "" {
			parts = append(parts, "with "+hints.RelationshipSummary)
		}
		return strings.Join(parts, ", ") + ": " + text
	case SpaceInteraction:
		kind := hints.InteractionKind
		if kind == "" {
			kind = "conversation"
		}
		return fmt.Sprintf("interaction %s: %s", kind, text)
	default:
		return text
	}
}

// temporalVector derives a vector directly from structured time fields, no
// embedding call involved: cyclical encodings of hour-of-day, day-of-week and
// day-of-month in the leading components, zero elsewhere.
func temporalVector(at time.Time, dimension int) []float32 {
	vec := make([]float32, dimension)
	if dimension < 6 {
		return vec
	}

	hour := float64(at.Hour()) / 24.0
	weekday := float64(at.Weekday()) / 7.0
	monthday := float64(at.Day()-1) / 31.0

	vec[0] = float32(math.Sin(2 * math.Pi * hour))
	vec[1] = float32(math.Cos(2 * math.Pi * hour))
	vec[2] = float32(math.Sin(2 * math.Pi * weekday))
	vec[3] = float32(math.Cos(2 * math.Pi * weekday))
	vec[4] = float32(math.Sin(2 * math.Pi * monthday))
	vec[5] = float32(math.Cos(2 * math.Pi * monthday))
	return vec
}

package memory

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/samber/lo"
	"github.com/spf13/cast"

	"github.com/eidetic-ai/memvault/errors"
)

type (
	// Space names one embedding dimension of a multi-vector record.
	Space string

	// Vector is one entry of a record's vector set. Placeholder marks a space
	// that has not been embedded yet (for example after a schema migration);
	// placeholder spaces are never scored by the router and are filled by the
	// migration backfill.
	Vector struct {
		Values      []float32
		Placeholder bool
	}

	// VectorSet maps each configured space to its vector.
	VectorSet map[Space]Vector

	Tier string

	Kind string

	Source string

	// MemoryRecord is the atomic unit of memory. A record belongs to exactly
	// one namespace, determined by its CharacterId and the active generation.
	MemoryRecord struct {
		ID          string
		UserID      string
		CharacterID string

		Content            string
		UserUtterance      string
		AssistantUtterance string

		Vectors VectorSet

		Kind       Kind
		EmotionTag string
		Source     Source

		Tier             Tier
		TierChangedAt    *time.Time
		Significance     float64
		DecayProtected   bool
		ProtectionReason string

		CreatedAt      time.Time
		LastAccessedAt time.Time

		// Access bookkeeping for the promotion window.
		AccessCount       int
		AccessWindowStart time.Time

		// Extra is an extension map restricted to scalar values, validated at
		// the composer boundary so downstream components never branch on
		// untyped data.
		Extra map[string]any
	}

	// ScoredRecord is a retrieval result with its combined similarity score.
	ScoredRecord struct {
		Record *MemoryRecord
		Score  float64
	}
)

const (
	SpaceContent      Space = "content"
	SpaceEmotion      Space = "emotion"
	SpaceSemantic     Space = "semantic"
	SpaceRelationship Space = "relationship"
	SpacePersonality  Space = "personality"
	SpaceInteraction  Space = "interaction"
	SpaceTemporal     Space = "temporal"

	TierShortTerm Tier = "short_term"
	TierLongTerm  Tier = "long_term"

	KindConversation Kind = "conversation"
	KindFact         Kind = "fact"
	KindSummary      Kind = "summary"

	SourceLive     Source = "live"
	SourceImported Source = "imported"
)

// ReducedSpaces is the 3-space deployment profile.
func ReducedSpaces() []Space {
	return []Space{SpaceContent, SpaceEmotion, SpaceSemantic}
}

// FullSpaces is the 7-space deployment profile.
func FullSpaces() []Space {
	return []Space{
		SpaceContent, SpaceEmotion, SpaceSemantic,
		SpaceRelationship, SpacePersonality, SpaceInteraction, SpaceTemporal,
	}
}

func SpacesForProfile(profile string) ([]Space, error) {
	switch profile {
	case "reduced":
		return ReducedSpaces(), nil
	case "full", "":
		return FullSpaces(), nil
	default:
		return nil, errors.Wrapf(errors.ErrConfiguration, "unknown space profile %q", profile)
	}
}

// Validate enforces the record invariants before persistence.
func (r *MemoryRecord) Validate() error {
	if r.ID == "" {
		return errors.Wrapf(errors.ErrInvariant, "record id is empty")
	}
	if r.UserID == "" || r.CharacterID == "" {
		return errors.Wrapf(errors.ErrInvariant, "record owner fields are incomplete")
	}
	if r.Significance < 0.0 || r.Significance > 1.0 {
		return errors.Wrapf(errors.ErrInvariant, "significance %v outside [0.0, 1.0]", r.Significance)
	}
	if r.Tier != TierShortTerm && r.Tier != TierLongTerm {
		return errors.Wrapf(errors.ErrInvariant, "unknown tier %q", r.Tier)
	}
	for key, value := range r.Extra {
		switch value.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		default:
			return errors.Wrapf(errors.ErrInvariant, "extension field %q is not a scalar", key)
		}
	}
	return nil
}

// Age reports how old the record is at the given instant.
func (r *MemoryRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// PresentSpaces lists the spaces carrying real (non-placeholder) vectors.
func (r *MemoryRecord) PresentSpaces() []Space {
	spaces := make([]Space, 0, len(r.Vectors))
	for space, vec := range r.Vectors {
		if !vec.Placeholder {
			spaces = append(spaces, space)
		}
	}
	return spaces
}

// recordPayload is the flat scalar representation stored alongside the
// vectors in the index. Timestamps travel as unix seconds so the index can
// keep numeric range filters over them.
type recordPayload struct {
	UserID      string `mapstructure:"user_id"`
	CharacterID string `mapstructure:"character_id"`

	Content            string `mapstructure:"content"`
	UserUtterance      string `mapstructure:"user_utterance,omitempty"`
	AssistantUtterance string `mapstructure:"assistant_utterance,omitempty"`

	Kind       string `mapstructure:"kind"`
	EmotionTag string `mapstructure:"emotion_tag,omitempty"`
	Source     string `mapstructure:"source"`

	Tier             string  `mapstructure:"tier"`
	TierChangedAt    int64   `mapstructure:"tier_changed_at"`
	Significance     float64 `mapstructure:"significance"`
	DecayProtected   bool    `mapstructure:"decay_protected"`
	ProtectionReason string  `mapstructure:"protection_reason,omitempty"`

	CreatedAt      int64 `mapstructure:"created_at"`
	LastAccessedAt int64 `mapstructure:"last_accessed_at"`

	AccessCount       int64 `mapstructure:"access_count"`
	AccessWindowStart int64 `mapstructure:"access_window_start"`

	// Spaces and PlaceholderSpaces communicate which vector spaces the record
	// carries, and which of those are still pending re-embedding.
	Spaces            []string `mapstructure:"spaces"`
	PlaceholderSpaces []string `mapstructure:"placeholder_spaces,omitempty"`
}

const extraFieldPrefix = "x_"

func payloadFromRecord(r *MemoryRecord) (map[string]any, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	p := recordPayload{
		UserID:             r.UserID,
		CharacterID:        r.CharacterID,
		Content:            r.Content,
		UserUtterance:      r.UserUtterance,
		AssistantUtterance: r.AssistantUtterance,
		Kind:               string(r.Kind),
		EmotionTag:         r.EmotionTag,
		Source:             string(r.Source),
		Tier:               string(r.Tier),
		Significance:       r.Significance,
		DecayProtected:     r.DecayProtected,
		ProtectionReason:   r.ProtectionReason,
		CreatedAt:          r.CreatedAt.Unix(),
		LastAccessedAt:     r.LastAccessedAt.Unix(),
		AccessCount:        int64(r.AccessCount),
	}
	if r.TierChangedAt != nil {
		p.TierChangedAt = r.TierChangedAt.Unix()
	}
	if !r.AccessWindowStart.IsZero() {
		p.AccessWindowStart = r.AccessWindowStart.Unix()
	}
	for space, vec := range r.Vectors {
		p.Spaces = append(p.Spaces, string(space))
		if vec.Placeholder {
			p.PlaceholderSpaces = append(p.PlaceholderSpaces, string(space))
		}
	}

	payload := map[string]any{}
	if err := mapstructure.Decode(p, &payload); err != nil {
		return nil, errors.Wrapf(err, "failed to encode record payload")
	}
	for key, value := range r.Extra {
		payload[extraFieldPrefix+key] = value
	}
	return payload, nil
}

func recordFromPayload(id string, payload map[string]any, vectors map[Space][]float32) (*MemoryRecord, error) {
	var p recordPayload
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := decoder.Decode(payload); err != nil {
		return nil, errors.Wrapf(err, "failed to decode record payload for %s", id)
	}

	r := &MemoryRecord{
		ID:                 id,
		UserID:             p.UserID,
		CharacterID:        p.CharacterID,
		Content:            p.Content,
		UserUtterance:      p.UserUtterance,
		AssistantUtterance: p.AssistantUtterance,
		Vectors:            VectorSet{},
		Kind:               Kind(p.Kind),
		EmotionTag:         p.EmotionTag,
		Source:             Source(p.Source),
		Tier:               Tier(p.Tier),
		Significance:       p.Significance,
		DecayProtected:     p.DecayProtected,
		ProtectionReason:   p.ProtectionReason,
		CreatedAt:          time.Unix(p.CreatedAt, 0).UTC(),
		LastAccessedAt:     time.Unix(p.LastAccessedAt, 0).UTC(),
		AccessCount:        int(p.AccessCount),
	}
	if p.TierChangedAt > 0 {
		t := time.Unix(p.TierChangedAt, 0).UTC()
		r.TierChangedAt = &t
	}
	if p.AccessWindowStart > 0 {
		r.AccessWindowStart = time.Unix(p.AccessWindowStart, 0).UTC()
	}

	placeholders := lo.SliceToMap(p.PlaceholderSpaces, func(s string) (Space, bool) {
		return Space(s), true
	})
	for _, name := range p.Spaces {
		space := Space(name)
		vec := Vector{Placeholder: placeholders[space]}
		if values, ok := vectors[space]; ok {
			vec.Values = values
		}
		r.Vectors[space] = vec
	}

	for key, value := range payload {
		if len(key) <= len(extraFieldPrefix) || key[:len(extraFieldPrefix)] != extraFieldPrefix {
			continue
		}
		if r.Extra == nil {
			r.Extra = map[string]any{}
		}
		r.Extra[key[len(extraFieldPrefix):]] = normalizeScalar(value)
	}

	return r, nil
}

// normalizeScalar collapses the numeric types index backends hand back
// (json.Number, float64, int64) into a stable scalar set.
func normalizeScalar(value any) any {
	switch value.(type) {
	case string, bool:
		return value
	case float32, float64:
		return cast.ToFloat64(value)
	default:
		if i, err := cast.ToInt64E(value); err == nil {
			return i
		}
		return cast.ToString(value)
	}
}

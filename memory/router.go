package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eidetic-ai/memvault/config"
	"github.com/eidetic-ai/memvault/errors"
)

type (
	// Intent is the classified purpose of an incoming query.
	Intent string

	// QueryHints carries optional signals accompanying a query. Intent, when
	// set, pins the fusion strategy instead of classifying.
	QueryHints struct {
		EmotionTag          string
		RelationshipSummary string
		Intent              Intent
	}

	// Router classifies queries, picks a vector-fusion strategy, fans the
	// search out across the weighted spaces and merges the results. It holds
	// no per-call state.
	Router struct {
		store    *Store
		composer *Composer
		conf     *config.MemoryConfig
		logger   *slog.Logger
	}

	spaceResult struct {
		space Space
		hits  []*ScoredRecord
		err   error
	}
)

const (
	IntentEmotionFocused  Intent = "emotion_focused"
	IntentSemanticFocused Intent = "semantic_focused"
	IntentBalanced        Intent = "balanced"
	IntentSimple          Intent = "simple"
)

// Lexical signal sets for classification. Hard emotion words put a query into
// emotional territory on their own; preference words only do so combined with
// other signals.
var (
	emotionWords = map[string]bool{
		"feel": true, "feels": true, "feeling": true, "feelings": true,
		"emotion": true, "emotions": true, "mood": true,
		"happy": true, "sad": true, "angry": true, "upset": true,
		"scared": true, "afraid": true, "anxious": true, "lonely": true,
		"excited": true, "worried": true, "miss": true, "missed": true,
		"cry": true, "crying": true, "hurt": true,
	}
	preferenceWords = map[string]bool{
		"enjoy": true, "enjoys": true, "like": true, "likes": true,
		"love": true, "loves": true, "hate": true, "hates": true,
		"favorite": true, "favourite": true, "prefer": true, "prefers": true,
		"fun": true,
	}
	factualMarkers = map[string]bool{
		"what": true, "when": true, "where": true, "who": true,
		"which": true, "why": true, "how": true,
		"explain": true, "define": true, "describe": true,
		"remember": true, "recall": true, "tell": true,
	}
)

// ClassifyQuery is a pure function of the query text and hints; it never
// consults the store.
func ClassifyQuery(text string, hints *QueryHints) Intent {
	if hints != nil && hints.Intent != "" {
		return hints.Intent
	}

	var emotional, preference, factual bool
	if hints != nil && hints.EmotionTag != "" {
		emotional = true
	}

	tokens := strings.Fields(strings.ToLower(text))
	for _, token := range tokens {
		token = strings.Trim(token, ".,!?\"'():;")
		switch {
		case emotionWords[token]:
			emotional = true
		case preferenceWords[token]:
			preference = true
		case factualMarkers[token]:
			factual = true
		}
	}

	switch {
	case emotional && factual:
		return IntentBalanced
	case emotional:
		return IntentEmotionFocused
	case factual && preference:
		return IntentBalanced
	case factual:
		return IntentSemanticFocused
	case len(tokens) <= 6 && !preference:
		return IntentSimple
	default:
		return IntentBalanced
	}
}

func NewRouter(store *Store, composer *Composer, conf *config.MemoryConfig, logger *slog.Logger) *Router {
	return &Router{
		store:    store,
		composer: composer,
		conf:     conf,
		logger:   logger,
	}
}

// strategyWeights maps an intent to per-space weights, renormalized over the
// spaces the namespace actually carries. A reduced deployment silently falls
// back to its available spaces; this never errors.
func strategyWeights(intent Intent, available []Space) map[Space]float64 {
	var preferred map[Space]float64
	switch intent {
	case IntentEmotionFocused:
		preferred = map[Space]float64{SpaceEmotion: 0.7, SpaceContent: 0.3}
	case IntentSemanticFocused:
		preferred = map[Space]float64{SpaceSemantic: 0.7, SpaceContent: 0.3}
	case IntentSimple:
		preferred = map[Space]float64{SpaceContent: 1.0}
	default: // balanced: even weighting across all configured spaces
		preferred = map[Space]float64{}
		for _, space := range available {
			preferred[space] = 1.0
		}
	}

	weights := map[Space]float64{}
	var total float64
	for _, space := range available {
		if w, ok := preferred[space]; ok && w > 0 {
			weights[space] = w
			total += w
		}
	}
	if len(weights) == 0 {
		// None of the strategy's spaces exist here; fall back to everything.
		for _, space := range available {
			weights[space] = 1.0
			total += 1.0
		}
	}
	for space := range weights {
		weights[space] /= total
	}
	return weights
}

// Query classifies, embeds, fans out one similarity search per weighted
// space, merges by weighted score sum and ranks. The only mutation on the
// read path is the fire-and-forget access touch on the returned top window.
func (r *Router) Query(ctx context.Context, h *NamespaceHandle, userID string, text string, hints *QueryHints) ([]*ScoredRecord, error) {
	intent := ClassifyQuery(text, hints)
	weights := strategyWeights(intent, h.Spaces)

	spaces := make([]Space, 0, len(weights))
	for space := range weights {
		spaces = append(spaces, space)
	}
	sort.Slice(spaces, func(a, b int) bool { return spaces[a] < spaces[b] })

	composerHints := &Hints{}
	if hints != nil {
		composerHints.EmotionTag = hints.EmotionTag
		composerHints.RelationshipSummary = hints.RelationshipSummary
	}
	queryVectors, err := r.composer.ComposeSubset(ctx, spaces, text, composerHints)
	if err != nil {
		return nil, err
	}

	filter := &Filter{UserID: userID}

	// One search per weighted space, concurrently; a slow or failing space
	// degrades the result instead of failing the read.
	results := make(chan spaceResult, len(spaces))
	var wg sync.WaitGroup
	for _, space := range spaces {
		wg.Add(1)
		go func(space Space) {
			defer wg.Done()
			hits, err := r.store.Search(ctx, h, space, queryVectors[space].Values, filter, r.conf.SearchLimit, r.conf.ScoreFloor)
			results <- spaceResult{space: space, hits: hits, err: err}
		}(space)
	}
	wg.Wait()
	close(results)

	type merged struct {
		record *MemoryRecord
		score  float64
	}
	byID := map[string]*merged{}
	responded := 0
	var lastErr error
	for res := range results {
		if res.err != nil {
			lastErr = res.err
			r.logger.Warn("space search failed",
				slog.String("namespace", h.Logical),
				slog.String("space", string(res.space)),
				slog.Any("error", res.err),
			)
			continue
		}
		responded++
		weight := weights[res.space]
		for _, hit := range res.hits {
			entry, ok := byID[hit.Record.ID]
			if !ok {
				entry = &merged{record: hit.Record}
				byID[hit.Record.ID] = entry
			}
			entry.score += weight * hit.Score
		}
	}
	if responded == 0 && lastErr != nil {
		return nil, lastErr
	}

	ranked := make([]*ScoredRecord, 0, len(byID))
	for _, entry := range byID {
		ranked = append(ranked, &ScoredRecord{Record: entry.record, Score: entry.score})
	}
	sort.Slice(ranked, func(a, b int) bool {
		if ranked[a].Score != ranked[b].Score {
			return ranked[a].Score > ranked[b].Score
		}
		return ranked[a].Record.ID < ranked[b].Record.ID
	})
	if len(ranked) > r.conf.SearchLimit {
		ranked = ranked[:r.conf.SearchLimit]
	}

	r.touchTop(ctx, h, ranked)
	return ranked, nil
}

// touchTop updates last_accessed_at for the top window of returned records.
// Failures are logged, never surfaced: a missed touch must not fail the read.
func (r *Router) touchTop(ctx context.Context, h *NamespaceHandle, ranked []*ScoredRecord) {
	topN := r.conf.TouchTopN
	if topN > len(ranked) {
		topN = len(ranked)
	}
	if topN <= 0 {
		return
	}

	ids := make([]string, 0, topN)
	for _, hit := range ranked[:topN] {
		ids = append(ids, hit.Record.ID)
	}

	touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	go func() {
		defer cancel()
		for _, id := range ids {
			if err := r.store.Touch(touchCtx, h, id, r.conf.PromotionWindow); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Debug("access touch failed",
					slog.String("namespace", h.Logical),
					slog.String("record", id),
					slog.Any("error", err),
				)
			}
		}
	}()
}

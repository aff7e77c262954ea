// Package retrieval ranks a story's shots against a free-text need using semantic, lexical and
// heuristic signals, producing the working set the planning and selection stages reason over.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/embedding"
	"github.com/heimdex/heimdex-compiler/internal/metrics"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

const DefaultMaxResults = 50

// Scoring modes, also used as metric labels.
const (
	ModeHybrid      = "hybrid"
	ModeDegraded    = "degraded"
	ModeFiltersOnly = "filters_only"
)

type Weights struct {
	Semantic  float64 `json:"semantic"`
	Lexical   float64 `json:"lexical"`
	Heuristic float64 `json:"heuristic"`
}

func (w Weights) withoutSemantic() Weights {
	sum := w.Lexical + w.Heuristic
	if sum <= 0 {
		return Weights{Heuristic: 1}
	}
	return Weights{Lexical: w.Lexical / sum, Heuristic: w.Heuristic / sum}
}

// Bonuses are the heuristic signals. Their sum is the heuristic maximum used for normalizing.
type Bonuses struct {
	Interview float64
	Face      float64
	Duration  float64
	UsableMin time.Duration
	UsableMax time.Duration
}

type Options struct {
	Weights Weights
	Bonuses Bonuses
}

func DefaultOptions() Options {
	return Options{
		Weights: Weights{Semantic: 0.6, Lexical: 0.3, Heuristic: 0.1},
		Bonuses: Bonuses{
			Interview: 0.5,
			Face:      0.3,
			Duration:  0.2,
			UsableMin: 3 * time.Second,
			UsableMax: 10 * time.Second,
		},
	}
}

// Query is one retrieval request.
type Query struct {
	StoryID    string
	Text       string
	Filters    shots.Filters
	MaxResults int
	// Neighbors is how many temporally adjacent shots may be added as context.
	Neighbors int
	Exclude   *Exclusions
}

// Scored is a shot with its score breakdown.
type Scored struct {
	Shot      shots.Shot `json:"shot"`
	Semantic  float64    `json:"semantic"`
	Lexical   float64    `json:"lexical"`
	Heuristic float64    `json:"heuristic"`
	Final     float64    `json:"final"`
	Context   bool       `json:"context,omitempty"`
}

type Engine struct {
	store   shots.Store
	health  *embedding.Health
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEngine builds an engine. health may be nil, in which case every text query runs degraded.
func NewEngine(store shots.Store, health *embedding.Health, opts Options, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{store: store, health: health, opts: opts, logger: logger, metrics: m}
}

func (e *Engine) Options() Options { return e.opts }

// Retrieve ranks the story's shots for q. Embedding trouble never fails the call; it sets
// WorkingSet.Degraded instead. Only store errors are returned.
func (e *Engine) Retrieve(ctx context.Context, q Query) (*WorkingSet, error) {
	if q.StoryID == "" {
		return nil, fmt.Errorf("story id is required")
	}
	maxResults := q.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	all, err := e.store.GetShots(ctx, q.StoryID, q.Filters)
	if err != nil {
		return nil, fmt.Errorf("load shots for %s: %w", q.StoryID, err)
	}

	pool := make([]shots.Shot, 0, len(all))
	for _, s := range all {
		if !q.Exclude.Contains(s.ID) {
			pool = append(pool, s)
		}
	}

	ws := &WorkingSet{StoryID: q.StoryID, Query: q.Text, Filters: q.Filters}
	text := strings.TrimSpace(q.Text)

	var semantic map[int64]float64
	weights := e.opts.Weights
	switch {
	case text == "":
		ws.Mode = ModeFiltersOnly
		weights = weights.withoutSemantic()
	default:
		semantic, ws.DegradedReason = e.semanticScores(ctx, q.StoryID, text, pool)
		if ws.DegradedReason != "" {
			ws.Mode = ModeDegraded
			ws.Degraded = true
			weights = weights.withoutSemantic()
			if e.logger != nil {
				e.logger.Warn("retrieval degraded to lexical scoring",
					"story", q.StoryID, "reason", ws.DegradedReason)
			}
		} else {
			ws.Mode = ModeHybrid
		}
	}
	ws.Weights = weights
	e.metrics.IncRetrieval(ws.Mode)

	queryTokens := tokenSet(text)
	scored := make([]Scored, len(pool))
	for i, s := range pool {
		sc := Scored{Shot: s}
		sc.Semantic = semantic[s.ID]
		sc.Lexical = jaccard(queryTokens, tokenSet(s.Text()))
		sc.Heuristic = e.heuristic(&pool[i])
		sc.Final = weights.Semantic*sc.Semantic + weights.Lexical*sc.Lexical + weights.Heuristic*sc.Heuristic
		scored[i] = sc
	}
	sortScored(scored)
	if len(scored) > maxResults {
		scored = scored[:maxResults]
	}
	ws.Candidates = scored

	if q.Neighbors > 0 && len(scored) > 0 {
		ctxShots, err := e.neighbors(ctx, q, scored)
		if err != nil {
			return nil, err
		}
		ws.Context = ctxShots
	}
	ws.summarize()

	if e.logger != nil {
		e.logger.Debug("working set built", "story", q.StoryID, "mode", ws.Mode,
			"candidates", len(ws.Candidates), "context", len(ws.Context))
	}
	return ws, nil
}

// semanticScores returns cosine similarities in [0,1], or a non-empty reason when semantic
// scoring cannot be used for this query.
func (e *Engine) semanticScores(ctx context.Context, storyID, text string, pool []shots.Shot) (map[int64]float64, string) {
	st := e.health.Get(ctx)
	if !st.Available {
		reason := "embedding provider unavailable"
		if st.Error != "" {
			reason += ": " + st.Error
		}
		return nil, reason
	}

	qv, err := e.health.Provider().EmbedText(ctx, text)
	if err != nil {
		return nil, "query embedding failed: " + err.Error()
	}
	if len(qv) == 0 {
		return nil, "query embedding is empty"
	}

	out := make(map[int64]float64, len(pool))
	matched := 0

	if idx, ok := e.store.(shots.VectorIndex); ok {
		ids := make([]int64, len(pool))
		for i := range pool {
			ids[i] = pool[i].ID
		}
		sims, err := idx.Similarities(ctx, storyID, qv, ids)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("vector index query failed, scoring in process", "error", err)
			}
		} else {
			for id, sim := range sims {
				out[id] = clamp01(sim)
				matched++
			}
		}
	}

	for i := range pool {
		s := &pool[i]
		best, ok := out[s.ID]
		if !ok && len(s.TextEmbedding) == len(qv) {
			best, ok = clamp01(embedding.Cosine(qv, s.TextEmbedding)), true
			matched++
		}
		if len(s.VisualEmbedding) == len(qv) {
			if v := clamp01(embedding.Cosine(qv, s.VisualEmbedding)); !ok || v > best {
				if !ok {
					matched++
				}
				best, ok = v, true
			}
		}
		if ok {
			out[s.ID] = best
		}
	}

	if matched == 0 && len(pool) > 0 {
		return nil, fmt.Sprintf("no shot vector matches query dimension %d", len(qv))
	}
	return out, ""
}

func (e *Engine) heuristic(s *shots.Shot) float64 {
	b := e.opts.Bonuses
	ceiling := b.Interview + b.Face + b.Duration
	if ceiling <= 0 {
		return 0
	}
	var score float64
	if s.IsInterview() {
		score += b.Interview
	}
	if s.HasFace {
		score += b.Face
	}
	if d := s.Duration(); d >= b.UsableMin && d <= b.UsableMax {
		score += b.Duration
	}
	return score / ceiling
}

// neighbors walks the candidates in rank order and adds the previous and next shot by capture
// time until the budget is spent. Filters do not apply to context shots; exclusions do.
func (e *Engine) neighbors(ctx context.Context, q Query, ranked []Scored) ([]Scored, error) {
	story, err := e.store.GetShots(ctx, q.StoryID, shots.Filters{})
	if err != nil {
		return nil, fmt.Errorf("load story timeline: %w", err)
	}
	sort.SliceStable(story, func(i, j int) bool { return capturedBefore(&story[i], &story[j]) })

	pos := make(map[int64]int, len(story))
	for i := range story {
		pos[story[i].ID] = i
	}
	taken := make(map[int64]bool, len(ranked))
	for _, sc := range ranked {
		taken[sc.Shot.ID] = true
	}

	budget := q.Neighbors
	var out []Scored
	add := func(i int) {
		if budget <= 0 || i < 0 || i >= len(story) {
			return
		}
		s := story[i]
		if taken[s.ID] || q.Exclude.Contains(s.ID) {
			return
		}
		taken[s.ID] = true
		out = append(out, Scored{Shot: s, Heuristic: e.heuristic(&s), Context: true})
		budget--
	}
	for _, sc := range ranked {
		if budget <= 0 {
			break
		}
		p, ok := pos[sc.Shot.ID]
		if !ok {
			continue
		}
		add(p - 1)
		add(p + 1)
	}
	return out, nil
}

// sortScored orders by final score descending, then earlier capture, then lower id.
func sortScored(list []Scored) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Final != list[j].Final {
			return list[i].Final > list[j].Final
		}
		return capturedBefore(&list[i].Shot, &list[j].Shot)
	})
}

func capturedBefore(a, b *shots.Shot) bool {
	if !a.CapturedAt.Equal(b.CapturedAt) {
		return a.CapturedAt.Before(b.CapturedAt)
	}
	return a.ID < b.ID
}

func tokenSet(text string) map[string]struct{} {
	toks := embedding.Tokenize(text)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Package continuity annotates a sequence with per-shot quality, transition compatibility and
// warnings the selection stage should respect. Annotation is optional: selection works on plain
// sequences when no annotator is configured.
package continuity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/edit"
	"github.com/heimdex/heimdex-compiler/internal/embedding"
	"github.com/heimdex/heimdex-compiler/internal/sequence"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

// Warning types.
const (
	WarnJumpCut         = "jump_cut"
	WarnRepeatedFraming = "repeated_framing"
	WarnShortShot       = "short_shot"
)

// Annotator enriches one sequence for the selection of one beat. prior holds the shots already
// committed to earlier beats, last one last.
type Annotator interface {
	Analyze(ctx context.Context, seq *sequence.Sequence, prior []shots.Shot, beat edit.Beat) (*Analysis, error)
}

type ShotNote struct {
	QualityScore   float64 `json:"quality_score"`
	CompatibleWith []int64 `json:"compatible_with,omitempty"`
	AvoidWith      []int64 `json:"avoid_with,omitempty"`
}

type Warning struct {
	Type        string        `json:"type"`
	ShotPair    [2]int64      `json:"shot_pair"`
	Severity    edit.Severity `json:"severity"`
	Description string        `json:"description"`
}

// Analysis is the annotation of one sequence.
type Analysis struct {
	Sequence                string             `json:"sequence"`
	PerShot                 map[int64]ShotNote `json:"per_shot"`
	RecommendedProgressions [][]int64          `json:"recommended_progressions,omitempty"`
	Warnings                []Warning          `json:"warnings,omitempty"`
}

// Note returns the per-shot note, zero if the shot was not annotated.
func (a *Analysis) Note(id int64) ShotNote {
	if a == nil {
		return ShotNote{}
	}
	return a.PerShot[id]
}

// HeuristicAnnotator derives continuity from shot sizes, visual vectors and durations, with no
// external call.
type HeuristicAnnotator struct {
	// JumpCutSimilarity is the visual similarity at or above which two shots of the same size
	// cut as a jump cut.
	JumpCutSimilarity float64
	logger            *slog.Logger
}

func NewHeuristicAnnotator(logger *slog.Logger) *HeuristicAnnotator {
	return &HeuristicAnnotator{JumpCutSimilarity: 0.92, logger: logger}
}

func (h *HeuristicAnnotator) Analyze(ctx context.Context, seq *sequence.Sequence, prior []shots.Shot, beat edit.Beat) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if seq == nil {
		return nil, fmt.Errorf("analyze: nil sequence")
	}

	a := &Analysis{Sequence: seq.Name, PerShot: make(map[int64]ShotNote, len(seq.Shots))}
	list := seq.Shots
	for i := range list {
		a.PerShot[list[i].ID] = ShotNote{QualityScore: quality(&list[i])}
		if list[i].Duration() > 0 && list[i].Duration() < 2*time.Second {
			a.Warnings = append(a.Warnings, Warning{
				Type:        WarnShortShot,
				ShotPair:    [2]int64{list[i].ID, list[i].ID},
				Severity:    edit.SeverityLow,
				Description: fmt.Sprintf("Shot %d runs only %.1fs", list[i].ID, list[i].Duration().Seconds()),
			})
		}
	}

	for i := range list {
		for j := i + 1; j < len(list); j++ {
			x, y := &list[i], &list[j]
			switch {
			case h.jumpCut(x, y):
				h.link(a, x.ID, y.ID, false)
				a.Warnings = append(a.Warnings, Warning{
					Type:     WarnJumpCut,
					ShotPair: [2]int64{x.ID, y.ID},
					Severity: edit.SeverityHigh,
					Description: fmt.Sprintf("Shots %d and %d share %s framing and look alike; cutting between them jumps",
						x.ID, y.ID, strings.ToLower(x.ShotSize())),
				})
			case x.ShotSize() != y.ShotSize() || x.ShotSize() == "":
				h.link(a, x.ID, y.ID, true)
			}
		}
	}

	if len(prior) > 0 {
		last := &prior[len(prior)-1]
		for i := range list {
			s := &list[i]
			if s.ID == last.ID || s.ShotSize() == "" || s.ShotSize() != last.ShotSize() {
				continue
			}
			if h.similar(last, s) || (s.Location != "" && strings.EqualFold(s.Location, last.Location)) {
				a.Warnings = append(a.Warnings, Warning{
					Type:     WarnRepeatedFraming,
					ShotPair: [2]int64{last.ID, s.ID},
					Severity: edit.SeverityMedium,
					Description: fmt.Sprintf("Shot %d repeats the framing of shot %d that closes the previous beat",
						s.ID, last.ID),
				})
			}
		}
	}

	a.RecommendedProgressions = h.progressions(list, a)

	if h.logger != nil {
		h.logger.Debug("sequence annotated", "sequence", seq.Name, "beat", beat.Number,
			"warnings", len(a.Warnings), "progressions", len(a.RecommendedProgressions))
	}
	return a, nil
}

func (h *HeuristicAnnotator) jumpCut(x, y *shots.Shot) bool {
	return x.ShotSize() != "" && x.ShotSize() == y.ShotSize() && h.similar(x, y)
}

func (h *HeuristicAnnotator) similar(x, y *shots.Shot) bool {
	if len(x.VisualEmbedding) == 0 || len(x.VisualEmbedding) != len(y.VisualEmbedding) {
		return false
	}
	return embedding.Cosine(x.VisualEmbedding, y.VisualEmbedding) >= h.JumpCutSimilarity
}

func (h *HeuristicAnnotator) link(a *Analysis, x, y int64, compatible bool) {
	nx, ny := a.PerShot[x], a.PerShot[y]
	if compatible {
		nx.CompatibleWith = append(nx.CompatibleWith, y)
		ny.CompatibleWith = append(ny.CompatibleWith, x)
	} else {
		nx.AvoidWith = append(nx.AvoidWith, y)
		ny.AvoidWith = append(ny.AvoidWith, x)
	}
	a.PerShot[x], a.PerShot[y] = nx, ny
}

// progressions chains shots from wide to tight in capture order, taking the next size step at
// each link and skipping pairs marked avoid. Each shot is used in at most one chain; chains
// shorter than two are dropped.
func (h *HeuristicAnnotator) progressions(list []shots.Shot, a *Analysis) [][]int64 {
	used := map[int64]bool{}
	var out [][]int64
	for {
		var chain []int64
		lastRank, pos := -1, -1
		for {
			next, nextRank := -1, 0
			for j := pos + 1; j < len(list); j++ {
				s := &list[j]
				r := sizeRank(s.ShotSize())
				if used[s.ID] || r <= lastRank {
					continue
				}
				if len(chain) > 0 && avoids(a, chain[len(chain)-1], s.ID) {
					continue
				}
				if next < 0 || r < nextRank {
					next, nextRank = j, r
				}
			}
			if next < 0 {
				break
			}
			chain = append(chain, list[next].ID)
			lastRank, pos = nextRank, next
		}
		if len(chain) < 2 {
			return out
		}
		for _, id := range chain {
			used[id] = true
		}
		out = append(out, chain)
	}
}

func avoids(a *Analysis, x, y int64) bool {
	for _, id := range a.PerShot[x].AvoidWith {
		if id == y {
			return true
		}
	}
	return false
}

// sizeRank orders framing from widest to tightest; unknown sizes rank -1.
func sizeRank(size string) int {
	switch {
	case size == "":
		return -1
	case strings.Contains(size, "WIDE") || strings.Contains(size, "ESTABLISH"):
		return 0
	case strings.Contains(size, "MEDIUM") || strings.Contains(size, "MID"):
		return 1
	case strings.Contains(size, "CLOSE") || strings.Contains(size, "CU"):
		return 2
	}
	return -1
}

// quality scores a shot on 0..10 from the analysis quality when present, else from duration and
// content flags.
func quality(s *shots.Shot) float64 {
	q := 6.0
	if s.Visual != nil && s.Visual.Quality > 0 {
		q = s.Visual.Quality
		if q <= 1 {
			q *= 10
		}
	}
	d := s.Duration()
	switch {
	case d >= 3*time.Second && d <= 10*time.Second:
		q += 1
	case d > 0 && d < 2*time.Second:
		q -= 2
	}
	if s.HasFace {
		q += 0.5
	}
	if q > 10 {
		q = 10
	}
	if q < 0 {
		q = 0
	}
	return q
}

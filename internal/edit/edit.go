// Package edit holds the data model shared by the planning, selection and verification stages:
// beats, shot selections, verification reports and the final ordered edit.
package edit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Beat is one narrative segment of the plan.
type Beat struct {
	Number         int      `json:"beat_number"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Purpose        string   `json:"purpose,omitempty"`
	TargetDuration float64  `json:"target_duration"` // seconds
	RequiredTypes  []string `json:"required_types,omitempty"`
	Requirements   string   `json:"requirements,omitempty"`
}

func (b Beat) Target() time.Duration {
	return time.Duration(b.TargetDuration * float64(time.Second))
}

// Plan is the ordered beat structure produced by the planning stage.
type Plan struct {
	StoryAngle string `json:"story_angle,omitempty"`
	Beats      []Beat `json:"beats"`
	Notes      string `json:"notes,omitempty"`
}

// Normalize sorts beats by number and renumbers beats that are missing or duplicate numbers.
func (p *Plan) Normalize() {
	sort.SliceStable(p.Beats, func(i, j int) bool { return p.Beats[i].Number < p.Beats[j].Number })
	seen := map[int]bool{}
	renumber := make([]bool, len(p.Beats))
	for i, b := range p.Beats {
		if b.Number <= 0 || seen[b.Number] {
			renumber[i] = true
			continue
		}
		seen[b.Number] = true
	}
	next := 1
	for i := range p.Beats {
		if renumber[i] {
			for seen[next] {
				next++
			}
			p.Beats[i].Number = next
			seen[next] = true
		}
		n := p.Beats[i].Number
		if p.Beats[i].Title == "" {
			p.Beats[i].Title = fmt.Sprintf("Beat %d", n)
		}
	}
	sort.SliceStable(p.Beats, func(i, j int) bool { return p.Beats[i].Number < p.Beats[j].Number })
}

func (p *Plan) TotalTarget() time.Duration {
	var total time.Duration
	for _, b := range p.Beats {
		total += b.Target()
	}
	return total
}

func (p *Plan) Beat(number int) (Beat, bool) {
	for _, b := range p.Beats {
		if b.Number == number {
			return b, true
		}
	}
	return Beat{}, false
}

// Selection places a trimmed range of one shot in a beat. Trims are offsets inside the shot.
type Selection struct {
	BeatNumber int      `json:"beat_number"`
	ShotID     int64    `json:"shot_id"`
	TrimIn     Timecode `json:"trim_in"`
	TrimOut    Timecode `json:"trim_out"`
	Rationale  string   `json:"rationale,omitempty"`
}

func (s Selection) Duration() time.Duration {
	d := s.TrimOut.Duration() - s.TrimIn.Duration()
	if d < 0 {
		return 0
	}
	return d
}

// Clamp bounds the trims to 0 <= in < out <= shotDuration and reports whether the range is
// usable. With a known shot length an empty or inverted range becomes the whole shot. With an
// unknown length it collapses to zero length at in.
func (s *Selection) Clamp(shotDuration time.Duration) bool {
	in, out := s.TrimIn.Duration(), s.TrimOut.Duration()
	if in < 0 {
		in = 0
	}
	if shotDuration > 0 {
		if out <= 0 || out > shotDuration {
			out = shotDuration
		}
		if in >= out {
			in, out = 0, shotDuration
		}
	} else if out < in {
		out = in
	}
	s.TrimIn, s.TrimOut = Timecode(in), Timecode(out)
	return out > in
}

// Total sums the trimmed durations.
func Total(selections []Selection) time.Duration {
	var total time.Duration
	for _, s := range selections {
		total += s.Duration()
	}
	return total
}

var ErrDuplicateShot = errors.New("shot selected more than once")

// OrderByBeat returns the selections in beat order, keeping the in-beat order the selection
// stage produced. Selections for beats the plan does not name are dropped.
func OrderByBeat(plan *Plan, selections []Selection) ([]Selection, error) {
	rank := make(map[int]int, len(plan.Beats))
	for i, b := range plan.Beats {
		rank[b.Number] = i
	}

	seen := make(map[int64]bool, len(selections))
	out := make([]Selection, 0, len(selections))
	for _, s := range selections {
		if _, ok := rank[s.BeatNumber]; !ok {
			continue
		}
		if seen[s.ShotID] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateShot, s.ShotID)
		}
		seen[s.ShotID] = true
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return rank[out[i].BeatNumber] < rank[out[j].BeatNumber] })
	return out, nil
}

// Severity grades a verification issue.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// ParseSeverity maps free-form severities onto the three grades; unknown values are medium.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical", "major", "severe":
		return SeverityHigh
	case "low", "minor", "info":
		return SeverityLow
	}
	return SeverityMedium
}

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	}
	return 2
}

type Issue struct {
	Severity    Severity `json:"severity"`
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Location    string   `json:"location,omitempty"`
	BeatNumber  int      `json:"beat_number,omitempty"`
}

// Report is the verification stage's judgment of one candidate edit.
type Report struct {
	Approved        bool               `json:"approved"`
	OverallScore    float64            `json:"overall_score"`
	Scores          map[string]float64 `json:"scores,omitempty"`
	Issues          []Issue            `json:"issues,omitempty"`
	Strengths       []string           `json:"strengths,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Summary         string             `json:"summary,omitempty"`
}

func (r *Report) IssuesBySeverity(sev Severity) []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == sev {
			out = append(out, i)
		}
	}
	return out
}

// SortIssues orders issues high to low, stable within a grade.
func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Severity.rank() < issues[j].Severity.rank() })
}

// Edit is the final ordered selection list with the plan it realizes.
type Edit struct {
	Plan       *Plan       `json:"plan"`
	Selections []Selection `json:"selections"`
}

func (e *Edit) Duration() time.Duration {
	if e == nil {
		return 0
	}
	return Total(e.Selections)
}

func (e *Edit) ShotIDs() []int64 {
	ids := make([]int64, len(e.Selections))
	for i, s := range e.Selections {
		ids[i] = s.ShotID
	}
	return ids
}

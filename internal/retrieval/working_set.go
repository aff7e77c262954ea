package retrieval

import (
	"sort"
	"strings"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/shots"
)

// WorkingSet is the ranked result of one query. It is never persisted.
type WorkingSet struct {
	StoryID        string        `json:"story_id"`
	Query          string        `json:"query"`
	Filters        shots.Filters `json:"filters"`
	Mode           string        `json:"mode"`
	Degraded       bool          `json:"degraded"`
	DegradedReason string        `json:"degraded_reason,omitempty"`
	Weights        Weights       `json:"weights"`
	Candidates     []Scored      `json:"candidates"`
	Context        []Scored      `json:"context,omitempty"`

	TypeCounts    map[string]int `json:"shot_type_counts"`
	TotalDuration time.Duration  `json:"total_duration"`
}

func (ws *WorkingSet) Len() int {
	return len(ws.Candidates) + len(ws.Context)
}

func (ws *WorkingSet) Empty() bool {
	return ws == nil || len(ws.Candidates) == 0
}

// Shots returns candidates in rank order followed by context shots.
func (ws *WorkingSet) Shots() []shots.Shot {
	out := make([]shots.Shot, 0, ws.Len())
	for _, sc := range ws.Candidates {
		out = append(out, sc.Shot)
	}
	for _, sc := range ws.Context {
		out = append(out, sc.Shot)
	}
	return out
}

// IDs returns every shot id in the set, sorted ascending.
func (ws *WorkingSet) IDs() []int64 {
	out := make([]int64, 0, ws.Len())
	for _, s := range ws.Shots() {
		out = append(out, s.ID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Score returns the score breakdown for a shot in the set.
func (ws *WorkingSet) Score(id int64) (Scored, bool) {
	for _, sc := range ws.Candidates {
		if sc.Shot.ID == id {
			return sc, true
		}
	}
	for _, sc := range ws.Context {
		if sc.Shot.ID == id {
			return sc, true
		}
	}
	return Scored{}, false
}

func (ws *WorkingSet) summarize() {
	ws.TypeCounts = map[string]int{}
	ws.TotalDuration = 0
	for _, s := range ws.Shots() {
		typ := strings.ToUpper(s.ShotType)
		if typ == "" {
			typ = "UNKNOWN"
		}
		ws.TypeCounts[typ]++
		ws.TotalDuration += s.Duration()
	}
}

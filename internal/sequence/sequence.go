// Package sequence partitions a working set into named groups of shots that plausibly belong to
// the same scene, so selection can reason about transitions instead of an unordered bag of shots.
package sequence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/shots"
)

// MiscName is the catch-all sequence for shots in clusters below the minimum size.
const MiscName = "miscellaneous"

// Sequence is one named group, ordered by capture time.
type Sequence struct {
	Name   string       `json:"name"`
	Signal string       `json:"signal"`
	Shots  []shots.Shot `json:"shots"`

	Duration     time.Duration  `json:"duration"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	TypeMix      map[string]int `json:"shot_types"`
	DominantType string         `json:"dominant_type"`
	HasInterview bool           `json:"has_interview"`
}

// Grouping signals recorded on each sequence.
const (
	SignalLocation = "location"
	SignalTemporal = "temporal"
	SignalVisual   = "visual"
	SignalMisc     = "misc"
)

func newSequence(name, signal string, list []shots.Shot) *Sequence {
	s := &Sequence{Name: name, Signal: signal, Shots: list, TypeMix: map[string]int{}}
	for i := range list {
		sh := &list[i]
		s.Duration += sh.Duration()
		typ := strings.ToUpper(sh.ShotType)
		if typ == "" {
			typ = "UNKNOWN"
		}
		s.TypeMix[typ]++
		if sh.IsInterview() {
			s.HasInterview = true
		}
		if sh.CapturedAt.IsZero() {
			continue
		}
		if s.Start.IsZero() || sh.CapturedAt.Before(s.Start) {
			s.Start = sh.CapturedAt
		}
		if sh.CapturedAt.After(s.End) {
			s.End = sh.CapturedAt
		}
	}

	best := 0
	for typ, n := range s.TypeMix {
		if n > best || (n == best && typ < s.DominantType) {
			best, s.DominantType = n, typ
		}
	}
	return s
}

// Span is the capture-time distance between the first and last shot.
func (s *Sequence) Span() time.Duration {
	if s.Start.IsZero() {
		return 0
	}
	return s.End.Sub(s.Start)
}

func (s *Sequence) IDs() []int64 {
	out := make([]int64, len(s.Shots))
	for i := range s.Shots {
		out[i] = s.Shots[i].ID
	}
	return out
}

// Set is the name-to-sequence mapping with a deterministic order: by first capture time,
// miscellaneous last.
type Set struct {
	names  []string
	byName map[string]*Sequence
}

func newSet(seqs []*Sequence) *Set {
	set := &Set{byName: make(map[string]*Sequence, len(seqs))}
	sort.SliceStable(seqs, func(i, j int) bool {
		a, b := seqs[i], seqs[j]
		if (a.Signal == SignalMisc) != (b.Signal == SignalMisc) {
			return b.Signal == SignalMisc
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.Name < b.Name
	})
	for _, s := range seqs {
		set.names = append(set.names, s.Name)
		set.byName[s.Name] = s
	}
	return set
}

func (s *Set) Names() []string {
	return append([]string(nil), s.names...)
}

func (s *Set) Get(name string) (*Sequence, bool) {
	seq, ok := s.byName[name]
	return seq, ok
}

// Sequences returns the sequences in set order.
func (s *Set) Sequences() []*Sequence {
	out := make([]*Sequence, len(s.names))
	for i, n := range s.names {
		out[i] = s.byName[n]
	}
	return out
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

func (s *Set) ShotCount() int {
	n := 0
	for _, seq := range s.byName {
		n += len(seq.Shots)
	}
	return n
}

// Find returns the name of the sequence holding shotID.
func (s *Set) Find(shotID int64) (string, bool) {
	for _, n := range s.names {
		for _, sh := range s.byName[n].Shots {
			if sh.ID == shotID {
				return n, true
			}
		}
	}
	return "", false
}

// AccountingViolation reports shots lost or duplicated during grouping. It is raised with panic:
// it can only come from a bug in the grouper.
type AccountingViolation struct {
	Missing    []int64
	Duplicated []int64
	Unexpected []int64
}

func (v *AccountingViolation) Error() string {
	return fmt.Sprintf("sequence accounting violated: missing %v, duplicated %v, unexpected %v",
		v.Missing, v.Duplicated, v.Unexpected)
}

// checkAccounting panics unless every input shot appears exactly once across the set.
func checkAccounting(input []shots.Shot, set *Set) {
	want := make(map[int64]int, len(input))
	for _, s := range input {
		want[s.ID]++
	}
	got := make(map[int64]int, len(input))
	for _, seq := range set.byName {
		for _, s := range seq.Shots {
			got[s.ID]++
		}
	}

	v := &AccountingViolation{}
	for id, n := range want {
		switch {
		case got[id] < n:
			v.Missing = append(v.Missing, id)
		case got[id] > n:
			v.Duplicated = append(v.Duplicated, id)
		}
	}
	for id := range got {
		if _, ok := want[id]; !ok {
			v.Unexpected = append(v.Unexpected, id)
		}
	}
	if len(v.Missing)+len(v.Duplicated)+len(v.Unexpected) > 0 {
		for _, ids := range [][]int64{v.Missing, v.Duplicated, v.Unexpected} {
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		}
		panic(v)
	}
}

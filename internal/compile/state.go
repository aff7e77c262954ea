package compile

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-compiler/internal/edit"
	"github.com/heimdex/heimdex-compiler/internal/narrative"
	"github.com/heimdex/heimdex-compiler/internal/retrieval"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

// State is a compile session's position in the refinement loop.
type State string

const (
	StatePlanning  State = "PLANNING"
	StateSelecting State = "SELECTING"
	StateVerifying State = "VERIFYING"
	StateRefining  State = "REFINING"
	StateAccepted  State = "ACCEPTED"
	StateAbandoned State = "ABANDONED"
)

var transitions = map[State][]State{
	StatePlanning:  {StateSelecting, StateAbandoned},
	StateSelecting: {StateVerifying, StateAbandoned},
	StateVerifying: {StateAccepted, StateRefining, StateAbandoned},
	StateRefining:  {StatePlanning, StateAbandoned},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateAbandoned
}

// CanTransition reports whether the loop may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Session is the mutable state of one compile request. It is owned by a single Compile call
// and changes only through transition and the commit helpers.
type Session struct {
	ID             string
	StoryID        string
	Brief          string
	TargetDuration time.Duration
	MaxIterations  int

	Iteration  int
	State      State
	History    []State
	Plan       *edit.Plan
	Selections []edit.Selection
	Report     *edit.Report

	Exclusions *retrieval.Exclusions
	Log        *narrative.InteractionLog

	mu    sync.Mutex
	shots map[int64]shots.Shot
}

func newSession(req Request, maxIterations int) *Session {
	id := uuid.NewString()
	return &Session{
		ID:             id,
		StoryID:        req.StoryID,
		Brief:          req.Brief,
		TargetDuration: req.TargetDuration,
		MaxIterations:  maxIterations,
		State:          StatePlanning,
		History:        []State{StatePlanning},
		Exclusions:     retrieval.NewExclusions(),
		Log:            narrative.NewInteractionLog(id),
		shots:          map[int64]shots.Shot{},
	}
}

func (s *Session) transition(next State) error {
	if !s.State.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s", s.State, next)
	}
	s.State = next
	s.History = append(s.History, next)
	return nil
}

// remember records the shots a retrieval returned so selections can be resolved later.
func (s *Session) remember(ws *retrieval.WorkingSet) {
	if ws == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sh := range ws.Shots() {
		s.shots[sh.ID] = sh
	}
}

func (s *Session) shot(id int64) (shots.Shot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shots[id]
	return sh, ok
}

// shotsFor returns the known shot records for the given selections.
func (s *Session) shotsFor(selections []edit.Selection) map[int64]shots.Shot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]shots.Shot, len(selections))
	for _, sel := range selections {
		if sh, ok := s.shots[sel.ShotID]; ok {
			out[sel.ShotID] = sh
		}
	}
	return out
}

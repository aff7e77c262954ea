// Package narrative is the contract with the text-generation endpoint used for structure
// planning, shot selection and verification. Each stage exchanges strict JSON; responses that
// do not decode into the canonical schema fail with ErrMalformed.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/continuity"
	"github.com/heimdex/heimdex-compiler/internal/edit"
	"github.com/heimdex/heimdex-compiler/internal/retrieval"
	"github.com/heimdex/heimdex-compiler/internal/sequence"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

// Stage names, used in prompts, interaction logs and metrics.
const (
	StagePlan   = "plan"
	StageSelect = "select"
	StageVerify = "verify"
)

// ErrMalformed marks a response that is not valid JSON for its stage.
var ErrMalformed = errors.New("malformed generation response")

// ResponseError describes why a response was rejected.
type ResponseError struct {
	Stage  string
	Reason string
	Raw    string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s response: %s", e.Stage, e.Reason)
}

func (e *ResponseError) Unwrap() error { return ErrMalformed }

// Service is the generation endpoint seen from the orchestrator.
type Service interface {
	Plan(ctx context.Context, req PlanRequest) (*edit.Plan, error)
	Select(ctx context.Context, req SelectRequest) (*SelectResponse, error)
	Verify(ctx context.Context, req VerifyRequest) (*edit.Report, error)
}

// PlanRequest asks for a beat structure. Feedback carries the previous iteration's verification
// summary and is empty on the first pass.
type PlanRequest struct {
	StoryID        string
	Brief          string
	TargetDuration time.Duration
	Material       *retrieval.WorkingSet
	Sequences      *sequence.Set
	Previous       *edit.Plan
	Feedback       string
	Iteration      int
	Strict         bool
	Log            *InteractionLog
}

// SelectRequest asks for the shots of one beat. With Relax set the candidate set came back empty
// and the response is expected to carry a Relaxation instead of selections.
type SelectRequest struct {
	StoryID    string
	Brief      string
	Beat       edit.Beat
	Candidates *retrieval.WorkingSet
	Sequences  *sequence.Set
	Continuity []*continuity.Analysis
	Excluded   []int64
	Previous   []edit.Selection
	Relax      bool
	Strict     bool
	Log        *InteractionLog
}

// SelectResponse is the decoded selection for one beat.
type SelectResponse struct {
	Selections []edit.Selection `json:"selections"`
	Reasoning  string           `json:"reasoning,omitempty"`
	Relaxation *Relaxation      `json:"relaxation,omitempty"`
}

// Relaxation widens a beat's retrieval after an empty candidate set. Durations are seconds;
// zero leaves the bound off.
type Relaxation struct {
	Query         string   `json:"query,omitempty"`
	RequiredTypes []string `json:"required_types,omitempty"`
	MinDuration   float64  `json:"min_duration,omitempty"`
	MaxDuration   float64  `json:"max_duration,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// Filters converts the relaxation to store filters.
func (r *Relaxation) Filters() shots.Filters {
	if r == nil {
		return shots.Filters{}
	}
	return shots.Filters{
		ShotTypes:   r.RequiredTypes,
		MinDuration: time.Duration(r.MinDuration * float64(time.Second)),
		MaxDuration: time.Duration(r.MaxDuration * float64(time.Second)),
	}
}

// VerifyRequest asks for a judgment of one full candidate edit.
type VerifyRequest struct {
	StoryID        string
	Brief          string
	TargetDuration time.Duration
	Plan           *edit.Plan
	Selections     []edit.Selection
	Shots          map[int64]shots.Shot
	QuickCheck     []edit.Issue
	Strict         bool
	Log            *InteractionLog
}

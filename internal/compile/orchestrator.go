// Package compile runs the refinement loop that turns an editorial brief into an edit: plan the
// beats, select shots for each beat, verify the candidate edit and re-plan with the verifier's
// feedback until the edit is accepted or the iteration budget is spent.
package compile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/continuity"
	"github.com/heimdex/heimdex-compiler/internal/edit"
	"github.com/heimdex/heimdex-compiler/internal/logging"
	"github.com/heimdex/heimdex-compiler/internal/metrics"
	"github.com/heimdex/heimdex-compiler/internal/narrative"
	"github.com/heimdex/heimdex-compiler/internal/retrieval"
	"github.com/heimdex/heimdex-compiler/internal/sequence"
)

var (
	// ErrEmptyCorpus is returned when the story has no shots to compile from.
	ErrEmptyCorpus = errors.New("story has no shots")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid compile request")
)

// Result modes.
const (
	ModeCompile = "compile"
	ModeDraft   = "draft"
)

// Request is one compile job.
type Request struct {
	StoryID        string        `json:"story_id"`
	Brief          string        `json:"brief"`
	TargetDuration time.Duration `json:"target_duration"`
}

// Validate reports whether the request can be compiled.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.StoryID) == "":
		return fmt.Errorf("%w: story id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.Brief) == "":
		return fmt.Errorf("%w: brief is required", ErrInvalidRequest)
	case r.TargetDuration <= 0:
		return fmt.Errorf("%w: target duration must be positive", ErrInvalidRequest)
	}
	return nil
}

type Options struct {
	MaxIterations int
	// MinScore accepts an unapproved edit whose overall score reaches it. Zero disables it.
	MinScore          float64
	PlanningShots     int
	PlanningNeighbors int
	BeatShots         int
	BeatNeighbors     int
	ParallelBeats     bool
	Workers           int
	// MaxRequeries bounds how often a beat that lost a shot conflict is selected again.
	MaxRequeries int
	CallTimeout  time.Duration
	GroupMethod  string
}

func DefaultOptions() Options {
	return Options{
		MaxIterations:     3,
		MinScore:          7.0,
		PlanningShots:     100,
		PlanningNeighbors: 20,
		BeatShots:         30,
		BeatNeighbors:     4,
		Workers:           4,
		MaxRequeries:      2,
		CallTimeout:       120 * time.Second,
		GroupMethod:       sequence.MethodHybrid,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = def.MaxIterations
	}
	if o.PlanningShots <= 0 {
		o.PlanningShots = def.PlanningShots
	}
	if o.BeatShots <= 0 {
		o.BeatShots = def.BeatShots
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxRequeries < 0 {
		o.MaxRequeries = 0
	}
	return o
}

// Orchestrator owns the collaborators shared by every session. Sessions keep their own state,
// so one Orchestrator can run many compiles concurrently.
type Orchestrator struct {
	engine    *retrieval.Engine
	grouper   *sequence.Grouper
	annotator continuity.Annotator
	service   narrative.Service
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New builds an orchestrator. annotator and m may be nil.
func New(engine *retrieval.Engine, grouper *sequence.Grouper, annotator continuity.Annotator,
	service narrative.Service, opts Options, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Orchestrator{
		engine:    engine,
		grouper:   grouper,
		annotator: annotator,
		service:   service,
		opts:      opts.withDefaults(),
		logger:    logger,
		metrics:   m,
	}
}

func (o *Orchestrator) Options() Options { return o.opts }

// Compile runs the plan, select and verify loop. It returns an error only for an invalid request,
// an empty corpus or caller cancellation; every other failure ends the session ABANDONED with
// diagnostics and the best edit seen so far.
func (o *Orchestrator) Compile(ctx context.Context, req Request) (*Result, error) {
	return o.run(ctx, req, ModeCompile)
}

// Draft makes one plan and selection pass and checks it with QuickCheck instead of the
// verification stage.
func (o *Orchestrator) Draft(ctx context.Context, req Request) (*Result, error) {
	return o.run(ctx, req, ModeDraft)
}

// run is the per-session state of one Compile or Draft call.
type run struct {
	o      *Orchestrator
	sess   *Session
	logger *slog.Logger
	res    *Result
}

func (o *Orchestrator) run(ctx context.Context, req Request, mode string) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	maxIterations := o.opts.MaxIterations
	if mode == ModeDraft {
		maxIterations = 1
	}
	sess := newSession(req, maxIterations)
	r := &run{
		o:      o,
		sess:   sess,
		logger: logging.WithSessionID(logging.WithStory(o.logger, req.StoryID), sess.ID),
		res: &Result{
			SessionID:      sess.ID,
			StoryID:        req.StoryID,
			Brief:          req.Brief,
			TargetDuration: req.TargetDuration,
			Mode:           mode,
			StartedAt:      time.Now().UTC(),
			Log:            sess.Log,
		},
	}
	r.logger.Info("compile session started", "mode", mode, "target", req.TargetDuration,
		"max_iterations", maxIterations)

	if err := r.loop(ctx); err != nil {
		r.logger.Warn("compile session stopped", "error", err, "iteration", sess.Iteration)
		return nil, err
	}
	return r.finish(), nil
}

func (r *run) loop(ctx context.Context) error {
	sess := r.sess
	var feedback string

	for iter := 1; iter <= sess.MaxIterations; iter++ {
		sess.Iteration = iter
		if iter > 1 {
			if err := sess.transition(StatePlanning); err != nil {
				return err
			}
			// Each plan is selected against the whole corpus again.
			sess.Exclusions = retrieval.NewExclusions()
		}
		r.logger.Info("iteration started", "iteration", iter, "of", sess.MaxIterations)
		att := Attempt{Iteration: iter, Feedback: feedback}
		begin := time.Now()

		done, err := r.iterate(ctx, &att, feedback)
		att.Duration = time.Since(begin)
		if att.Plan != nil || att.Error != "" {
			r.res.Attempts = append(r.res.Attempts, att)
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if iter == sess.MaxIterations {
			r.abandon(fmt.Sprintf("not approved after %d iterations", iter))
			return nil
		}
		if err := sess.transition(StateRefining); err != nil {
			return err
		}
		feedback = BuildFeedback(att.Report, att.QuickCheck)
		r.logger.Info("refining plan", "iteration", iter, "score", att.Report.OverallScore,
			"high_issues", len(att.Report.IssuesBySeverity(edit.SeverityHigh)))
	}
	return nil
}

// iterate runs one planning cycle. done is true when the session reached a terminal state.
func (r *run) iterate(ctx context.Context, att *Attempt, feedback string) (done bool, err error) {
	sess := r.sess
	o := r.o

	begin := time.Now()
	material, err := o.engine.Retrieve(ctx, retrieval.Query{
		StoryID:    sess.StoryID,
		Text:       sess.Brief,
		MaxResults: o.opts.PlanningShots,
		Neighbors:  o.opts.PlanningNeighbors,
		Exclude:    sess.Exclusions,
	})
	if err != nil {
		return r.stop(ctx, att, fmt.Errorf("load planning material: %w", err))
	}
	if material.Empty() {
		if sess.Iteration == 1 {
			return false, fmt.Errorf("%w: %s", ErrEmptyCorpus, sess.StoryID)
		}
		return r.stop(ctx, att, errors.New("planning material is empty"))
	}
	sess.remember(material)

	groups, err := o.grouper.Group(material, o.opts.GroupMethod)
	if err != nil {
		return r.stop(ctx, att, fmt.Errorf("group planning material: %w", err))
	}

	plan, err := generate(ctx, r, narrative.StagePlan, func(ctx context.Context, strict bool) (*edit.Plan, error) {
		return o.service.Plan(ctx, narrative.PlanRequest{
			StoryID:        sess.StoryID,
			Brief:          sess.Brief,
			TargetDuration: sess.TargetDuration,
			Material:       material,
			Sequences:      groups,
			Previous:       sess.Plan,
			Feedback:       feedback,
			Iteration:      sess.Iteration,
			Strict:         strict,
			Log:            sess.Log,
		})
	})
	r.res.Timings.Planning += time.Since(begin)
	if err != nil {
		return r.stop(ctx, att, err)
	}
	if plan == nil || len(plan.Beats) == 0 {
		return r.stop(ctx, att, errors.New("plan has no beats"))
	}
	plan.Normalize()
	sess.Plan = plan
	att.Plan = plan
	r.logger.Info("plan ready", "beats", len(plan.Beats), "planned", plan.TotalTarget())

	if err := sess.transition(StateSelecting); err != nil {
		return false, err
	}
	begin = time.Now()
	selections, err := r.selectAll(ctx, plan)
	r.res.Timings.Selecting += time.Since(begin)
	if err != nil {
		return r.stop(ctx, att, err)
	}
	sess.Selections = selections
	att.Selections = selections
	r.logger.Info("selection complete", "shots", len(selections), "duration", edit.Total(selections))

	if err := sess.transition(StateVerifying); err != nil {
		return false, err
	}
	att.QuickCheck = edit.QuickCheck(plan, selections, sess.TargetDuration)

	if r.res.Mode == ModeDraft {
		if edit.Passed(att.QuickCheck) {
			return true, sess.transition(StateAccepted)
		}
		r.abandon("draft failed quick check")
		return true, nil
	}

	begin = time.Now()
	report, err := generate(ctx, r, narrative.StageVerify, func(ctx context.Context, strict bool) (*edit.Report, error) {
		return o.service.Verify(ctx, narrative.VerifyRequest{
			StoryID:        sess.StoryID,
			Brief:          sess.Brief,
			TargetDuration: sess.TargetDuration,
			Plan:           plan,
			Selections:     selections,
			Shots:          sess.shotsFor(selections),
			QuickCheck:     att.QuickCheck,
			Strict:         strict,
			Log:            sess.Log,
		})
	})
	r.res.Timings.Verifying += time.Since(begin)
	if err != nil {
		return r.stop(ctx, att, err)
	}
	sess.Report = report
	att.Report = report
	r.logger.Info("verification complete", "score", report.OverallScore, "approved", report.Approved,
		"issues", len(report.Issues))

	if r.accepts(report) {
		return true, sess.transition(StateAccepted)
	}
	return false, nil
}

func (r *run) accepts(report *edit.Report) bool {
	if report.Approved {
		return true
	}
	return r.o.opts.MinScore > 0 && report.OverallScore >= r.o.opts.MinScore
}

// stop ends the session ABANDONED with err as its diagnostic. Caller cancellation is returned
// as is and leaves the session without a result.
func (r *run) stop(ctx context.Context, att *Attempt, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	att.Error = err.Error()
	r.abandon(fmt.Sprintf("iteration %d: %v", r.sess.Iteration, err))
	return true, nil
}

func (r *run) abandon(reason string) {
	r.res.Diagnostics = append(r.res.Diagnostics, reason)
	if !r.sess.State.Terminal() {
		_ = r.sess.transition(StateAbandoned)
	}
	r.logger.Warn("compile session abandoned", "reason", reason)
}

func (r *run) finish() *Result {
	res := r.res
	sess := r.sess

	var best *Attempt
	if sess.State == StateAccepted && len(res.Attempts) > 0 {
		best = &res.Attempts[len(res.Attempts)-1]
	} else {
		best = bestAttempt(res.Attempts)
	}
	if best != nil {
		res.BestIteration = best.Iteration
		res.Edit = &edit.Edit{Plan: best.Plan, Selections: best.Selections}
		res.Report = best.Report
		res.Issues = mergeIssues(best.Report, best.QuickCheck)
	}

	res.State = sess.State
	res.Approved = sess.State == StateAccepted
	res.Iterations = sess.Iteration
	res.Transitions = append([]State(nil), sess.History...)
	res.FinishedAt = time.Now().UTC()
	res.Timings.Total = res.FinishedAt.Sub(res.StartedAt)
	res.Interactions = sess.Log.Stats()

	r.o.metrics.ObserveSession(string(res.State), res.Iterations)
	r.logger.Info("compile session finished", "state", res.State, "iterations", res.Iterations,
		"best_iteration", res.BestIteration, "duration", res.Timings.Total)
	return res
}

// bestAttempt picks the verified attempt with the highest overall score, the earliest on ties.
// Without any verified attempt it falls back to the latest one that selected shots.
func bestAttempt(attempts []Attempt) *Attempt {
	var best *Attempt
	for i := range attempts {
		a := &attempts[i]
		if a.Report == nil {
			continue
		}
		if best == nil || a.Report.OverallScore > best.Report.OverallScore {
			best = a
		}
	}
	if best != nil {
		return best
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		if len(attempts[i].Selections) > 0 {
			return &attempts[i]
		}
	}
	return nil
}

// mergeIssues returns the report's issues followed by quick-check findings it did not already
// name, high severity first.
func mergeIssues(report *edit.Report, quick []edit.Issue) []edit.Issue {
	var out []edit.Issue
	seen := map[string]bool{}
	if report != nil {
		for _, iss := range report.Issues {
			seen[iss.Description] = true
			out = append(out, iss)
		}
	}
	for _, iss := range quick {
		if !seen[iss.Description] {
			seen[iss.Description] = true
			out = append(out, iss)
		}
	}
	edit.SortIssues(out)
	return out
}

package compile

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/heimdex/heimdex-compiler/internal/continuity"
	"github.com/heimdex/heimdex-compiler/internal/edit"
	"github.com/heimdex/heimdex-compiler/internal/narrative"
	"github.com/heimdex/heimdex-compiler/internal/retrieval"
	"github.com/heimdex/heimdex-compiler/internal/sequence"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

// beatOutcome is the validated selection for one beat, not yet committed.
type beatOutcome struct {
	beat       edit.Beat
	selections []edit.Selection
	relaxed    bool
}

// selectAll fills every beat of plan and returns the committed selections in beat order.
func (r *run) selectAll(ctx context.Context, plan *edit.Plan) ([]edit.Selection, error) {
	var committed map[int][]edit.Selection
	var err error
	if r.o.opts.ParallelBeats && len(plan.Beats) > 1 {
		committed, err = r.selectParallel(ctx, plan.Beats)
	} else {
		committed, err = r.selectSequential(ctx, plan.Beats)
	}
	if err != nil {
		return nil, err
	}

	var all []edit.Selection
	for _, b := range plan.Beats {
		if len(committed[b.Number]) == 0 {
			r.res.Diagnostics = append(r.res.Diagnostics,
				fmt.Sprintf("iteration %d: beat %d (%s) has no usable candidates", r.sess.Iteration, b.Number, b.Title))
		}
		all = append(all, committed[b.Number]...)
	}
	return edit.OrderByBeat(plan, all)
}

func (r *run) selectSequential(ctx context.Context, beats []edit.Beat) (map[int][]edit.Selection, error) {
	committed := make(map[int][]edit.Selection, len(beats))
	var sofar []edit.Selection
	var prior []edit.Selection
	for _, b := range beats {
		out, err := r.selectBeat(ctx, b, sofar, prior)
		if err != nil {
			return nil, err
		}
		kept := r.commit(out.selections)
		committed[b.Number] = kept
		sofar = append(sofar, kept...)
		prior = kept
	}
	return committed, nil
}

// selectParallel selects beats concurrently in rounds. Each round's outcomes are committed in
// beat order, so when two beats want the same shot the lower beat number keeps it and the other
// beat is selected again in the next round against the updated exclusions.
func (r *run) selectParallel(ctx context.Context, beats []edit.Beat) (map[int][]edit.Selection, error) {
	committed := make(map[int][]edit.Selection, len(beats))
	pending := append([]edit.Beat(nil), beats...)
	prevOf := make(map[int]int, len(beats))
	for i := 1; i < len(beats); i++ {
		prevOf[beats[i].Number] = beats[i-1].Number
	}

	for round := 0; len(pending) > 0; round++ {
		outcomes := make([]beatOutcome, len(pending))
		errs := make([]error, len(pending))
		sem := make(chan struct{}, r.o.opts.Workers)
		var wg sync.WaitGroup

		for i, b := range pending {
			var prior []edit.Selection
			if p, ok := prevOf[b.Number]; ok {
				prior = committed[p]
			}
			wg.Add(1)
			go func(i int, b edit.Beat, prior []edit.Selection) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					errs[i] = ctx.Err()
					return
				}
				defer func() { <-sem }()
				outcomes[i], errs[i] = r.selectBeat(ctx, b, prior, prior)
			}(i, b, prior)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}

		var requeue []edit.Beat
		for _, out := range outcomes {
			conflicts := r.conflicts(out.selections)
			if len(conflicts) > 0 && round < r.o.opts.MaxRequeries {
				r.logger.Warn("shots already claimed by an earlier beat, selecting again",
					"beat", out.beat.Number, "shots", conflicts, "round", round+1)
				requeue = append(requeue, out.beat)
				continue
			}
			committed[out.beat.Number] = r.commit(out.selections)
		}
		pending = requeue
	}
	return committed, nil
}

// conflicts lists the selected shot ids another beat has already committed.
func (r *run) conflicts(selections []edit.Selection) []int64 {
	var out []int64
	for _, s := range selections {
		if r.sess.Exclusions.Contains(s.ShotID) {
			out = append(out, s.ShotID)
		}
	}
	return out
}

// commit claims each selection's shot for the session and drops selections whose shot is
// already taken.
func (r *run) commit(selections []edit.Selection) []edit.Selection {
	kept := make([]edit.Selection, 0, len(selections))
	for _, s := range selections {
		if !r.sess.Exclusions.Claim(s.ShotID) {
			r.logger.Warn("dropping selection of a committed shot", "beat", s.BeatNumber, "shot", s.ShotID)
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

// selectBeat retrieves candidates for one beat, asks for a constraint relaxation when none come
// back, and returns the validated selection. sofar is the edit so far as shown to the selection
// stage; prior is the previous beat's selection used for continuity.
func (r *run) selectBeat(ctx context.Context, beat edit.Beat, sofar, prior []edit.Selection) (beatOutcome, error) {
	out := beatOutcome{beat: beat}
	sess := r.sess
	query := beatQuery(beat)

	ws, err := r.retrieveBeat(ctx, query, shots.Filters{ShotTypes: beat.RequiredTypes})
	if err != nil {
		return out, err
	}

	if ws.Empty() {
		r.logger.Warn("beat has no candidates, requesting constraint relaxation", "beat", beat.Number)
		resp, err := generate(ctx, r, narrative.StageSelect, func(ctx context.Context, strict bool) (*narrative.SelectResponse, error) {
			return r.o.service.Select(ctx, narrative.SelectRequest{
				StoryID:  sess.StoryID,
				Brief:    sess.Brief,
				Beat:     beat,
				Excluded: sess.Exclusions.IDs(),
				Previous: sofar,
				Relax:    true,
				Strict:   strict,
				Log:      sess.Log,
			})
		})
		if err != nil {
			return out, err
		}
		out.relaxed = true
		relaxedQuery := query
		if resp.Relaxation != nil && strings.TrimSpace(resp.Relaxation.Query) != "" {
			relaxedQuery = resp.Relaxation.Query
		}
		ws, err = r.retrieveBeat(ctx, relaxedQuery, resp.Relaxation.Filters())
		if err != nil {
			return out, err
		}
		if ws.Empty() {
			r.logger.Warn("beat still has no candidates after relaxation", "beat", beat.Number)
			return out, nil
		}
	}

	groups, err := r.o.grouper.Group(ws, r.o.opts.GroupMethod)
	if err != nil {
		return out, fmt.Errorf("group beat %d candidates: %w", beat.Number, err)
	}
	analyses, err := r.annotate(ctx, groups, prior, beat)
	if err != nil {
		return out, err
	}

	resp, err := generate(ctx, r, narrative.StageSelect, func(ctx context.Context, strict bool) (*narrative.SelectResponse, error) {
		return r.o.service.Select(ctx, narrative.SelectRequest{
			StoryID:    sess.StoryID,
			Brief:      sess.Brief,
			Beat:       beat,
			Candidates: ws,
			Sequences:  groups,
			Continuity: analyses,
			Excluded:   sess.Exclusions.IDs(),
			Previous:   sofar,
			Strict:     strict,
			Log:        sess.Log,
		})
	})
	if err != nil {
		return out, err
	}
	out.selections = r.validate(beat, ws, resp.Selections)
	return out, nil
}

func (r *run) retrieveBeat(ctx context.Context, query string, filters shots.Filters) (*retrieval.WorkingSet, error) {
	ws, err := r.o.engine.Retrieve(ctx, retrieval.Query{
		StoryID:    r.sess.StoryID,
		Text:       query,
		Filters:    filters,
		MaxResults: r.o.opts.BeatShots,
		Neighbors:  r.o.opts.BeatNeighbors,
		Exclude:    r.sess.Exclusions,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve beat candidates: %w", err)
	}
	r.sess.remember(ws)
	return ws, nil
}

// validate keeps selections of shots the beat was offered, once each, with trims clamped to
// the shot. A selection whose trims leave nothing to play is dropped.
func (r *run) validate(beat edit.Beat, ws *retrieval.WorkingSet, selections []edit.Selection) []edit.Selection {
	seen := map[int64]bool{}
	out := make([]edit.Selection, 0, len(selections))
	for _, s := range selections {
		sc, ok := ws.Score(s.ShotID)
		if !ok {
			r.logger.Warn("dropping selection of a shot that was not offered", "beat", beat.Number, "shot", s.ShotID)
			continue
		}
		if seen[s.ShotID] {
			continue
		}
		s.BeatNumber = beat.Number
		if !s.Clamp(sc.Shot.Duration()) {
			r.logger.Warn("dropping selection with an empty trim range", "beat", beat.Number, "shot", s.ShotID)
			continue
		}
		seen[s.ShotID] = true
		out = append(out, s)
	}
	return out
}

// annotate runs the optional continuity annotator over every sequence. An annotator failure only
// loses the enrichment.
func (r *run) annotate(ctx context.Context, groups *sequence.Set, prior []edit.Selection, beat edit.Beat) ([]*continuity.Analysis, error) {
	if r.o.annotator == nil || groups.Len() == 0 {
		return nil, nil
	}
	priorShots := make([]shots.Shot, 0, len(prior))
	for _, s := range prior {
		if sh, ok := r.sess.shot(s.ShotID); ok {
			priorShots = append(priorShots, sh)
		}
	}

	var out []*continuity.Analysis
	for _, seq := range groups.Sequences() {
		a, err := r.o.annotator.Analyze(ctx, seq, priorShots, beat)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			r.logger.Warn("continuity analysis failed", "sequence", seq.Name, "error", err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func beatQuery(b edit.Beat) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{b.Title, b.Description, b.Requirements} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

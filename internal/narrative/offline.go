package narrative

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/edit"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

const offlineDefaultTarget = 60 * time.Second

// Offline is a deterministic Service that needs no generation endpoint. It plans a three-beat
// structure, fills each beat from the ranked candidates and verifies with QuickCheck.
type Offline struct {
	logger *slog.Logger
}

func NewOffline(logger *slog.Logger) *Offline {
	return &Offline{logger: logger}
}

func (o *Offline) Plan(ctx context.Context, req PlanRequest) (*edit.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target := req.TargetDuration
	if target <= 0 {
		target = offlineDefaultTarget
	}
	edge := math.Round(target.Seconds() / 4)
	middle := target.Seconds() - 2*edge

	development := []string{shots.TypeBRoll}
	if req.Material != nil && (req.Material.TypeCounts[shots.TypeSOT] > 0 || req.Material.TypeCounts[shots.TypeInterview] > 0) {
		development = []string{shots.TypeSOT, shots.TypeInterview}
	}
	brief := strings.TrimSpace(req.Brief)

	plan := &edit.Plan{
		StoryAngle: brief,
		Beats: []edit.Beat{
			{Number: 1, Title: "Opening", Description: "Establish the story and its setting: " + brief,
				TargetDuration: edge, RequiredTypes: []string{shots.TypeWide, shots.TypeBRoll},
				Requirements: "Establish location; set the scene"},
			{Number: 2, Title: "Development", Description: "Main content and key voices: " + brief,
				TargetDuration: middle, RequiredTypes: development,
				Requirements: "Key interviews; supporting visuals"},
			{Number: 3, Title: "Conclusion", Description: "Wrap up and close: " + brief,
				TargetDuration: edge, RequiredTypes: []string{shots.TypeBRoll, shots.TypeCutaway},
				Requirements: "Closing visuals; resolution"},
		},
	}
	if req.Feedback != "" {
		plan.Notes = fmt.Sprintf("Iteration %d; revised against verification feedback", req.Iteration)
	}
	o.debug("offline plan", "beats", len(plan.Beats), "target", target)
	return plan, nil
}

func (o *Offline) Select(ctx context.Context, req SelectRequest) (*SelectResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	beat := req.Beat
	if req.Relax {
		return &SelectResponse{Relaxation: &Relaxation{
			Query:  strings.TrimSpace(beat.Title + " " + beat.Description),
			Reason: "drop shot-type and duration constraints",
		}}, nil
	}

	excluded := make(map[int64]bool, len(req.Excluded))
	for _, id := range req.Excluded {
		excluded[id] = true
	}

	var preferred, rest []shots.Shot
	if req.Candidates != nil {
		for _, sc := range req.Candidates.Candidates {
			if excluded[sc.Shot.ID] {
				continue
			}
			if matchesType(beat.RequiredTypes, sc.Shot.ShotType) {
				preferred = append(preferred, sc.Shot)
			} else {
				rest = append(rest, sc.Shot)
			}
		}
	}

	remaining := beat.Target()
	if remaining <= 0 {
		remaining = 10 * time.Second
	}
	resp := &SelectResponse{Selections: []edit.Selection{}}
	for _, sh := range append(preferred, rest...) {
		if remaining <= 0 {
			break
		}
		use := sh.Duration()
		if use <= 0 {
			continue
		}
		if use > remaining {
			use = remaining
		}
		if use < 2*time.Second && sh.Duration() >= 2*time.Second {
			use = 2 * time.Second
		}
		resp.Selections = append(resp.Selections, edit.Selection{
			BeatNumber: beat.Number,
			ShotID:     sh.ID,
			TrimIn:     0,
			TrimOut:    edit.Timecode(use),
			Rationale:  fmt.Sprintf("Ranked candidate for %q", beat.Title),
		})
		remaining -= use
	}
	resp.Reasoning = fmt.Sprintf("%d shots filling %.1fs", len(resp.Selections), edit.Total(resp.Selections).Seconds())
	o.debug("offline selection", "beat", beat.Number, "shots", len(resp.Selections))
	return resp, nil
}

func (o *Offline) Verify(ctx context.Context, req VerifyRequest) (*edit.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	issues := req.QuickCheck
	if issues == nil {
		issues = edit.QuickCheck(req.Plan, req.Selections, req.TargetDuration)
	}
	issues = append([]edit.Issue(nil), issues...)
	edit.SortIssues(issues)

	score := 10.0
	seen := map[string]bool{}
	var recs []string
	for _, iss := range issues {
		switch iss.Severity {
		case edit.SeverityHigh:
			score -= 2
		case edit.SeverityMedium:
			score -= 1
		default:
			score -= 0.25
		}
		if iss.Suggestion != "" && !seen[iss.Suggestion] {
			seen[iss.Suggestion] = true
			recs = append(recs, iss.Suggestion)
		}
	}
	score = math.Max(0, score)

	report := &edit.Report{
		Approved:        edit.Passed(issues),
		OverallScore:    score,
		Scores:          map[string]float64{"technical_quality": score},
		Issues:          issues,
		Recommendations: recs,
		Summary:         fmt.Sprintf("Automated check: %d issues", len(issues)),
	}
	if len(issues) == 0 {
		report.Strengths = []string{"All beats filled within duration tolerance"}
	}
	return report, nil
}

func (o *Offline) debug(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Debug(msg, args...)
	}
}

func matchesType(types []string, shotType string) bool {
	for _, t := range types {
		if strings.EqualFold(t, shotType) {
			return true
		}
	}
	return false
}

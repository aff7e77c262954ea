package compile

import (
	"strings"
	"testing"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/edit"
)

func TestBuildFeedback(t *testing.T) {
	report := &edit.Report{
		OverallScore: 6.5,
		Scores:       map[string]float64{"pacing": 6, "brief_compliance": 7},
		Issues: []edit.Issue{
			{Severity: edit.SeverityMedium, Description: "M1"},
			{Severity: edit.SeverityHigh, Description: "Jump cut at 0:42", Suggestion: "Insert a cutaway"},
			{Severity: edit.SeverityMedium, Description: "M2"},
			{Severity: edit.SeverityLow, Description: "Soft focus"},
			{Severity: edit.SeverityMedium, Description: "M3"},
			{Severity: edit.SeverityMedium, Description: "M4"},
		},
		Recommendations: []string{"r1", "r2", "r3", "r4"},
	}
	quick := []edit.Issue{
		{Severity: edit.SeverityMedium, Description: "M1"},
		{Severity: edit.SeverityHigh, Description: "Beat 2 has no shots selected"},
	}

	want := `Overall score: 6.5/10

Scores by dimension:
- brief_compliance: 7/10
- pacing: 6/10

High priority issues to address:
- Jump cut at 0:42
  Suggestion: Insert a cutaway

Medium priority issues:
- M1
- M2
- M3

Recommendations:
- r1
- r2
- r3

Automated checks:
- [high] Beat 2 has no shots selected`

	if got := BuildFeedback(report, quick); got != want {
		t.Errorf("BuildFeedback() =\n%s\nwant\n%s", got, want)
	}
}

func TestBuildFeedback_QuickCheckOnly(t *testing.T) {
	got := BuildFeedback(nil, []edit.Issue{
		{Severity: edit.SeverityLow, Description: "Shot 4 is very short (1.0s)"},
		{Severity: edit.SeverityHigh, Description: "Beat 1 has no shots selected"},
	})
	want := "Automated checks:\n- [high] Beat 1 has no shots selected\n- [low] Shot 4 is very short (1.0s)"
	if got != want {
		t.Errorf("BuildFeedback() = %q, want %q", got, want)
	}
	if BuildFeedback(nil, nil) != "" {
		t.Error("empty inputs should give empty feedback")
	}
}

func TestResult_Summary(t *testing.T) {
	res := &Result{
		SessionID:      "s-1",
		StoryID:        "flood",
		Brief:          "Flood damage",
		TargetDuration: 30 * time.Second,
		State:          StateAbandoned,
		Iterations:     3,
		BestIteration:  2,
		Edit: &edit.Edit{
			Plan:       &edit.Plan{Beats: []edit.Beat{{Number: 1, TargetDuration: 30}}},
			Selections: []edit.Selection{{BeatNumber: 1, ShotID: 4, TrimOut: edit.Seconds(12.5)}},
		},
		Report:      &edit.Report{OverallScore: 6.5, Scores: map[string]float64{"pacing": 6}},
		Issues:      []edit.Issue{{Severity: edit.SeverityHigh}, {Severity: edit.SeverityLow}},
		Diagnostics: []string{"not approved after 3 iterations"},
	}
	out := res.Summary()
	for _, want := range []string{
		"Status: NOT APPROVED (ABANDONED)",
		"Iterations: 3 (returned: 2)",
		"Plan: 1 beats, 30s planned",
		"Selections: 1 shots, 12.5s actual",
		"Verification Score: 6.5/10",
		"  - pacing: 6/10",
		"  - High: 1, Medium: 0, Low: 1",
		"  - not approved after 3 iterations",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Summary() missing %q:\n%s", want, out)
		}
	}
	if res.Score() != 6.5 {
		t.Errorf("Score() = %v, want 6.5", res.Score())
	}
}

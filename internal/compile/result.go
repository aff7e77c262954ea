package compile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/edit"
	"github.com/heimdex/heimdex-compiler/internal/narrative"
)

// Attempt is one planning cycle: the plan, the selection made for it and its verification.
type Attempt struct {
	Iteration  int              `json:"iteration"`
	Feedback   string           `json:"feedback,omitempty"`
	Plan       *edit.Plan       `json:"plan,omitempty"`
	Selections []edit.Selection `json:"selections,omitempty"`
	QuickCheck []edit.Issue     `json:"quick_check,omitempty"`
	Report     *edit.Report     `json:"report,omitempty"`
	Error      string           `json:"error,omitempty"`
	Duration   time.Duration    `json:"duration"`
}

type Timings struct {
	Planning  time.Duration `json:"planning"`
	Selecting time.Duration `json:"selecting"`
	Verifying time.Duration `json:"verifying"`
	Total     time.Duration `json:"total"`
}

// Result is the outcome of a finished session. An ABANDONED result still carries the best edit
// seen, when any attempt got as far as selecting shots.
type Result struct {
	SessionID      string                     `json:"session_id"`
	StoryID        string                     `json:"story_id"`
	Brief          string                     `json:"brief"`
	TargetDuration time.Duration              `json:"target_duration"`
	Mode           string                     `json:"mode"`
	State          State                      `json:"state"`
	Approved       bool                       `json:"approved"`
	Iterations     int                        `json:"iterations"`
	BestIteration  int                        `json:"best_iteration,omitempty"`
	Edit           *edit.Edit                 `json:"edit,omitempty"`
	Report         *edit.Report               `json:"report,omitempty"`
	Issues         []edit.Issue               `json:"issues,omitempty"`
	Attempts       []Attempt                  `json:"attempts"`
	Diagnostics    []string                   `json:"diagnostics,omitempty"`
	Transitions    []State                    `json:"transitions"`
	Timings        Timings                    `json:"timings"`
	Interactions   narrative.InteractionStats `json:"interactions"`
	StartedAt      time.Time                  `json:"started_at"`
	FinishedAt     time.Time                  `json:"finished_at"`

	Log *narrative.InteractionLog `json:"-"`
}

// Score is the overall verification score of the returned edit, zero when it was not verified.
func (r *Result) Score() float64 {
	if r == nil || r.Report == nil {
		return 0
	}
	return r.Report.OverallScore
}

// Summary renders a plain-text report for terminals and logs.
func (r *Result) Summary() string {
	var b strings.Builder
	rule := strings.Repeat("=", 72)

	b.WriteString(rule + "\nEDIT COMPILATION SUMMARY\n" + rule + "\n\n")
	fmt.Fprintf(&b, "Session: %s\n", r.SessionID)
	fmt.Fprintf(&b, "Story: %s\n", r.StoryID)
	fmt.Fprintf(&b, "Brief: %s\n", r.Brief)
	fmt.Fprintf(&b, "Target Duration: %.0fs\n\n", r.TargetDuration.Seconds())

	status := "NOT APPROVED"
	if r.Approved {
		status = "APPROVED"
	}
	fmt.Fprintf(&b, "Status: %s (%s)\n", status, r.State)
	fmt.Fprintf(&b, "Iterations: %d", r.Iterations)
	if r.BestIteration > 0 && r.BestIteration != r.Iterations {
		fmt.Fprintf(&b, " (returned: %d)", r.BestIteration)
	}
	fmt.Fprintf(&b, "\nCompilation Time: %.1fs\n\n", r.Timings.Total.Seconds())

	if r.Edit != nil {
		if r.Edit.Plan != nil {
			fmt.Fprintf(&b, "Plan: %d beats, %.0fs planned\n", len(r.Edit.Plan.Beats), r.Edit.Plan.TotalTarget().Seconds())
		}
		fmt.Fprintf(&b, "Selections: %d shots, %.1fs actual\n", len(r.Edit.Selections), r.Edit.Duration().Seconds())
	}

	if r.Report != nil {
		fmt.Fprintf(&b, "Verification Score: %s/10\n", formatScore(r.Report.OverallScore))
		if len(r.Report.Scores) > 0 {
			dims := make([]string, 0, len(r.Report.Scores))
			for d := range r.Report.Scores {
				dims = append(dims, d)
			}
			sort.Strings(dims)
			b.WriteString("\nDimension Scores:\n")
			for _, d := range dims {
				fmt.Fprintf(&b, "  - %s: %s/10\n", d, formatScore(r.Report.Scores[d]))
			}
		}
	}

	if len(r.Issues) > 0 {
		counts := map[edit.Severity]int{}
		for _, iss := range r.Issues {
			counts[iss.Severity]++
		}
		fmt.Fprintf(&b, "\nIssues Found: %d\n", len(r.Issues))
		fmt.Fprintf(&b, "  - High: %d, Medium: %d, Low: %d\n",
			counts[edit.SeverityHigh], counts[edit.SeverityMedium], counts[edit.SeverityLow])
	}

	if len(r.Diagnostics) > 0 {
		b.WriteString("\nDiagnostics:\n")
		for _, d := range r.Diagnostics {
			fmt.Fprintf(&b, "  - %s\n", d)
		}
	}

	b.WriteString("\n" + rule + "\n")
	return b.String()
}

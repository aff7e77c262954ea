package compile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/heimdex/heimdex-compiler/internal/edit"
)

const (
	feedbackMediumIssues    = 3
	feedbackRecommendations = 3
)

// BuildFeedback turns a verification report and the quick-check findings into the revision notes
// for the next planning pass. High-severity issues are always listed in full and come first.
func BuildFeedback(report *edit.Report, quick []edit.Issue) string {
	var b strings.Builder
	named := map[string]bool{}

	if report != nil {
		fmt.Fprintf(&b, "Overall score: %s/10\n", formatScore(report.OverallScore))

		if len(report.Scores) > 0 {
			dims := make([]string, 0, len(report.Scores))
			for d := range report.Scores {
				dims = append(dims, d)
			}
			sort.Strings(dims)
			b.WriteString("\nScores by dimension:\n")
			for _, d := range dims {
				fmt.Fprintf(&b, "- %s: %s/10\n", d, formatScore(report.Scores[d]))
			}
		}

		if high := report.IssuesBySeverity(edit.SeverityHigh); len(high) > 0 {
			b.WriteString("\nHigh priority issues to address:\n")
			for _, iss := range high {
				named[iss.Description] = true
				fmt.Fprintf(&b, "- %s\n", iss.Description)
				if iss.Suggestion != "" {
					fmt.Fprintf(&b, "  Suggestion: %s\n", iss.Suggestion)
				}
			}
		}

		if medium := report.IssuesBySeverity(edit.SeverityMedium); len(medium) > 0 {
			b.WriteString("\nMedium priority issues:\n")
			for i, iss := range medium {
				if i == feedbackMediumIssues {
					break
				}
				named[iss.Description] = true
				fmt.Fprintf(&b, "- %s\n", iss.Description)
			}
		}

		if len(report.Recommendations) > 0 {
			b.WriteString("\nRecommendations:\n")
			for i, rec := range report.Recommendations {
				if i == feedbackRecommendations {
					break
				}
				fmt.Fprintf(&b, "- %s\n", rec)
			}
		}
	}

	var checks []edit.Issue
	for _, iss := range quick {
		if !named[iss.Description] {
			checks = append(checks, iss)
		}
	}
	if len(checks) > 0 {
		edit.SortIssues(checks)
		b.WriteString("\nAutomated checks:\n")
		for _, iss := range checks {
			fmt.Fprintf(&b, "- [%s] %s\n", iss.Severity, iss.Description)
		}
	}
	return strings.TrimSpace(b.String())
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

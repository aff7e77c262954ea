package edit

import (
	"fmt"
	"math"
	"time"
)

const (
	durationTolerance = 0.10
	durationHighLimit = 0.20
	minShotLength     = 2 * time.Second
	maxShotLength     = 15 * time.Second
)

// QuickCheck runs the deterministic checks that need no generation call: total and per-beat
// duration against target, beats left empty, very short and very long shots.
func QuickCheck(plan *Plan, selections []Selection, target time.Duration) []Issue {
	var issues []Issue

	if target > 0 {
		if iss, ok := durationIssue(Total(selections), target, 0); ok {
			iss.Description = fmt.Sprintf("Duration mismatch: %.1fs vs target %.0fs",
				Total(selections).Seconds(), target.Seconds())
			issues = append(issues, iss)
		}
	}

	byBeat := make(map[int][]Selection)
	for _, s := range selections {
		byBeat[s.BeatNumber] = append(byBeat[s.BeatNumber], s)
	}

	if plan != nil {
		for _, b := range plan.Beats {
			sel := byBeat[b.Number]
			if len(sel) == 0 {
				issues = append(issues, Issue{
					Severity:    SeverityHigh,
					Category:    "technical",
					Description: fmt.Sprintf("Beat %d has no shots selected", b.Number),
					Suggestion:  "Select shots for this beat",
					BeatNumber:  b.Number,
				})
				continue
			}
			if b.TargetDuration > 0 {
				if iss, ok := durationIssue(Total(sel), b.Target(), b.Number); ok {
					issues = append(issues, iss)
				}
			}
		}
	}

	for _, s := range selections {
		d := s.Duration()
		switch {
		case d < minShotLength:
			issues = append(issues, Issue{
				Severity:    SeverityLow,
				Category:    "technical",
				Description: fmt.Sprintf("Shot %d is very short (%.1fs)", s.ShotID, d.Seconds()),
				Suggestion:  "Consider using a longer shot",
				BeatNumber:  s.BeatNumber,
			})
		case d > maxShotLength:
			issues = append(issues, Issue{
				Severity:    SeverityMedium,
				Category:    "technical",
				Description: fmt.Sprintf("Shot %d is very long (%.1fs)", s.ShotID, d.Seconds()),
				Suggestion:  "Consider trimming or splitting",
				BeatNumber:  s.BeatNumber,
			})
		}
	}

	SortIssues(issues)
	return issues
}

// Passed reports whether no high-severity issue is present.
func Passed(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityHigh {
			return false
		}
	}
	return true
}

func durationIssue(actual, target time.Duration, beat int) (Issue, bool) {
	diff := math.Abs(actual.Seconds() - target.Seconds())
	if diff <= target.Seconds()*durationTolerance {
		return Issue{}, false
	}
	sev := SeverityMedium
	if diff > target.Seconds()*durationHighLimit {
		sev = SeverityHigh
	}
	return Issue{
		Severity: sev,
		Category: "technical",
		Description: fmt.Sprintf("Beat %d runs %.1fs against a target of %.1fs",
			beat, actual.Seconds(), target.Seconds()),
		Suggestion: "Adjust shot selections to meet target duration",
		BeatNumber: beat,
	}, true
}

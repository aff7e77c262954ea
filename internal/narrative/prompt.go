package narrative

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/continuity"
	"github.com/heimdex/heimdex-compiler/internal/edit"
	"github.com/heimdex/heimdex-compiler/internal/retrieval"
	"github.com/heimdex/heimdex-compiler/internal/sequence"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

const strictInstruction = "IMPORTANT: your previous answer could not be parsed. Respond with exactly one JSON " +
	"object using only the keys shown below. Do not wrap it in markdown code fences and do not write anything " +
	"before or after it."

var systemPrompts = map[string]string{
	StagePlan: "You are the planning stage of a news video editing system. Given an editorial brief, a target " +
		"duration and a summary of the available footage, produce a beat-by-beat structure with a clear " +
		"beginning, middle and end. Every beat names what it covers, why it matters, its target duration in " +
		"seconds and the shot types it needs. Respond with a single JSON object.",
	StageSelect: "You are the shot selection stage of a news video editing system. Choose shots for one beat " +
		"so that every cut brings new information, changes angle or framing, and keeps continuity of subjects " +
		"and sound. Never reuse a shot listed as already selected and never cut between shots flagged as a " +
		"jump cut. Respond with a single JSON object.",
	StageVerify: "You are the verification stage of a news video editing system. Judge the compiled edit for " +
		"narrative flow, brief compliance, technical quality and broadcast standards, each scored 1-10. Flag " +
		"jump cuts, shots under 2 seconds, incomplete sound bites and duration off target. Respond with a " +
		"single JSON object.",
}

const planFormat = `{
  "story_angle": "The main editorial angle",
  "beats": [
    {
      "beat_number": 1,
      "title": "Opening",
      "description": "What this beat covers",
      "purpose": "Why this beat matters",
      "target_duration": 20,
      "required_types": ["WIDE", "BROLL"],
      "requirements": "What the shots must show"
    }
  ],
  "notes": "Optional notes"
}`

const selectFormat = `{
  "selections": [
    {
      "shot_id": 123,
      "trim_in": "00:00:01:00",
      "trim_out": "00:00:06:00",
      "rationale": "Why this shot, at this point"
    }
  ],
  "reasoning": "Overall reasoning for this beat"
}`

const relaxFormat = `{
  "relaxation": {
    "query": "A broader search for this beat",
    "required_types": [],
    "min_duration": 0,
    "max_duration": 0,
    "reason": "Why these constraints can be widened"
  }
}`

const verifyFormat = `{
  "approved": false,
  "overall_score": 7,
  "scores": {
    "narrative_flow": 7,
    "brief_compliance": 8,
    "technical_quality": 7,
    "broadcast_standards": 8
  },
  "issues": [
    {
      "severity": "high|medium|low",
      "category": "narrative|technical|continuity|standards",
      "description": "What is wrong",
      "location": "Between shots X and Y",
      "suggestion": "How to fix it",
      "beat_number": 2
    }
  ],
  "strengths": ["What works"],
  "recommendations": ["What to change"],
  "summary": "One paragraph judgment"
}`

func formatPlan(req PlanRequest) string {
	var b strings.Builder
	if req.Strict {
		b.WriteString(strictInstruction + "\n\n")
	}
	b.WriteString("# Story Planning Task\n\n")
	b.WriteString("## Editorial Brief\n")
	b.WriteString(strings.TrimSpace(req.Brief) + "\n\n")
	b.WriteString("## Requirements\n")
	fmt.Fprintf(&b, "- Target Duration: %.0f seconds\n", req.TargetDuration.Seconds())
	if ws := req.Material; ws != nil {
		fmt.Fprintf(&b, "- Available Material: %d shots, %.1fs total\n", ws.Len(), ws.TotalDuration.Seconds())
		fmt.Fprintf(&b, "- Shot Types Available: %s\n", formatCounts(ws.TypeCounts))
		if ws.Degraded {
			b.WriteString("- Search ran without semantic scoring; relevance is lexical only\n")
		}
	}
	b.WriteString("\n")

	if req.Feedback != "" {
		fmt.Fprintf(&b, "## Feedback From Iteration %d\n", req.Iteration)
		b.WriteString(strings.TrimSpace(req.Feedback) + "\n\n")
		if req.Previous != nil {
			b.WriteString("## Previous Plan\n")
			for _, beat := range req.Previous.Beats {
				fmt.Fprintf(&b, "- Beat %d (%s, %.0fs): %s\n", beat.Number, beat.Title, beat.TargetDuration, beat.Description)
			}
			b.WriteString("\n")
		}
	}

	if req.Sequences.Len() > 0 {
		b.WriteString(sequence.Summarize(req.Sequences))
	}
	if req.Material != nil {
		b.WriteString(FormatWorkingSet(req.Material, 500))
	}

	b.WriteString("\n## Output Format\n")
	b.WriteString(planFormat + "\n")
	return b.String()
}

func formatSelect(req SelectRequest) string {
	var b strings.Builder
	if req.Strict {
		b.WriteString(strictInstruction + "\n\n")
	}
	beat := req.Beat
	b.WriteString("# Shot Selection Task\n\n")
	fmt.Fprintf(&b, "## Beat %d: %s\n", beat.Number, beat.Title)
	fmt.Fprintf(&b, "**Description:** %s\n", beat.Description)
	if beat.Purpose != "" {
		fmt.Fprintf(&b, "**Purpose:** %s\n", beat.Purpose)
	}
	fmt.Fprintf(&b, "**Target Duration:** %.0f seconds\n", beat.TargetDuration)
	if len(beat.RequiredTypes) > 0 {
		fmt.Fprintf(&b, "**Required Shot Types:** %s\n", strings.Join(beat.RequiredTypes, ", "))
	}
	if beat.Requirements != "" {
		fmt.Fprintf(&b, "**Requirements:** %s\n", beat.Requirements)
	}
	b.WriteString("\n")

	if len(req.Excluded) > 0 {
		b.WriteString("## Already Selected Shots\n")
		fmt.Fprintf(&b, "Do not select these shot ids: %s\n\n", formatIDs(req.Excluded))
	}
	if len(req.Previous) > 0 {
		last := req.Previous[len(req.Previous)-1]
		fmt.Fprintf(&b, "The previous beat ends on shot %d.\n\n", last.ShotID)
	}

	if req.Relax {
		b.WriteString("## No Candidates\n")
		b.WriteString("The search for this beat returned no usable shots with the current constraints. ")
		b.WriteString("Propose a relaxation: a broader query and wider shot-type or duration constraints.\n")
		b.WriteString("\n## Output Format\n")
		b.WriteString(relaxFormat + "\n")
		return b.String()
	}

	b.WriteString(formatSequences(req.Sequences, req.Candidates, req.Continuity))

	b.WriteString("\n## Output Format\n")
	b.WriteString("Trims are offsets inside the shot, as HH:MM:SS:FF or seconds.\n")
	b.WriteString(selectFormat + "\n")
	return b.String()
}

func formatVerify(req VerifyRequest) string {
	var b strings.Builder
	if req.Strict {
		b.WriteString(strictInstruction + "\n\n")
	}
	b.WriteString("# Edit Verification Task\n\n")
	b.WriteString("## Editorial Brief\n")
	b.WriteString(strings.TrimSpace(req.Brief) + "\n\n")

	b.WriteString("## Story Plan\n")
	fmt.Fprintf(&b, "Target Duration: %.0fs\n", req.TargetDuration.Seconds())
	if req.Plan != nil {
		fmt.Fprintf(&b, "Planned Duration: %.0fs\n", req.Plan.TotalTarget().Seconds())
		fmt.Fprintf(&b, "Total Beats: %d\n\n", len(req.Plan.Beats))
		for _, beat := range req.Plan.Beats {
			fmt.Fprintf(&b, "### Beat %d: %s\n", beat.Number, beat.Title)
			fmt.Fprintf(&b, "- Description: %s\n", beat.Description)
			fmt.Fprintf(&b, "- Target Duration: %.0fs\n\n", beat.TargetDuration)
		}
	}

	b.WriteString("## Compiled Edit\n")
	fmt.Fprintf(&b, "Total Shots: %d\n", len(req.Selections))
	fmt.Fprintf(&b, "Total Duration: %.1fs\n\n", edit.Total(req.Selections).Seconds())
	for _, s := range req.Selections {
		fmt.Fprintf(&b, "* Beat %d, Shot %d: %.1fs (%.1fs-%.1fs)", s.BeatNumber, s.ShotID,
			s.Duration().Seconds(), s.TrimIn.Seconds(), s.TrimOut.Seconds())
		if sh, ok := req.Shots[s.ShotID]; ok {
			fmt.Fprintf(&b, " [%s]", shotLabel(&sh))
		}
		b.WriteString("\n")
		if s.Rationale != "" {
			fmt.Fprintf(&b, "  Reason: %s\n", s.Rationale)
		}
	}
	b.WriteString("\n")

	if len(req.QuickCheck) > 0 {
		b.WriteString("## Automated Checks\n")
		for _, iss := range req.QuickCheck {
			fmt.Fprintf(&b, "- [%s] %s\n", iss.Severity, iss.Description)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Output Format\n")
	b.WriteString(verifyFormat + "\n")
	return b.String()
}

// FormatWorkingSet renders a ranked working set for generation context. Transcripts are cut at
// transcriptLimit characters; zero keeps them whole.
func FormatWorkingSet(ws *retrieval.WorkingSet, transcriptLimit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Working Set: %s\n", ws.StoryID)
	if ws.Query != "" {
		fmt.Fprintf(&b, "Query: %s\n", ws.Query)
	}
	fmt.Fprintf(&b, "Total Shots: %d\n", ws.Len())
	fmt.Fprintf(&b, "Total Duration: %.1fs\n\n", ws.TotalDuration.Seconds())
	for _, sc := range ws.Candidates {
		writeShot(&b, &sc.Shot, sc.Final, transcriptLimit)
	}
	for _, sc := range ws.Context {
		writeShot(&b, &sc.Shot, -1, transcriptLimit)
	}
	return b.String()
}

func formatSequences(set *sequence.Set, ws *retrieval.WorkingSet, analyses []*continuity.Analysis) string {
	var b strings.Builder
	byName := make(map[string]*continuity.Analysis, len(analyses))
	for _, a := range analyses {
		if a != nil {
			byName[a.Sequence] = a
		}
	}

	if set.Len() == 0 {
		if ws == nil {
			return "## Candidate Shots\nNone\n"
		}
		return FormatWorkingSet(ws, 150)
	}
	b.WriteString("## Candidate Sequences\n")
	fmt.Fprintf(&b, "Total: %d sequences\n\n", set.Len())
	for _, seq := range set.Sequences() {
		fmt.Fprintf(&b, "### Sequence %s (%d shots, %.1fs)\n", seq.Name, len(seq.Shots), seq.Duration.Seconds())
		a := byName[seq.Name]
		for i := range seq.Shots {
			sh := &seq.Shots[i]
			score := -1.0
			if ws != nil {
				if sc, ok := ws.Score(sh.ID); ok && !sc.Context {
					score = sc.Final
				}
			}
			writeShot(&b, sh, score, 150)
			if a != nil {
				note := a.Note(sh.ID)
				fmt.Fprintf(&b, "- Quality: %.1f/10\n", note.QualityScore)
				if len(note.CompatibleWith) > 0 {
					fmt.Fprintf(&b, "- Cuts well with: %s\n", formatIDs(note.CompatibleWith))
				}
				if len(note.AvoidWith) > 0 {
					fmt.Fprintf(&b, "- Avoid cutting to: %s\n", formatIDs(note.AvoidWith))
				}
				b.WriteString("\n")
			}
		}
		if a != nil {
			for _, p := range a.RecommendedProgressions {
				fmt.Fprintf(&b, "Recommended progression: %s\n", formatIDs(p))
			}
			for _, w := range a.Warnings {
				fmt.Fprintf(&b, "WARNING [%s] %s: %s\n", w.Severity, w.Type, w.Description)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// writeShot writes one shot entry. A negative score marks a context shot.
func writeShot(b *strings.Builder, sh *shots.Shot, score float64, transcriptLimit int) {
	fmt.Fprintf(b, "**Shot %d** (%s, %.1fs)\n", sh.ID, typeOrUnknown(sh.ShotType), sh.Duration().Seconds())
	if sh.TCIn != "" || sh.TCOut != "" {
		fmt.Fprintf(b, "- Timecode: %s - %s\n", sh.TCIn, sh.TCOut)
	}
	if score >= 0 {
		fmt.Fprintf(b, "- Relevance: %.2f\n", score)
	} else {
		b.WriteString("- Context: adjacent in time to a ranked shot\n")
	}
	if !sh.CapturedAt.IsZero() {
		fmt.Fprintf(b, "- Captured: %s\n", sh.CapturedAt.UTC().Format(time.RFC3339))
	}
	if sh.Location != "" {
		fmt.Fprintf(b, "- Location: %s\n", sh.Location)
	}
	if sh.Description != "" {
		fmt.Fprintf(b, "- Visual: %s\n", sh.Description)
	}
	if v := sh.Visual; v != nil {
		var parts []string
		if v.ShotSize != "" {
			parts = append(parts, "Size: "+v.ShotSize)
		}
		if v.CameraMovement != "" {
			parts = append(parts, "Movement: "+v.CameraMovement)
		}
		if len(v.Subjects) > 0 {
			parts = append(parts, "Subjects: "+strings.Join(v.Subjects, ", "))
		}
		if len(parts) > 0 {
			fmt.Fprintf(b, "- %s\n", strings.Join(parts, " | "))
		}
	}
	if sh.Transcript != "" {
		fmt.Fprintf(b, "- Transcript: %q\n", truncate(sh.Transcript, transcriptLimit))
	}
	if sh.Summary != "" {
		fmt.Fprintf(b, "- Summary: %s\n", sh.Summary)
	}
	if sh.HasFace {
		b.WriteString("- Has Face: Yes\n")
	}
	b.WriteString("\n")
}

func shotLabel(sh *shots.Shot) string {
	label := typeOrUnknown(sh.ShotType)
	if size := sh.ShotSize(); size != "" && size != label {
		label += " " + size
	}
	if sh.Transcript != "" {
		label += ": " + truncate(sh.Transcript, 80)
	} else if sh.Description != "" {
		label += ": " + truncate(sh.Description, 80)
	}
	return label
}

func typeOrUnknown(t string) string {
	if t == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(t)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func formatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, ", ")
}

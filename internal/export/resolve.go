package export

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/edit"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

// Resolve maps each selection of e onto its shot's source timecode: the shot's TC-in plus the
// trims. Selections whose shot is missing are reported in unresolved and left out.
func Resolve(e *edit.Edit, byID map[int64]shots.Shot) (clips []Clip, unresolved []int64) {
	if e == nil {
		return nil, nil
	}
	for _, sel := range e.Selections {
		sh, ok := byID[sel.ShotID]
		if !ok {
			unresolved = append(unresolved, sel.ShotID)
			continue
		}

		var base time.Duration
		if tc, err := edit.ParseTimecode(sh.TCIn, sh.FPS); err == nil {
			base = tc.Duration()
		}
		in, out := sel.TrimIn.Duration(), sel.TrimOut.Duration()
		if out <= in {
			out = sh.Duration()
		}

		c := Clip{
			ClipName:   clipName(sh),
			MediaPath:  sh.Path,
			SourceIn:   base + in,
			SourceOut:  base + out,
			ShotID:     sh.ID,
			BeatNumber: sel.BeatNumber,
			Reason:     sel.Rationale,
		}
		if e.Plan != nil {
			if b, ok := e.Plan.Beat(sel.BeatNumber); ok {
				c.BeatTitle = b.Title
			}
		}
		clips = append(clips, c)
	}
	return clips, unresolved
}

func clipName(sh shots.Shot) string {
	base := filepath.Base(sh.Path)
	name := SanitizeName(strings.TrimSuffix(base, filepath.Ext(base)), 160)
	if name == "" || name == "." {
		return "shot_" + formatID(sh.ID)
	}
	return name
}

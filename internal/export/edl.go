package export

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const reasonMaxLen = 60

// GenerateEDL renders clips as a CMX 3600 edit list. Record timecode starts at zero and runs
// without gaps. 29.97 and 59.94 use drop-frame timecode.
func GenerateEDL(clips []Clip, title string, frameRate float64) string {
	if frameRate <= 0 {
		frameRate = 30
	}
	dropFrame := isDropFrame(frameRate)

	lines := []string{fmt.Sprintf("TITLE: %s", title)}
	if dropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	record := 0
	for i, clip := range clips {
		srcIn := toFrames(clip.SourceIn, frameRate)
		srcOut := toFrames(clip.SourceOut, frameRate)
		length := srcOut - srcIn
		if length < 0 {
			length = 0
		}

		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", i+1, "AX", "V",
				framesToTimecode(srcIn, frameRate), framesToTimecode(srcOut, frameRate),
				framesToTimecode(record, frameRate), framesToTimecode(record+length, frameRate)),
			fmt.Sprintf("* FROM CLIP NAME:  %s", clip.ClipName),
			fmt.Sprintf("* MEDIA PATH:  %s", clip.MediaPath),
			fmt.Sprintf("* SHOT_ID: %d", clip.ShotID),
		)
		if clip.BeatNumber > 0 {
			beat := strconv.Itoa(clip.BeatNumber)
			if clip.BeatTitle != "" {
				beat += " - " + clip.BeatTitle
			}
			lines = append(lines, "* BEAT: "+beat)
		}
		if reason := oneLine(clip.Reason); reason != "" {
			lines = append(lines, "* REASON: "+truncateRunes(reason, reasonMaxLen))
		}

		record += length
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

func isDropFrame(frameRate float64) bool {
	return math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01
}

func toFrames(d time.Duration, frameRate float64) int {
	return int(math.Round(d.Seconds() * frameRate))
}

// framesToTimecode labels a frame count. Drop-frame skips frame numbers 0 and 1 (0-3 at 59.94)
// at the start of every minute except each tenth minute.
func framesToTimecode(frames int, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = 30
	}
	sep := ":"
	if isDropFrame(frameRate) {
		sep = ";"
		drop := fps / 15
		perMinute := fps*60 - drop
		perTenMinutes := fps*600 - drop*9

		tens := frames / perTenMinutes
		rem := frames % perTenMinutes
		frames += drop * 9 * tens
		if rem > drop {
			frames += drop * ((rem - drop) / perMinute)
		}
	}

	ff := frames % fps
	totalSeconds := frames / fps
	return fmt.Sprintf("%02d:%02d:%02d%s%02d", totalSeconds/3600, totalSeconds/60%60, totalSeconds%60, sep, ff)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

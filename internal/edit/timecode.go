package edit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultFPS is used to read frame counts when a timecode carries no rate.
const DefaultFPS = 25

// Timecode is an offset that decodes from numeric seconds, "HH:MM:SS:FF", "HH:MM:SS.mmm"
// or "MM:SS" and encodes as seconds with millisecond precision.
type Timecode time.Duration

func Seconds(s float64) Timecode {
	return Timecode(time.Duration(math.Round(s*1000)) * time.Millisecond)
}

func (t Timecode) Duration() time.Duration { return time.Duration(t) }

func (t Timecode) Seconds() float64 { return time.Duration(t).Seconds() }

func (t Timecode) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(math.Round(t.Seconds()*1000)/1000, 'f', -1, 64)), nil
}

func (t *Timecode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := ParseTimecode(s, DefaultFPS)
		if err != nil {
			return err
		}
		*t = v
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("timecode must be seconds or a timecode string: %w", err)
	}
	if f < 0 {
		return fmt.Errorf("negative timecode %v", f)
	}
	*t = Seconds(f)
	return nil
}

// ParseTimecode reads a timecode string. Frame fields are converted at fps.
func ParseTimecode(s string, fps float64) (Timecode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if fps <= 0 {
		fps = DefaultFPS
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < 0 {
			return 0, fmt.Errorf("negative timecode %q", s)
		}
		return Seconds(f), nil
	}

	parts := strings.Split(strings.ReplaceAll(s, ";", ":"), ":")
	var h, m, frames int
	var sec float64
	var err error
	switch len(parts) {
	case 4:
		if h, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("invalid timecode %q", s)
		}
		if m, err = strconv.Atoi(parts[1]); err != nil {
			return 0, fmt.Errorf("invalid timecode %q", s)
		}
		if sec, err = strconv.ParseFloat(parts[2], 64); err != nil {
			return 0, fmt.Errorf("invalid timecode %q", s)
		}
		if frames, err = strconv.Atoi(parts[3]); err != nil {
			return 0, fmt.Errorf("invalid timecode %q", s)
		}
	case 3:
		if h, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("invalid timecode %q", s)
		}
		if m, err = strconv.Atoi(parts[1]); err != nil {
			return 0, fmt.Errorf("invalid timecode %q", s)
		}
		if sec, err = strconv.ParseFloat(parts[2], 64); err != nil {
			return 0, fmt.Errorf("invalid timecode %q", s)
		}
	case 2:
		if m, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("invalid timecode %q", s)
		}
		if sec, err = strconv.ParseFloat(parts[1], 64); err != nil {
			return 0, fmt.Errorf("invalid timecode %q", s)
		}
	default:
		return 0, fmt.Errorf("invalid timecode %q", s)
	}
	if h < 0 || m < 0 || sec < 0 || frames < 0 {
		return 0, fmt.Errorf("negative timecode %q", s)
	}

	total := float64(h*3600+m*60) + sec + float64(frames)/fps
	return Seconds(total), nil
}

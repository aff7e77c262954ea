package export

import (
	"fmt"
	"strings"
)

// Format is an edit-list file format.
type Format string

const (
	FormatEDL    Format = "edl"
	FormatFCPXML Format = "fcpxml"
)

// ParseFormat accepts a format name case-insensitively. An empty name means EDL.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatEDL:
		return FormatEDL, nil
	case FormatFCPXML:
		return FormatFCPXML, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

func (f Format) Extension() string {
	return "." + string(f)
}

func (f Format) ContentType() string {
	if f == FormatFCPXML {
		return "application/xml; charset=utf-8"
	}
	return "text/plain; charset=utf-8"
}

// Render writes clips in format f.
func Render(f Format, clips []Clip, title string, frameRate float64) ([]byte, error) {
	switch f {
	case FormatEDL:
		return []byte(GenerateEDL(clips, title, frameRate)), nil
	case FormatFCPXML:
		doc, err := GenerateFCPXML(clips, title, frameRate)
		if err != nil {
			return nil, err
		}
		return []byte(doc), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", f)
	}
}

package export

import (
	"encoding/xml"
	"fmt"
	"math"
	"net/url"
	"path/filepath"
	"strconv"
)

const fcpxmlVersion = "1.10"

type fcpxmlDoc struct {
	XMLName   xml.Name     `xml:"fcpxml"`
	Version   string       `xml:"version,attr"`
	Resources fcpResources `xml:"resources"`
	Library   fcpLibrary   `xml:"library"`
}

type fcpResources struct {
	Formats []fcpFormat `xml:"format"`
	Assets  []fcpAsset  `xml:"asset"`
}

type fcpFormat struct {
	ID            string `xml:"id,attr"`
	FrameDuration string `xml:"frameDuration,attr"`
	Width         int    `xml:"width,attr"`
	Height        int    `xml:"height,attr"`
}

type fcpAsset struct {
	ID       string      `xml:"id,attr"`
	Name     string      `xml:"name,attr"`
	Start    string      `xml:"start,attr"`
	Duration string      `xml:"duration,attr"`
	HasVideo string      `xml:"hasVideo,attr"`
	Format   string      `xml:"format,attr"`
	MediaRep fcpMediaRep `xml:"media-rep"`
}

type fcpMediaRep struct {
	Kind string `xml:"kind,attr"`
	Src  string `xml:"src,attr"`
}

type fcpLibrary struct {
	Events []fcpEvent `xml:"event"`
}

type fcpEvent struct {
	Name     string       `xml:"name,attr"`
	Projects []fcpProject `xml:"project"`
}

type fcpProject struct {
	Name     string      `xml:"name,attr"`
	Sequence fcpSequence `xml:"sequence"`
}

type fcpSequence struct {
	Format   string   `xml:"format,attr"`
	Duration string   `xml:"duration,attr"`
	TCStart  string   `xml:"tcStart,attr"`
	TCFormat string   `xml:"tcFormat,attr"`
	Spine    fcpSpine `xml:"spine"`
}

type fcpSpine struct {
	Clips []fcpAssetClip `xml:"asset-clip"`
}

type fcpAssetClip struct {
	Ref      string       `xml:"ref,attr"`
	Offset   string       `xml:"offset,attr"`
	Name     string       `xml:"name,attr"`
	Start    string       `xml:"start,attr"`
	Duration string       `xml:"duration,attr"`
	TCFormat string       `xml:"tcFormat,attr"`
	Note     string       `xml:"note,omitempty"`
	Metadata *fcpMetadata `xml:"metadata,omitempty"`
}

type fcpMetadata struct {
	Items []fcpMD `xml:"md"`
}

type fcpMD struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

// frameRational is the duration of one frame as num/den seconds. NTSC rates use the 1001
// numerator.
type frameRational struct {
	num, den int64
}

func newFrameRational(frameRate float64) frameRational {
	if frameRate <= 0 {
		frameRate = 30
	}
	whole := math.Round(frameRate)
	if ntsc := math.Round(frameRate * 1.001); math.Abs(frameRate-whole) > 0.01 && math.Abs(frameRate-ntsc*1000/1001) < 0.01 {
		return frameRational{num: 1001, den: int64(ntsc) * 1000}
	}
	if math.Abs(frameRate-whole) < 0.001 {
		return frameRational{num: 1, den: int64(whole)}
	}
	r := frameRational{num: 100, den: int64(math.Round(frameRate * 100))}
	g := gcd(r.num, r.den)
	return frameRational{num: r.num / g, den: r.den / g}
}

func (f frameRational) String() string {
	return f.time(1)
}

// time renders a frame count as an FCPXML rational time value.
func (f frameRational) time(frames int) string {
	if frames <= 0 {
		return "0s"
	}
	num, den := int64(frames)*f.num, f.den
	g := gcd(num, den)
	num, den = num/g, den/g
	if den == 1 {
		return strconv.FormatInt(num, 10) + "s"
	}
	return fmt.Sprintf("%d/%ds", num, den)
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

// GenerateFCPXML renders clips as a Final Cut Pro XML project with one asset per media file and
// one asset-clip per clip on the primary storyline. Times are frame-aligned at frameRate, so
// clip offsets match the record timecode of GenerateEDL.
func GenerateFCPXML(clips []Clip, title string, frameRate float64) (string, error) {
	if frameRate <= 0 {
		frameRate = 30
	}
	frame := newFrameRational(frameRate)
	tcFormat := "NDF"
	if isDropFrame(frameRate) {
		tcFormat = "DF"
	}

	doc := fcpxmlDoc{
		Version: fcpxmlVersion,
		Resources: fcpResources{
			Formats: []fcpFormat{{ID: "r1", FrameDuration: frame.String(), Width: 1920, Height: 1080}},
		},
	}

	// Assets span every range their clips use.
	type span struct{ in, out int }
	spans := map[string]*span{}
	refs := map[string]string{}
	var order []string
	for _, c := range clips {
		in, out := toFrames(c.SourceIn, frameRate), toFrames(c.SourceOut, frameRate)
		sp, ok := spans[c.MediaPath]
		if !ok {
			spans[c.MediaPath] = &span{in: in, out: out}
			refs[c.MediaPath] = "r" + strconv.Itoa(len(order)+2)
			order = append(order, c.MediaPath)
			continue
		}
		sp.in = min(sp.in, in)
		sp.out = max(sp.out, out)
	}
	for _, path := range order {
		sp := spans[path]
		doc.Resources.Assets = append(doc.Resources.Assets, fcpAsset{
			ID:       refs[path],
			Name:     assetName(path),
			Start:    frame.time(sp.in),
			Duration: frame.time(sp.out - sp.in),
			HasVideo: "1",
			Format:   "r1",
			MediaRep: fcpMediaRep{Kind: "original-media", Src: fileURL(path)},
		})
	}

	var spine fcpSpine
	record := 0
	for _, c := range clips {
		in, out := toFrames(c.SourceIn, frameRate), toFrames(c.SourceOut, frameRate)
		length := max(out-in, 0)

		ac := fcpAssetClip{
			Ref:      refs[c.MediaPath],
			Offset:   frame.time(record),
			Name:     c.ClipName,
			Start:    frame.time(in),
			Duration: frame.time(length),
			TCFormat: tcFormat,
			Note:     oneLine(c.Reason),
			Metadata: &fcpMetadata{Items: []fcpMD{{Key: "com.heimdex.shotID", Value: formatID(c.ShotID)}}},
		}
		if c.BeatNumber > 0 {
			beat := strconv.Itoa(c.BeatNumber)
			if c.BeatTitle != "" {
				beat += " - " + c.BeatTitle
			}
			ac.Metadata.Items = append(ac.Metadata.Items, fcpMD{Key: "com.heimdex.beat", Value: beat})
		}
		spine.Clips = append(spine.Clips, ac)
		record += length
	}

	doc.Library.Events = []fcpEvent{{
		Name: title,
		Projects: []fcpProject{{
			Name: title,
			Sequence: fcpSequence{
				Format:   "r1",
				Duration: frame.time(record),
				TCStart:  "0s",
				TCFormat: tcFormat,
				Spine:    spine,
			},
		}},
	}}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal fcpxml: %w", err)
	}
	return xml.Header + "<!DOCTYPE fcpxml>\n" + string(body) + "\n", nil
}

func assetName(path string) string {
	base := filepath.Base(path)
	name := base[:len(base)-len(filepath.Ext(base))]
	if name == "" || name == "." {
		return base
	}
	return name
}

func fileURL(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}

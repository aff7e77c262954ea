// Package shots holds the analyzed-shot corpus: the Shot record, the read contract the
// compiler core consumes (Store) and its SQLite and Postgres/pgvector implementations.
package shots

import (
	"context"
	"strings"
	"time"
)

// Shot types written by the analysis stage. Values are compared case-insensitively.
const (
	TypeSOT       = "SOT"
	TypeInterview = "INTERVIEW"
	TypeWide      = "WIDE"
	TypeMedium    = "MEDIUM"
	TypeClose     = "CLOSE"
	TypeCutaway   = "CUTAWAY"
	TypeBRoll     = "BROLL"
)

// VisualAttributes is the structured description produced by the visual analysis stage.
type VisualAttributes struct {
	ShotSize       string   `json:"shot_size,omitempty"`
	CameraMovement string   `json:"camera_movement,omitempty"`
	Subjects       []string `json:"subjects,omitempty"`
	Quality        float64  `json:"quality,omitempty"`
}

// Shot is one analyzed clip. The compiler core treats it as read-only.
type Shot struct {
	ID          int64             `json:"shot_id"`
	StoryID     string            `json:"story_id"`
	Path        string            `json:"path"`
	ProxyPath   string            `json:"proxy_path,omitempty"`
	ThumbPath   string            `json:"thumb_path,omitempty"`
	TCIn        string            `json:"tc_in,omitempty"`
	TCOut       string            `json:"tc_out,omitempty"`
	FPS         float64           `json:"fps,omitempty"`
	DurationMs  int               `json:"duration_ms"`
	ShotType    string            `json:"shot_type,omitempty"`
	Transcript  string            `json:"transcript,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Description string            `json:"description,omitempty"`
	Visual      *VisualAttributes `json:"visual,omitempty"`
	HasFace     bool              `json:"has_face"`
	Location    string            `json:"location,omitempty"`
	Context     string            `json:"context,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	CapturedAt  time.Time         `json:"captured_at"`

	TextEmbedding   []float32 `json:"text_embedding,omitempty"`
	VisualEmbedding []float32 `json:"visual_embedding,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Duration returns the recorded length of the shot.
func (s *Shot) Duration() time.Duration {
	return time.Duration(s.DurationMs) * time.Millisecond
}

// IsInterview reports spoken-interview content: SOT/INTERVIEW type or an "interview" tag.
func (s *Shot) IsInterview() bool {
	switch strings.ToUpper(s.ShotType) {
	case TypeSOT, TypeInterview:
		return true
	}
	for _, t := range s.Tags {
		if strings.EqualFold(t, "interview") || strings.EqualFold(t, "sot") {
			return true
		}
	}
	return false
}

// Text is the searchable text of a shot: transcript, summary and visual description.
func (s *Shot) Text() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{s.Transcript, s.Summary, s.Description} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(s.Tags) > 0 {
		parts = append(parts, strings.Join(s.Tags, " "))
	}
	return strings.Join(parts, " ")
}

// ShotSize prefers the visual attribute and falls back to size-like shot types.
func (s *Shot) ShotSize() string {
	if s.Visual != nil && s.Visual.ShotSize != "" {
		return strings.ToUpper(s.Visual.ShotSize)
	}
	switch t := strings.ToUpper(s.ShotType); t {
	case TypeWide, TypeMedium, TypeClose:
		return t
	}
	return ""
}

// Filters restrict which shots a store returns. Zero values mean "no restriction".
type Filters struct {
	ShotTypes   []string      `json:"shot_types,omitempty"`
	MinDuration time.Duration `json:"min_duration,omitempty"`
	MaxDuration time.Duration `json:"max_duration,omitempty"`
}

// Matches applies the filters to a single shot, for stores that filter in memory.
func (f Filters) Matches(s *Shot) bool {
	if len(f.ShotTypes) > 0 {
		ok := false
		for _, t := range f.ShotTypes {
			if strings.EqualFold(t, s.ShotType) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	d := s.Duration()
	if f.MinDuration > 0 && d < f.MinDuration {
		return false
	}
	if f.MaxDuration > 0 && d > f.MaxDuration {
		return false
	}
	return true
}

// Store is the read contract the retrieval core depends on.
type Store interface {
	GetShots(ctx context.Context, storyID string, f Filters) ([]Shot, error)
	GetShotsByIDs(ctx context.Context, ids []int64) ([]Shot, error)
}

// VectorIndex is implemented by stores that can score text embeddings server-side.
// Similarities returns cosine similarity per shot id; shots without a vector are absent.
type VectorIndex interface {
	Similarities(ctx context.Context, storyID string, query []float32, ids []int64) (map[int64]float64, error)
}

// StorySummary is one row of the story listing.
type StorySummary struct {
	StoryID    string `json:"story_id"`
	ShotCount  int    `json:"shot_count"`
	DurationMs int64  `json:"duration_ms"`
}

// StoryStats describes the material available for one story.
type StoryStats struct {
	StoryID         string         `json:"story_id"`
	ShotCount       int            `json:"shot_count"`
	TotalDurationMs int64          `json:"total_duration_ms"`
	ShotTypes       map[string]int `json:"shot_types"`
	WithTranscript  int            `json:"with_transcript"`
	WithTextVector  int            `json:"with_text_vector"`
	WithVisualVec   int            `json:"with_visual_vector"`
	Locations       int            `json:"locations"`
	FirstCapture    time.Time      `json:"first_capture"`
	LastCapture     time.Time      `json:"last_capture"`
}

package export

import "time"

// Request asks for an archived compile job to be written as an edit list.
type Request struct {
	JobID       string  `json:"job_id"`
	ProjectName string  `json:"project_name"`
	Format      string  `json:"format"`
	FrameRate   float64 `json:"frame_rate"`
	OutputDir   string  `json:"output_dir"`
}

// Clip is one selection mapped back onto its source media.
type Clip struct {
	ClipName   string
	MediaPath  string
	SourceIn   time.Duration
	SourceOut  time.Duration
	ShotID     int64
	BeatNumber int
	BeatTitle  string
	Reason     string
}

func (c Clip) Duration() time.Duration {
	return c.SourceOut - c.SourceIn
}

type Response struct {
	Status          string  `json:"status"`
	Format          string  `json:"format"`
	OutputPath      string  `json:"output_path"`
	ClipCount       int     `json:"clip_count"`
	UnresolvedShots []int64 `json:"unresolved_shots"`
	DurationSeconds float64 `json:"duration_seconds"`
}

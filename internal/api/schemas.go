package api

import (
	"encoding/json"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/retrieval"
	"github.com/heimdex/heimdex-compiler/internal/sequence"
	"github.com/heimdex/heimdex-compiler/internal/sessions"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	DeviceID string `json:"device_id"`
}

type StatusResponse struct {
	State       string                   `json:"state"`
	LastError   string                   `json:"last_error,omitempty"`
	JobsPending int                      `json:"jobs_pending"`
	JobsRunning int                      `json:"jobs_running"`
	ActiveJob   *JobResponse             `json:"active_job,omitempty"`
	Embeddings  *EmbeddingStatusResponse `json:"embeddings,omitempty"`
}

type EmbeddingStatusResponse struct {
	Available   bool   `json:"available"`
	Dimension   int    `json:"dimension,omitempty"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

type StoriesResponse struct {
	Stories []shots.StorySummary `json:"stories"`
}

type ShotsResponse struct {
	StoryID string       `json:"story_id"`
	Shots   []shots.Shot `json:"shots"`
}

type RetrieveRequest struct {
	StoryID      string   `json:"story_id"`
	Query        string   `json:"query"`
	ShotTypes    []string `json:"shot_types,omitempty"`
	MinDurationS float64  `json:"min_duration_s,omitempty"`
	MaxDurationS float64  `json:"max_duration_s,omitempty"`
	MaxResults   int      `json:"max_results,omitempty"`
	Neighbors    int      `json:"neighbors,omitempty"`
	Exclude      []int64  `json:"exclude,omitempty"`
}

func (r RetrieveRequest) query() retrieval.Query {
	q := retrieval.Query{
		StoryID: r.StoryID,
		Text:    r.Query,
		Filters: shots.Filters{
			ShotTypes:   r.ShotTypes,
			MinDuration: seconds(r.MinDurationS),
			MaxDuration: seconds(r.MaxDurationS),
		},
		MaxResults: r.MaxResults,
		Neighbors:  r.Neighbors,
	}
	if len(r.Exclude) > 0 {
		q.Exclude = retrieval.NewExclusions(r.Exclude...)
	}
	return q
}

type SequencesRequest struct {
	RetrieveRequest
	Method string `json:"method,omitempty"`
}

type SequencesResponse struct {
	StoryID   string               `json:"story_id"`
	Method    string               `json:"method"`
	Degraded  bool                 `json:"degraded"`
	ShotCount int                  `json:"shot_count"`
	Sequences []*sequence.Sequence `json:"sequences"`
	Summary   string               `json:"summary"`
}

type CreateEditRequest struct {
	StoryID         string  `json:"story_id"`
	Brief           string  `json:"brief"`
	TargetDurationS float64 `json:"target_duration_s"`
	Draft           bool    `json:"draft,omitempty"`
}

type CreateEditResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type JobResponse struct {
	ID              string          `json:"id"`
	StoryID         string          `json:"story_id"`
	Brief           string          `json:"brief"`
	TargetDurationS float64         `json:"target_duration_s"`
	Draft           bool            `json:"draft"`
	Status          string          `json:"status"`
	State           string          `json:"state,omitempty"`
	Approved        bool            `json:"approved"`
	Score           float64         `json:"score"`
	Iterations      int             `json:"iterations"`
	Error           string          `json:"error,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type InteractionResponse struct {
	Seq        int    `json:"seq"`
	Stage      string `json:"stage"`
	Strict     bool   `json:"strict"`
	Prompt     string `json:"prompt"`
	Response   string `json:"response,omitempty"`
	PromptHash string `json:"prompt_hash"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	At         string `json:"at"`
}

type InteractionsResponse struct {
	JobID        string                `json:"job_id"`
	Interactions []InteractionResponse `json:"interactions"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JobToResponse(j *sessions.Job) JobResponse {
	return JobResponse{
		ID:              j.ID,
		StoryID:         j.StoryID,
		Brief:           j.Brief,
		TargetDurationS: j.TargetDuration.Seconds(),
		Draft:           j.Draft,
		Status:          j.Status,
		State:           j.State,
		Approved:        j.Approved,
		Score:           j.Score,
		Iterations:      j.Iterations,
		Error:           j.Error,
		Result:          j.Result,
		CreatedAt:       j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       j.UpdatedAt.Format(time.RFC3339),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

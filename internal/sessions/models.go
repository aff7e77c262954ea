package sessions

import (
	"encoding/json"
	"time"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Config keys stored in the config table.
const (
	ConfigAuthToken = "auth_token"
	ConfigDeviceID  = "device_id"
)

// Job is a queued or finished compilation. Result holds the archived compile.Result JSON once the
// job completes.
type Job struct {
	ID             string          `json:"id"`
	StoryID        string          `json:"story_id"`
	Brief          string          `json:"brief"`
	TargetDuration time.Duration   `json:"target_duration"`
	Draft          bool            `json:"draft"`
	Status         string          `json:"status"`
	State          string          `json:"state,omitempty"`
	Approved       bool            `json:"approved"`
	Score          float64         `json:"score"`
	Iterations     int             `json:"iterations"`
	Error          string          `json:"error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (j *Job) Finished() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

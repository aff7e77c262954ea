package narrative

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Interaction is one exchange with the generation endpoint.
type Interaction struct {
	Seq          int           `json:"seq"`
	SessionID    string        `json:"session_id"`
	Stage        string        `json:"stage"`
	Strict       bool          `json:"strict"`
	System       string        `json:"system,omitempty"`
	Prompt       string        `json:"prompt"`
	Response     string        `json:"response"`
	PromptHash   string        `json:"prompt_hash"`
	ResponseHash string        `json:"response_hash,omitempty"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
	At           time.Time     `json:"at"`
}

// InteractionStats summarizes a session's exchanges.
type InteractionStats struct {
	Calls         int            `json:"calls"`
	Failures      int            `json:"failures"`
	StrictRetries int            `json:"strict_retries"`
	ByStage       map[string]int `json:"by_stage"`
	PromptChars   int            `json:"prompt_chars"`
	ResponseChars int            `json:"response_chars"`
	TotalDuration time.Duration  `json:"total_duration"`
}

// InteractionLog records every exchange of one compilation session. It is owned by the
// session and passed along with each request. A nil log discards records.
type InteractionLog struct {
	sessionID string

	mu      sync.Mutex
	entries []Interaction
}

func NewInteractionLog(sessionID string) *InteractionLog {
	return &InteractionLog{sessionID: sessionID}
}

func (l *InteractionLog) SessionID() string {
	if l == nil {
		return ""
	}
	return l.sessionID
}

// Record appends an interaction, filling its sequence number, session and hashes.
func (l *InteractionLog) Record(in Interaction) {
	if l == nil {
		return
	}
	in.SessionID = l.sessionID
	in.PromptHash = hashText(in.Prompt)
	if in.Response != "" {
		in.ResponseHash = hashText(in.Response)
	}
	if in.At.IsZero() {
		in.At = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	in.Seq = len(l.entries) + 1
	l.entries = append(l.entries, in)
}

// Interactions returns a copy of the recorded exchanges in order.
func (l *InteractionLog) Interactions() []Interaction {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Interaction(nil), l.entries...)
}

func (l *InteractionLog) Stats() InteractionStats {
	st := InteractionStats{ByStage: map[string]int{}}
	for _, in := range l.Interactions() {
		st.Calls++
		st.ByStage[in.Stage]++
		if in.Error != "" {
			st.Failures++
		}
		if in.Strict {
			st.StrictRetries++
		}
		st.PromptChars += len(in.Prompt)
		st.ResponseChars += len(in.Response)
		st.TotalDuration += in.Duration
	}
	return st
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning holds the algorithm parameters that operators adjust per deployment.
// Fields absent from the YAML file keep their defaults.
type Tuning struct {
	Retrieval    RetrievalTuning    `yaml:"retrieval"`
	Sequences    SequenceTuning     `yaml:"sequences"`
	Orchestrator OrchestratorTuning `yaml:"orchestrator"`
}

type RetrievalTuning struct {
	SemanticWeight  float64 `yaml:"semantic_weight"`
	LexicalWeight   float64 `yaml:"lexical_weight"`
	HeuristicWeight float64 `yaml:"heuristic_weight"`
	InterviewBonus  float64 `yaml:"interview_bonus"`
	FaceBonus       float64 `yaml:"face_bonus"`
	DurationBonus   float64 `yaml:"duration_bonus"`
	UsableMinSecs   float64 `yaml:"usable_min_seconds"`
	UsableMaxSecs   float64 `yaml:"usable_max_seconds"`
}

type SequenceTuning struct {
	TemporalWindowMinutes     float64 `yaml:"temporal_window_minutes"`
	VisualSimilarityThreshold float64 `yaml:"visual_similarity_threshold"`
	MinShotsPerSequence       int     `yaml:"min_shots_per_sequence"`
	MaxShotsPerSequence       int     `yaml:"max_shots_per_sequence"`
	Method                    string  `yaml:"method"`
}

type OrchestratorTuning struct {
	MaxIterations        int     `yaml:"max_iterations"`
	MinVerificationScore float64 `yaml:"min_verification_score"`
	PlanningShots        int     `yaml:"planning_shots"`
	PlanningNeighbors    int     `yaml:"planning_neighbors"`
	BeatShots            int     `yaml:"beat_shots"`
	ParallelBeats        bool    `yaml:"parallel_beats"`
	Workers              int     `yaml:"workers"`
}

// DefaultTuning mirrors the defaults each package applies on its own.
func DefaultTuning() *Tuning {
	return &Tuning{
		Retrieval: RetrievalTuning{
			SemanticWeight:  0.6,
			LexicalWeight:   0.3,
			HeuristicWeight: 0.1,
			InterviewBonus:  0.5,
			FaceBonus:       0.3,
			DurationBonus:   0.2,
			UsableMinSecs:   3,
			UsableMaxSecs:   10,
		},
		Sequences: SequenceTuning{
			TemporalWindowMinutes:     5,
			VisualSimilarityThreshold: 0.7,
			MinShotsPerSequence:       2,
			MaxShotsPerSequence:       8,
			Method:                    "hybrid",
		},
		Orchestrator: OrchestratorTuning{
			MaxIterations:        3,
			MinVerificationScore: 7.0,
			PlanningShots:        100,
			PlanningNeighbors:    20,
			BeatShots:            30,
			Workers:              4,
		},
	}
}

// LoadTuning reads a YAML tuning file over the defaults. An empty path returns the defaults.
func LoadTuning(path string) (*Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse tuning file: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning file %s: %w", path, err)
	}
	return t, nil
}

// Validate rejects values the algorithms cannot work with.
func (t *Tuning) Validate() error {
	r := t.Retrieval
	if r.SemanticWeight < 0 || r.LexicalWeight < 0 || r.HeuristicWeight < 0 {
		return fmt.Errorf("retrieval weights must be non-negative")
	}
	if r.LexicalWeight+r.HeuristicWeight == 0 {
		return fmt.Errorf("lexical and heuristic weights cannot both be zero")
	}
	if r.UsableMinSecs > r.UsableMaxSecs {
		return fmt.Errorf("usable_min_seconds exceeds usable_max_seconds")
	}

	s := t.Sequences
	if s.TemporalWindowMinutes <= 0 {
		return fmt.Errorf("temporal_window_minutes must be positive")
	}
	if s.VisualSimilarityThreshold <= 0 || s.VisualSimilarityThreshold > 1 {
		return fmt.Errorf("visual_similarity_threshold must be in (0, 1]")
	}
	if s.MinShotsPerSequence < 1 || s.MaxShotsPerSequence < s.MinShotsPerSequence {
		return fmt.Errorf("sequence size bounds are inconsistent")
	}

	o := t.Orchestrator
	if o.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	if o.PlanningShots < 1 || o.BeatShots < 1 {
		return fmt.Errorf("planning_shots and beat_shots must be positive")
	}
	if o.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}

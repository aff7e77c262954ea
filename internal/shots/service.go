package shots

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/heimdex/heimdex-compiler/internal/embedding"
)

// Manifest is the import file written by the analysis stage. A bare JSON array of shots is
// accepted as well.
type Manifest struct {
	StoryID string `json:"story_id"`
	Shots   []Shot `json:"shots"`
}

// ParseManifest reads either form of the manifest.
func ParseManifest(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest is empty")
	}

	var m Manifest
	if data[0] == '[' {
		if err := json.Unmarshal(data, &m.Shots); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
		return &m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// ImportResult counts what an import did.
type ImportResult struct {
	StoryID  string   `json:"story_id"`
	Imported int      `json:"imported"`
	Embedded int      `json:"embedded"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

type Service struct {
	repo   Repository
	health *embedding.Health
	logger *slog.Logger
}

func NewService(repo Repository, health *embedding.Health, logger *slog.Logger) *Service {
	return &Service{repo: repo, health: health, logger: logger}
}

func (s *Service) Repository() Repository { return s.repo }

// Import upserts analyzed shots into storyID. Shots missing a text embedding get one from the
// provider when it is healthy; a failing provider never blocks the import.
func (s *Service) Import(ctx context.Context, storyID string, list []Shot) (*ImportResult, error) {
	storyID = strings.TrimSpace(storyID)
	if storyID == "" {
		return nil, fmt.Errorf("story id is required")
	}

	res := &ImportResult{StoryID: storyID}

	var provider embedding.Provider
	if st := s.health.Get(ctx); st.Available {
		provider = s.health.Provider()
	} else if s.logger != nil {
		s.logger.Warn("importing without embeddings", "story", storyID, "reason", st.Error)
	}

	for i := range list {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		shot := list[i]
		shot.StoryID = storyID
		if shot.Path == "" {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("shot %d: missing path", i))
			continue
		}
		shot.Path = filepath.Clean(shot.Path)

		if provider != nil && len(shot.TextEmbedding) == 0 {
			vec, err := provider.EmbedText(ctx, shot.Text())
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("failed to embed shot text", "path", shot.Path, "error", err)
				}
			} else if len(vec) > 0 {
				shot.TextEmbedding = vec
				res.Embedded++
			}
		}

		if err := s.repo.UpsertShot(ctx, &shot); err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("shot %d (%s): %v", i, shot.Path, err))
			continue
		}
		res.Imported++
	}

	if s.logger != nil {
		s.logger.Info("shots imported", "story", storyID, "imported", res.Imported,
			"embedded", res.Embedded, "skipped", res.Skipped)
	}
	return res, nil
}

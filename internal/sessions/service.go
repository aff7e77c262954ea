package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-compiler/internal/compile"
	"github.com/heimdex/heimdex-compiler/internal/logging"
	"github.com/heimdex/heimdex-compiler/internal/narrative"
)

var ErrNotFound = errors.New("job not found")

type SessionService interface {
	Submit(ctx context.Context, req compile.Request, draft bool) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	Result(ctx context.Context, id string) (*compile.Result, error)
	Interactions(ctx context.Context, id string) ([]narrative.Interaction, error)
}

type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{repo: repo, logger: logger}
}

// Submit queues a compilation for the runner.
func (s *Service) Submit(ctx context.Context, req compile.Request, draft bool) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	job := &Job{
		ID:             uuid.NewString(),
		StoryID:        req.StoryID,
		Brief:          req.Brief,
		TargetDuration: req.TargetDuration,
		Draft:          draft,
		Status:         JobStatusPending,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.Info("compile job queued", "job_id", job.ID, "story_id", job.StoryID, "draft", draft)
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNotFound
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	return s.repo.ListJobs(ctx, limit)
}

// Result decodes the archived result of a completed job. It returns nil with no error while the
// job has not completed.
func (s *Service) Result(ctx context.Context, id string) (*compile.Result, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(job.Result) == 0 {
		return nil, nil
	}
	var res compile.Result
	if err := json.Unmarshal(job.Result, &res); err != nil {
		return nil, fmt.Errorf("decode result of job %s: %w", id, err)
	}
	return &res, nil
}

func (s *Service) Interactions(ctx context.Context, id string) ([]narrative.Interaction, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListInteractions(ctx, id)
}

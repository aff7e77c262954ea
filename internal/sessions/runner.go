package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/compile"
	"github.com/heimdex/heimdex-compiler/internal/logging"
	"github.com/heimdex/heimdex-compiler/internal/metrics"
)

// Compiler is the part of compile.Orchestrator the runner drives.
type Compiler interface {
	Compile(ctx context.Context, req compile.Request) (*compile.Result, error)
	Draft(ctx context.Context, req compile.Request) (*compile.Result, error)
}

// Runner works through pending compile jobs one at a time.
type Runner struct {
	repo         Repository
	compiler     Compiler
	metrics      *metrics.Metrics
	logger       *slog.Logger
	pollInterval time.Duration
	running      atomic.Bool
	paused       atomic.Bool
	active       atomic.Int32
}

func NewRunner(repo Repository, compiler Compiler, m *metrics.Metrics, logger *slog.Logger, pollInterval time.Duration) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	return &Runner{
		repo:         repo,
		compiler:     compiler,
		metrics:      m,
		logger:       logging.WithComponent(logger, "runner"),
		pollInterval: pollInterval,
	}
}

func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("compile runner started", "poll_interval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("compile runner stopping")
			r.running.Store(false)
			return
		case <-ticker.C:
			if !r.paused.Load() {
				r.processNextJob(ctx)
			}
		}
	}
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("compile runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("compile runner resumed")
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// ActiveJobs is the number of jobs compiling right now.
func (r *Runner) ActiveJobs() int {
	return int(r.active.Load())
}

// UpdatePendingGauge refreshes the pending-jobs gauge; it runs before each metrics scrape.
func (r *Runner) UpdatePendingGauge() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := r.repo.CountPendingJobs(ctx)
	if err != nil {
		r.logger.Warn("failed to count pending jobs", "error", err)
		return
	}
	r.metrics.SetPendingJobs(n)
}

// processNextJob runs the oldest pending job. It reports whether a job was picked up.
func (r *Runner) processNextJob(ctx context.Context) bool {
	jobs, err := r.repo.ListPendingJobs(ctx)
	if err != nil {
		r.logger.Error("failed to list pending jobs", "error", err)
		return false
	}
	r.metrics.SetPendingJobs(len(jobs))
	if len(jobs) == 0 {
		return false
	}

	job := jobs[0]
	logger := logging.WithStory(logging.WithSessionID(r.logger, job.ID), job.StoryID)
	logger.Info("processing compile job", "draft", job.Draft, "target_s", job.TargetDuration.Seconds())

	if err := r.repo.UpdateJobStatus(ctx, job.ID, JobStatusRunning, ""); err != nil {
		logger.Error("failed to mark job running", "error", err)
		return false
	}
	r.active.Add(1)
	defer r.active.Add(-1)

	req := compile.Request{StoryID: job.StoryID, Brief: job.Brief, TargetDuration: job.TargetDuration}
	var res *compile.Result
	if job.Draft {
		res, err = r.compiler.Draft(ctx, req)
	} else {
		res, err = r.compiler.Compile(ctx, req)
	}

	// Record the outcome even when the runner is shutting down.
	store, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.Canceled) {
			msg = "canceled"
		}
		logger.Warn("compile job failed", "error", err)
		r.repo.UpdateJobStatus(store, job.ID, JobStatusFailed, truncateStr(msg, 512))
		return true
	}

	if res.Log != nil {
		if err := r.repo.SaveInteractions(store, job.ID, res.Log.Interactions()); err != nil {
			logger.Error("failed to save interactions", "error", err)
		}
	}
	if err := r.repo.CompleteJob(store, job.ID, res); err != nil {
		logger.Error("failed to archive result", "error", err)
		r.repo.UpdateJobStatus(store, job.ID, JobStatusFailed, fmt.Sprintf("archive result: %v", err))
		return true
	}

	logger.Info("compile job completed",
		"state", res.State,
		"approved", res.Approved,
		"score", res.Score(),
		"iterations", res.Iterations,
		"duration", res.Timings.Total,
	)
	return true
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

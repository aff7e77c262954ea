package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-compiler/internal/compile"
	"github.com/heimdex/heimdex-compiler/internal/narrative"
)

type Repository interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	ListPendingJobs(ctx context.Context) ([]*Job, error)
	CountPendingJobs(ctx context.Context) (int, error)
	UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error
	CompleteJob(ctx context.Context, id string, res *compile.Result) error

	SaveInteractions(ctx context.Context, jobID string, entries []narrative.Interaction) error
	ListInteractions(ctx context.Context, jobID string) ([]narrative.Interaction, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const jobColumns = `id, story_id, brief, target_duration_s, draft, status, state, approved, score, iterations, error, result_json, created_at, updated_at`

func (r *SQLiteRepository) CreateJob(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO compile_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.StoryID, job.Brief, job.TargetDuration.Seconds(), boolToInt(job.Draft), job.Status,
		nullString(job.State), boolToInt(job.Approved), job.Score, job.Iterations, nullString(job.Error),
		nullString(string(job.Result)), job.CreatedAt.Format(time.RFC3339), job.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM compile_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListJobs returns the newest jobs first, without their archived results.
func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	jobs, err := r.queryJobs(ctx, `SELECT `+jobColumns+` FROM compile_jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		j.Result = nil
	}
	return jobs, nil
}

func (r *SQLiteRepository) ListPendingJobs(ctx context.Context) ([]*Job, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM compile_jobs WHERE status = ? ORDER BY created_at, id`, JobStatusPending)
}

func (r *SQLiteRepository) CountPendingJobs(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM compile_jobs WHERE status = ?`, JobStatusPending).Scan(&n)
	return n, err
}

func (r *SQLiteRepository) UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE compile_jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, nullString(errorMsg), time.Now().UTC().Format(time.RFC3339), id)
	return err
}

// CompleteJob archives a finished session. The job is completed whatever the terminal state; an
// ABANDONED session is a result, not a failure.
func (r *SQLiteRepository) CompleteJob(ctx context.Context, id string, res *compile.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE compile_jobs SET status = ?, state = ?, approved = ?, score = ?, iterations = ?, error = NULL, result_json = ?, updated_at = ?
		 WHERE id = ?`,
		JobStatusCompleted, string(res.State), boolToInt(res.Approved), res.Score(), res.Iterations, string(data),
		time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func (r *SQLiteRepository) SaveInteractions(ctx context.Context, jobID string, entries []narrative.Interaction) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO interactions (id, job_id, seq, stage, strict, prompt, response, prompt_hash, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, in := range entries {
		at := in.At
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), jobID, in.Seq, in.Stage, boolToInt(in.Strict), in.Prompt,
			nullString(in.Response), in.PromptHash, in.Duration.Milliseconds(), nullString(in.Error),
			at.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert interaction %d: %w", in.Seq, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) ListInteractions(ctx context.Context, jobID string) ([]narrative.Interaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, stage, strict, prompt, response, prompt_hash, duration_ms, error, created_at
		 FROM interactions WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []narrative.Interaction
	for rows.Next() {
		var in narrative.Interaction
		var strict int
		var durationMS int64
		var response, errMsg sql.NullString
		var createdAt string
		if err := rows.Scan(&in.Seq, &in.Stage, &strict, &in.Prompt, &response, &in.PromptHash, &durationMS, &errMsg, &createdAt); err != nil {
			return nil, err
		}
		in.SessionID = jobID
		in.Strict = strict == 1
		in.Response = response.String
		in.Error = errMsg.String
		in.Duration = time.Duration(durationMS) * time.Millisecond
		in.At, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, in)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

func (r *SQLiteRepository) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var targetSeconds float64
	var draft, approved int
	var state, errMsg, result sql.NullString
	var score sql.NullFloat64
	var createdAt, updatedAt string

	err := row.Scan(&job.ID, &job.StoryID, &job.Brief, &targetSeconds, &draft, &job.Status, &state, &approved,
		&score, &job.Iterations, &errMsg, &result, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	job.TargetDuration = time.Duration(targetSeconds * float64(time.Second))
	job.Draft = draft == 1
	job.Approved = approved == 1
	job.State = state.String
	job.Score = score.Float64
	job.Error = errMsg.String
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package shots

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

const postgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS shots (
    id BIGSERIAL PRIMARY KEY,
    story_id TEXT NOT NULL,
    path TEXT NOT NULL,
    proxy_path TEXT,
    thumb_path TEXT,
    tc_in TEXT NOT NULL DEFAULT '00:00:00:00',
    tc_out TEXT,
    fps DOUBLE PRECISION NOT NULL DEFAULT 25,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    shot_type TEXT,
    transcript TEXT,
    summary TEXT,
    description TEXT,
    visual_json JSONB,
    has_face BOOLEAN NOT NULL DEFAULT FALSE,
    location TEXT,
    context TEXT,
    tags TEXT[],
    captured_at TIMESTAMPTZ,
    text_embedding vector,
    visual_embedding vector,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (story_id, path, tc_in)
);

CREATE INDEX IF NOT EXISTS idx_shots_story_captured ON shots(story_id, captured_at);
`

// PostgresStore keeps the corpus in Postgres with pgvector columns. Besides the Repository
// contract it implements VectorIndex so cosine scoring runs inside the database.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgres connects with the lib/pq driver and ensures the schema exists.
func OpenPostgres(ctx context.Context, url string, logger *slog.Logger) (*PostgresStore, error) {
	conn, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &PostgresStore{db: conn, logger: logger}
	if err := store.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing connection without touching the schema.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	if p.logger != nil {
		p.logger.Info("postgres shot schema ready")
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) UpsertShot(ctx context.Context, s *Shot) error {
	if s.StoryID == "" || s.Path == "" {
		return fmt.Errorf("shot requires story_id and path")
	}
	if s.TCIn == "" {
		s.TCIn = "00:00:00:00"
	}
	if s.FPS <= 0 {
		s.FPS = 25
	}

	var visual any
	if s.Visual != nil {
		b, err := json.Marshal(s.Visual)
		if err != nil {
			return fmt.Errorf("encode visual attributes: %w", err)
		}
		visual = string(b)
	}

	return p.db.QueryRowContext(ctx, `
		INSERT INTO shots (story_id, path, proxy_path, thumb_path, tc_in, tc_out, fps, duration_ms, shot_type,
			transcript, summary, description, visual_json, has_face, location, context, tags, captured_at,
			text_embedding, visual_embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (story_id, path, tc_in) DO UPDATE SET
			proxy_path = EXCLUDED.proxy_path,
			thumb_path = EXCLUDED.thumb_path,
			tc_out = EXCLUDED.tc_out,
			fps = EXCLUDED.fps,
			duration_ms = EXCLUDED.duration_ms,
			shot_type = EXCLUDED.shot_type,
			transcript = EXCLUDED.transcript,
			summary = EXCLUDED.summary,
			description = EXCLUDED.description,
			visual_json = EXCLUDED.visual_json,
			has_face = EXCLUDED.has_face,
			location = EXCLUDED.location,
			context = EXCLUDED.context,
			tags = EXCLUDED.tags,
			captured_at = EXCLUDED.captured_at,
			text_embedding = COALESCE(EXCLUDED.text_embedding, shots.text_embedding),
			visual_embedding = COALESCE(EXCLUDED.visual_embedding, shots.visual_embedding)
		RETURNING id, created_at
	`, s.StoryID, s.Path, nullString(s.ProxyPath), nullString(s.ThumbPath), s.TCIn, nullString(s.TCOut), s.FPS,
		s.DurationMs, nullString(strings.ToUpper(s.ShotType)), nullString(s.Transcript), nullString(s.Summary),
		nullString(s.Description), visual, s.HasFace, nullString(s.Location), nullString(s.Context),
		pq.Array(s.Tags), pgTime(s.CapturedAt), pgVector(s.TextEmbedding), pgVector(s.VisualEmbedding),
	).Scan(&s.ID, &s.CreatedAt)
}

const pgShotColumns = `id, story_id, path, proxy_path, thumb_path, tc_in, tc_out, fps, duration_ms, shot_type,
	transcript, summary, description, visual_json, has_face, location, context, tags, captured_at,
	text_embedding, visual_embedding, created_at`

func (p *PostgresStore) GetShot(ctx context.Context, id int64) (*Shot, error) {
	list, err := p.query(ctx, `SELECT `+pgShotColumns+` FROM shots WHERE id = $1`, id)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (p *PostgresStore) GetShots(ctx context.Context, storyID string, f Filters) ([]Shot, error) {
	query := `SELECT ` + pgShotColumns + ` FROM shots WHERE story_id = $1`
	args := []any{storyID}

	if len(f.ShotTypes) > 0 {
		upper := make([]string, len(f.ShotTypes))
		for i, t := range f.ShotTypes {
			upper[i] = strings.ToUpper(t)
		}
		args = append(args, pq.Array(upper))
		query += fmt.Sprintf(` AND UPPER(shot_type) = ANY($%d)`, len(args))
	}
	if f.MinDuration > 0 {
		args = append(args, f.MinDuration.Milliseconds())
		query += fmt.Sprintf(` AND duration_ms >= $%d`, len(args))
	}
	if f.MaxDuration > 0 {
		args = append(args, f.MaxDuration.Milliseconds())
		query += fmt.Sprintf(` AND duration_ms <= $%d`, len(args))
	}
	query += ` ORDER BY captured_at NULLS FIRST, id`

	return p.query(ctx, query, args...)
}

func (p *PostgresStore) GetShotsByIDs(ctx context.Context, ids []int64) ([]Shot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return p.query(ctx,
		`SELECT `+pgShotColumns+` FROM shots WHERE id = ANY($1) ORDER BY captured_at NULLS FIRST, id`,
		pq.Array(ids))
}

func (p *PostgresStore) Neighbors(ctx context.Context, id int64, n int) ([]Shot, error) {
	shot, err := p.GetShot(ctx, id)
	if err != nil || shot == nil {
		return nil, err
	}
	all, err := p.GetShots(ctx, shot.StoryID, Filters{})
	if err != nil {
		return nil, err
	}
	return neighborsOf(all, id, n), nil
}

func (p *PostgresStore) ListStories(ctx context.Context) ([]StorySummary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT story_id, COUNT(*), COALESCE(SUM(duration_ms), 0)
		FROM shots GROUP BY story_id ORDER BY story_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StorySummary
	for rows.Next() {
		var s StorySummary
		if err := rows.Scan(&s.StoryID, &s.ShotCount, &s.DurationMs); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) StoryStats(ctx context.Context, storyID string) (*StoryStats, error) {
	all, err := p.GetShots(ctx, storyID, Filters{})
	if err != nil {
		return nil, err
	}
	return ComputeStats(storyID, all), nil
}

// Similarities scores the text embeddings of the given shots against query using pgvector's
// cosine distance operator. Shots whose vector dimension differs from the query are skipped.
func (p *PostgresStore) Similarities(ctx context.Context, storyID string, query []float32, ids []int64) (map[int64]float64, error) {
	out := make(map[int64]float64, len(ids))
	if len(query) == 0 || len(ids) == 0 {
		return out, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, 1 - (text_embedding <=> $1)
		FROM shots
		WHERE story_id = $2 AND id = ANY($3)
			AND text_embedding IS NOT NULL AND vector_dims(text_embedding) = $4
	`, pgvector.NewVector(query), storyID, pq.Array(ids), len(query))
	if err != nil {
		return nil, fmt.Errorf("vector similarity query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var sim sql.NullFloat64
		if err := rows.Scan(&id, &sim); err != nil {
			return nil, err
		}
		if sim.Valid {
			out[id] = sim.Float64
		}
	}
	return out, rows.Err()
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]Shot, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Shot
	for rows.Next() {
		var s Shot
		var proxy, thumb, tcOut, shotType, transcript, summary, description, visual, location, hint sql.NullString
		var capturedAt sql.NullTime
		var textVec, visualVec *pgvector.Vector

		err := rows.Scan(&s.ID, &s.StoryID, &s.Path, &proxy, &thumb, &s.TCIn, &tcOut, &s.FPS, &s.DurationMs,
			&shotType, &transcript, &summary, &description, &visual, &s.HasFace, &location, &hint,
			pq.Array(&s.Tags), &capturedAt, &textVec, &visualVec, &s.CreatedAt)
		if err != nil {
			return nil, err
		}

		s.ProxyPath = proxy.String
		s.ThumbPath = thumb.String
		s.TCOut = tcOut.String
		s.ShotType = shotType.String
		s.Transcript = transcript.String
		s.Summary = summary.String
		s.Description = description.String
		s.Location = location.String
		s.Context = hint.String
		if visual.Valid && visual.String != "" {
			s.Visual = &VisualAttributes{}
			if err := json.Unmarshal([]byte(visual.String), s.Visual); err != nil {
				return nil, fmt.Errorf("decode visual attributes for shot %d: %w", s.ID, err)
			}
		}
		if capturedAt.Valid {
			s.CapturedAt = capturedAt.Time.UTC()
		}
		if textVec != nil {
			s.TextEmbedding = textVec.Slice()
		}
		if visualVec != nil {
			s.VisualEmbedding = visualVec.Slice()
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func pgVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func pgTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// neighborsOf picks up to n shots on each side of id from a capture-ordered list.
func neighborsOf(all []Shot, id int64, n int) []Shot {
	if n <= 0 {
		n = 1
	}
	sortByCapture(all)
	pos := -1
	for i := range all {
		if all[i].ID == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil
	}
	lo := pos - n
	if lo < 0 {
		lo = 0
	}
	hi := pos + n + 1
	if hi > len(all) {
		hi = len(all)
	}
	out := make([]Shot, 0, hi-lo-1)
	out = append(out, all[lo:pos]...)
	return append(out, all[pos+1:hi]...)
}

package shots

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Repository is the full corpus contract used by import, the HTTP API and the CLI.
type Repository interface {
	Store
	UpsertShot(ctx context.Context, shot *Shot) error
	GetShot(ctx context.Context, id int64) (*Shot, error)
	Neighbors(ctx context.Context, id int64, n int) ([]Shot, error)
	ListStories(ctx context.Context) ([]StorySummary, error)
	StoryStats(ctx context.Context, storyID string) (*StoryStats, error)
}

const shotColumns = `id, story_id, path, proxy_path, thumb_path, tc_in, tc_out, fps, duration_ms, shot_type,
	transcript, summary, description, visual_json, has_face, location, context, tags, captured_at,
	text_embedding, visual_embedding, created_at`

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) UpsertShot(ctx context.Context, s *Shot) error {
	if s.StoryID == "" || s.Path == "" {
		return fmt.Errorf("shot requires story_id and path")
	}
	if s.TCIn == "" {
		s.TCIn = "00:00:00:00"
	}
	if s.FPS <= 0 {
		s.FPS = 25
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	visual, err := marshalOptional(s.Visual)
	if err != nil {
		return fmt.Errorf("encode visual attributes: %w", err)
	}
	tags, err := marshalOptional(s.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO shots (id, story_id, path, proxy_path, thumb_path, tc_in, tc_out, fps, duration_ms, shot_type,
			transcript, summary, description, visual_json, has_face, location, context, tags, captured_at,
			text_embedding, visual_embedding, created_at)
		VALUES (NULLIF(?, 0), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(story_id, path, tc_in) DO UPDATE SET
			proxy_path = excluded.proxy_path,
			thumb_path = excluded.thumb_path,
			tc_out = excluded.tc_out,
			fps = excluded.fps,
			duration_ms = excluded.duration_ms,
			shot_type = excluded.shot_type,
			transcript = excluded.transcript,
			summary = excluded.summary,
			description = excluded.description,
			visual_json = excluded.visual_json,
			has_face = excluded.has_face,
			location = excluded.location,
			context = excluded.context,
			tags = excluded.tags,
			captured_at = excluded.captured_at,
			text_embedding = COALESCE(excluded.text_embedding, shots.text_embedding),
			visual_embedding = COALESCE(excluded.visual_embedding, shots.visual_embedding)
		RETURNING id
	`, s.ID, s.StoryID, s.Path, nullString(s.ProxyPath), nullString(s.ThumbPath), s.TCIn, nullString(s.TCOut),
		s.FPS, s.DurationMs, nullString(strings.ToUpper(s.ShotType)), nullString(s.Transcript), nullString(s.Summary),
		nullString(s.Description), visual, boolToInt(s.HasFace), nullString(s.Location), nullString(s.Context), tags,
		nullTime(s.CapturedAt), vectorArg(s.TextEmbedding), vectorArg(s.VisualEmbedding),
		s.CreatedAt.Format(time.RFC3339))

	return row.Scan(&s.ID)
}

func (r *SQLiteRepository) GetShot(ctx context.Context, id int64) (*Shot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+shotColumns+` FROM shots WHERE id = ?`, id)
	s, err := scanShot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SQLiteRepository) GetShots(ctx context.Context, storyID string, f Filters) ([]Shot, error) {
	query := `SELECT ` + shotColumns + ` FROM shots WHERE story_id = ?`
	args := []any{storyID}

	if len(f.ShotTypes) > 0 {
		placeholders := make([]string, len(f.ShotTypes))
		for i, t := range f.ShotTypes {
			placeholders[i] = "?"
			args = append(args, strings.ToUpper(t))
		}
		query += ` AND UPPER(shot_type) IN (` + strings.Join(placeholders, ", ") + `)`
	}
	if f.MinDuration > 0 {
		query += ` AND duration_ms >= ?`
		args = append(args, f.MinDuration.Milliseconds())
	}
	if f.MaxDuration > 0 {
		query += ` AND duration_ms <= ?`
		args = append(args, f.MaxDuration.Milliseconds())
	}
	query += ` ORDER BY captured_at, id`

	return r.queryShots(ctx, query, args...)
}

func (r *SQLiteRepository) GetShotsByIDs(ctx context.Context, ids []int64) ([]Shot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return r.queryShots(ctx,
		`SELECT `+shotColumns+` FROM shots WHERE id IN (`+strings.Join(placeholders, ", ")+`) ORDER BY captured_at, id`,
		args...)
}

// Neighbors returns up to n shots captured before and n after the given shot, in capture order.
func (r *SQLiteRepository) Neighbors(ctx context.Context, id int64, n int) ([]Shot, error) {
	shot, err := r.GetShot(ctx, id)
	if err != nil || shot == nil {
		return nil, err
	}
	if n <= 0 {
		n = 1
	}
	ts := nullTime(shot.CapturedAt)

	before, err := r.queryShots(ctx, `SELECT `+shotColumns+` FROM shots
		WHERE story_id = ? AND id != ? AND (captured_at < ? OR (captured_at = ? AND id < ?))
		ORDER BY captured_at DESC, id DESC LIMIT ?`, shot.StoryID, id, ts, ts, id, n)
	if err != nil {
		return nil, err
	}
	after, err := r.queryShots(ctx, `SELECT `+shotColumns+` FROM shots
		WHERE story_id = ? AND id != ? AND (captured_at > ? OR (captured_at = ? AND id > ?))
		ORDER BY captured_at, id LIMIT ?`, shot.StoryID, id, ts, ts, id, n)
	if err != nil {
		return nil, err
	}

	out := make([]Shot, 0, len(before)+len(after))
	for i := len(before) - 1; i >= 0; i-- {
		out = append(out, before[i])
	}
	return append(out, after...), nil
}

func (r *SQLiteRepository) ListStories(ctx context.Context) ([]StorySummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT story_id, COUNT(*), COALESCE(SUM(duration_ms), 0)
		FROM shots GROUP BY story_id ORDER BY story_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stories []StorySummary
	for rows.Next() {
		var s StorySummary
		if err := rows.Scan(&s.StoryID, &s.ShotCount, &s.DurationMs); err != nil {
			return nil, err
		}
		stories = append(stories, s)
	}
	return stories, rows.Err()
}

func (r *SQLiteRepository) StoryStats(ctx context.Context, storyID string) (*StoryStats, error) {
	all, err := r.GetShots(ctx, storyID, Filters{})
	if err != nil {
		return nil, err
	}
	return ComputeStats(storyID, all), nil
}

// ComputeStats summarizes a story's shots; it returns nil for an empty slice.
func ComputeStats(storyID string, all []Shot) *StoryStats {
	if len(all) == 0 {
		return nil
	}
	stats := &StoryStats{StoryID: storyID, ShotCount: len(all), ShotTypes: map[string]int{}}
	locations := map[string]bool{}
	for i := range all {
		s := &all[i]
		stats.TotalDurationMs += int64(s.DurationMs)
		typ := strings.ToUpper(s.ShotType)
		if typ == "" {
			typ = "UNKNOWN"
		}
		stats.ShotTypes[typ]++
		if strings.TrimSpace(s.Transcript) != "" {
			stats.WithTranscript++
		}
		if len(s.TextEmbedding) > 0 {
			stats.WithTextVector++
		}
		if len(s.VisualEmbedding) > 0 {
			stats.WithVisualVec++
		}
		if s.Location != "" {
			locations[strings.ToLower(s.Location)] = true
		}
		if !s.CapturedAt.IsZero() {
			if stats.FirstCapture.IsZero() || s.CapturedAt.Before(stats.FirstCapture) {
				stats.FirstCapture = s.CapturedAt
			}
			if s.CapturedAt.After(stats.LastCapture) {
				stats.LastCapture = s.CapturedAt
			}
		}
	}
	stats.Locations = len(locations)
	return stats
}

func (r *SQLiteRepository) queryShots(ctx context.Context, query string, args ...any) ([]Shot, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Shot
	for rows.Next() {
		s, err := scanShot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShot(row rowScanner) (*Shot, error) {
	var s Shot
	var proxy, thumb, tcOut, shotType, transcript, summary, description, visual, location, hint, tags sql.NullString
	var capturedAt sql.NullFloat64
	var hasFace int
	var textVec, visualVec []byte
	var createdAt string

	err := row.Scan(&s.ID, &s.StoryID, &s.Path, &proxy, &thumb, &s.TCIn, &tcOut, &s.FPS, &s.DurationMs, &shotType,
		&transcript, &summary, &description, &visual, &hasFace, &location, &hint, &tags, &capturedAt,
		&textVec, &visualVec, &createdAt)
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
	s.HasFace = hasFace == 1
	s.Location = location.String
	s.Context = hint.String
	if visual.Valid && visual.String != "" {
		s.Visual = &VisualAttributes{}
		if err := json.Unmarshal([]byte(visual.String), s.Visual); err != nil {
			return nil, fmt.Errorf("decode visual attributes for shot %d: %w", s.ID, err)
		}
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &s.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for shot %d: %w", s.ID, err)
		}
	}
	if capturedAt.Valid {
		s.CapturedAt = fromUnixSeconds(capturedAt.Float64)
	}
	s.TextEmbedding = decodeVector(textVec)
	s.VisualEmbedding = decodeVector(visualVec)
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &s, nil
}

// encodeVector packs a vector as little-endian float32; nil stays NULL.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func vectorArg(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return encodeVector(v)
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func marshalOptional(v any) (any, error) {
	switch x := v.(type) {
	case *VisualAttributes:
		if x == nil {
			return nil, nil
		}
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
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

// sortByCapture orders shots by capture time, then id.
func sortByCapture(list []Shot) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CapturedAt.Equal(list[j].CapturedAt) {
			return list[i].CapturedAt.Before(list[j].CapturedAt)
		}
		return list[i].ID < list[j].ID
	})
}

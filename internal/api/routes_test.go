package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/db"
	"github.com/heimdex/heimdex-compiler/internal/metrics"
	"github.com/heimdex/heimdex-compiler/internal/playback"
	"github.com/heimdex/heimdex-compiler/internal/retrieval"
	"github.com/heimdex/heimdex-compiler/internal/sequence"
	"github.com/heimdex/heimdex-compiler/internal/sessions"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

const testToken = "test-token-123"

type testEnv struct {
	router   http.Handler
	shots    *shots.SQLiteRepository
	sessions *sessions.SQLiteRepository
	mediaDir string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conn := database.Conn()
	shotRepo := shots.NewRepository(conn)
	sessRepo := sessions.NewRepository(conn)
	if err := sessRepo.SetConfig(context.Background(), sessions.ConfigAuthToken, testToken); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	cfg := ServerConfig{
		Shots:       shotRepo,
		Importer:    shots.NewService(shotRepo, nil, logger),
		Engine:      retrieval.NewEngine(shotRepo, nil, retrieval.DefaultOptions(), logger, m),
		Grouper:     sequence.NewGrouper(sequence.DefaultOptions(), logger),
		GroupMethod: sequence.MethodHybrid,
		Sessions:    sessions.NewService(sessRepo, logger),
		Repository:  sessRepo,
		Runner:      sessions.NewRunner(sessRepo, nil, m, logger, time.Second),
		Playback:    playback.NewServer(logger),
		Metrics:     m,
		Logger:      logger,
		StartTime:   time.Now(),
		DeviceID:    "device-1",
		Version:     "1.2.3",
	}

	return &testEnv{
		router:   NewRouter(cfg),
		shots:    shotRepo,
		sessions: sessRepo,
		mediaDir: t.TempDir(),
	}
}

// seedShots stores three shots for story "flood". The first has a proxy file on disk.
func (e *testEnv) seedShots(t *testing.T) []shots.Shot {
	t.Helper()

	proxy := filepath.Join(e.mediaDir, "A001_proxy.mp4")
	if err := os.WriteFile(proxy, []byte("0123456789"), 0644); err != nil {
		t.Fatalf("write proxy: %v", err)
	}

	base := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	list := []shots.Shot{
		{StoryID: "flood", Path: filepath.Join(e.mediaDir, "A001.mov"), ProxyPath: proxy, ShotType: "wide",
			DurationMs: 8000, Location: "river", Transcript: "water rising over the bank", CapturedAt: base},
		{StoryID: "flood", Path: filepath.Join(e.mediaDir, "A002.mov"), ShotType: "interview",
			DurationMs: 12000, Location: "river", Transcript: "we lost everything", CapturedAt: base.Add(time.Minute)},
		{StoryID: "flood", Path: filepath.Join(e.mediaDir, "A003.mov"), ShotType: "broll",
			DurationMs: 5000, Location: "town", Summary: "sandbags on main street", CapturedAt: base.Add(time.Hour)},
	}
	for i := range list {
		if err := e.shots.UpsertShot(context.Background(), &list[i]); err != nil {
			t.Fatalf("UpsertShot: %v", err)
		}
	}
	return list
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, method, path, body, "Bearer "+testToken)
}

func (e *testEnv) doAs(t *testing.T, method, path string, body any, auth string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, r)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func decodeJSONBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func TestHealthHandler(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.doAs(t, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	decodeJSONBody(t, rec, &resp)
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.DeviceID != "device-1" {
		t.Errorf("health = %+v", resp)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	env.doAs(t, http.MethodGet, "/health", nil, "")
	rec := env.doAs(t, http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"compiler_http_requests_total", "compiler_pending_jobs"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestStatusHandler(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	rec := env.do(t, http.MethodGet, "/status", nil)
	var resp StatusResponse
	decodeJSONBody(t, rec, &resp)
	if resp.State != "idle" || resp.JobsPending != 0 {
		t.Errorf("empty status = %+v, want idle with no jobs", resp)
	}

	now := time.Now().UTC()
	for _, id := range []string{"j1", "j2"} {
		if err := env.sessions.CreateJob(ctx, &sessions.Job{ID: id, StoryID: "flood", Brief: "b", CreatedAt: now}); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	if err := env.sessions.UpdateJobStatus(ctx, "j1", sessions.JobStatusFailed, "no shots"); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/status", nil)
	resp = StatusResponse{}
	decodeJSONBody(t, rec, &resp)
	if resp.State != "error" || resp.LastError != "no shots" {
		t.Errorf("state = %q (%q), want error (no shots)", resp.State, resp.LastError)
	}
	if resp.JobsPending != 1 {
		t.Errorf("JobsPending = %d, want 1", resp.JobsPending)
	}

	if err := env.sessions.UpdateJobStatus(ctx, "j2", sessions.JobStatusRunning, ""); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	rec = env.do(t, http.MethodGet, "/status", nil)
	resp = StatusResponse{}
	decodeJSONBody(t, rec, &resp)
	if resp.State != "compiling" || resp.ActiveJob == nil || resp.ActiveJob.ID != "j2" {
		t.Errorf("status = %+v, want compiling j2", resp)
	}
}

func TestStoryHandlers(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(t, http.MethodGet, "/stories", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"stories":[]`) {
		t.Fatalf("empty stories = %d %s", rec.Code, rec.Body.String())
	}

	env.seedShots(t)

	rec = env.do(t, http.MethodGet, "/stories", nil)
	var stories StoriesResponse
	decodeJSONBody(t, rec, &stories)
	if len(stories.Stories) != 1 || stories.Stories[0].StoryID != "flood" {
		t.Errorf("stories = %+v, want [flood]", stories.Stories)
	}

	if rec := env.do(t, http.MethodGet, "/stories/flood/stats", nil); rec.Code != http.StatusOK {
		t.Errorf("stats status = %d, want 200", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/stories/unknown/stats", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown stats status = %d, want 404", rec.Code)
	}
}

func TestListShotsHandler(t *testing.T) {
	env := setupTestEnv(t)
	env.seedShots(t)

	tests := []struct {
		name  string
		path  string
		count int
	}{
		{"all", "/stories/flood/shots", 3},
		{"single type", "/stories/flood/shots?type=interview", 1},
		{"comma separated", "/stories/flood/shots?type=interview,broll", 2},
		{"repeated", "/stories/flood/shots?type=wide&type=broll", 2},
		{"other story", "/stories/fire/shots", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			var resp ShotsResponse
			decodeJSONBody(t, rec, &resp)
			if len(resp.Shots) != tt.count {
				t.Errorf("len(shots) = %d, want %d", len(resp.Shots), tt.count)
			}
		})
	}
}

func TestImportShotsHandler(t *testing.T) {
	env := setupTestEnv(t)

	manifest := `{"story_id":"storm","shots":[
		{"path":"/media/B001.mov","shot_type":"wide","duration_ms":4000},
		{"shot_type":"broll","duration_ms":3000}
	]}`
	rec := env.do(t, http.MethodPost, "/stories/storm/shots", manifest)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	var res shots.ImportResult
	decodeJSONBody(t, rec, &res)
	if res.Imported != 1 || res.Skipped != 1 {
		t.Errorf("import = %+v, want 1 imported, 1 skipped", res)
	}

	tests := []struct {
		name string
		body string
	}{
		{"story mismatch", `{"story_id":"other","shots":[{"path":"/x.mov"}]}`},
		{"no shots", `[]`},
		{"malformed", `{"shots":`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/stories/storm/shots", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestShotHandlers(t *testing.T) {
	env := setupTestEnv(t)
	seeded := env.seedShots(t)
	first := seeded[0].ID

	tests := []struct {
		name string
		path string
		want int
	}{
		{"get", "/shots/" + itoa(first), http.StatusOK},
		{"missing", "/shots/9999", http.StatusNotFound},
		{"invalid id", "/shots/abc", http.StatusBadRequest},
		{"zero id", "/shots/0", http.StatusBadRequest},
		{"neighbors", "/shots/" + itoa(first) + "/neighbors?n=1", http.StatusOK},
		{"neighbors bad n", "/shots/" + itoa(first) + "/neighbors?n=50", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	rec := env.do(t, http.MethodGet, "/shots/"+itoa(first), nil)
	var shot shots.Shot
	decodeJSONBody(t, rec, &shot)
	if shot.ID != first || shot.ShotType != "wide" {
		t.Errorf("shot = %+v", shot)
	}
}

func TestPreviewHandler(t *testing.T) {
	env := setupTestEnv(t)
	seeded := env.seedShots(t)

	path := "/shots/" + itoa(seeded[0].ID) + "/preview"

	// httptest requests come from 192.0.2.1 by default.
	if rec := env.do(t, http.MethodGet, path, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("remote preview status = %d, want 403", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:50000"
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Body.String(); got != "2345" {
		t.Errorf("body = %q, want 2345", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/shots/"+itoa(seeded[1].ID)+"/preview", nil)
	req.RemoteAddr = "[::1]:50000"
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing media status = %d, want 404", rec.Code)
	}
}

func TestRetrieveHandler(t *testing.T) {
	env := setupTestEnv(t)
	seeded := env.seedShots(t)

	if rec := env.do(t, http.MethodPost, "/retrieve", RetrieveRequest{Query: "water"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing story status = %d, want 400", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/retrieve", "{"); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/retrieve", RetrieveRequest{
		StoryID: "flood",
		Query:   "water rising",
		Exclude: []int64{seeded[2].ID},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	var ws retrieval.WorkingSet
	decodeJSONBody(t, rec, &ws)
	if !ws.Degraded || ws.Mode != retrieval.ModeDegraded {
		t.Errorf("mode = %q degraded=%v, want degraded without an embedding provider", ws.Mode, ws.Degraded)
	}
	for _, c := range ws.Candidates {
		if c.Shot.ID == seeded[2].ID {
			t.Errorf("excluded shot %d returned", seeded[2].ID)
		}
	}
	if len(ws.Candidates) == 0 {
		t.Error("expected candidates")
	}
}

func TestSequencesHandler(t *testing.T) {
	env := setupTestEnv(t)
	env.seedShots(t)

	rec := env.do(t, http.MethodPost, "/sequences", SequencesRequest{
		RetrieveRequest: RetrieveRequest{StoryID: "flood"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	var resp SequencesResponse
	decodeJSONBody(t, rec, &resp)
	if resp.Method != sequence.MethodHybrid {
		t.Errorf("Method = %q, want %q", resp.Method, sequence.MethodHybrid)
	}
	if resp.ShotCount != 3 {
		t.Errorf("ShotCount = %d, want 3", resp.ShotCount)
	}
	if len(resp.Sequences) == 0 || resp.Summary == "" {
		t.Errorf("expected sequences and a summary, got %+v", resp)
	}

	rec = env.do(t, http.MethodPost, "/sequences", SequencesRequest{
		RetrieveRequest: RetrieveRequest{StoryID: "flood"},
		Method:          "alphabetical",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown method status = %d, want 400", rec.Code)
	}
}

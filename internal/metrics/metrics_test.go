package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics_CountersExposed(t *testing.T) {
	m := New()
	m.IncRetrieval("hybrid")
	m.IncRetrieval("degraded")
	m.IncRetrieval("degraded")
	m.IncGeneration("plan", "ok")
	m.ObserveSession("ABANDONED", 3)

	body := scrape(t, m, func() { m.SetPendingJobs(4) })

	for _, want := range []string{
		`compiler_retrievals_total{mode="degraded"} 2`,
		`compiler_retrievals_total{mode="hybrid"} 1`,
		`compiler_generation_calls_total{outcome="ok",stage="plan"} 1`,
		`compiler_sessions_total{state="ABANDONED"} 1`,
		`compiler_session_iterations_count 1`,
		`compiler_pending_jobs 4`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.IncRequests()
	m.IncErrors()
	m.IncRetrieval("hybrid")
	m.IncGeneration("verify", "timeout")
	m.ObserveSession("ACCEPTED", 1)
	m.SetPendingJobs(1)
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/a", "/b", "/missing"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	body := scrape(t, m, nil)
	if !strings.Contains(body, "compiler_http_requests_total 3") {
		t.Errorf("requests counter not 3:\n%s", body)
	}
	if !strings.Contains(body, "compiler_http_errors_total 1") {
		t.Errorf("errors counter not 1:\n%s", body)
	}
}

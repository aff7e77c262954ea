package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-compiler/internal/export"
	"github.com/heimdex/heimdex-compiler/internal/metrics"
	"github.com/heimdex/heimdex-compiler/internal/sessions"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(metrics.RequestMiddleware(cfg.Metrics))
	}

	r.Get("/health", healthHandler(cfg))
	if cfg.Metrics != nil {
		var update func()
		if cfg.Runner != nil {
			update = cfg.Runner.UpdatePendingGauge
		}
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler(update))
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))

		r.Get("/stories", listStoriesHandler(cfg))
		r.Get("/stories/{story}/stats", storyStatsHandler(cfg))
		r.Get("/stories/{story}/shots", listShotsHandler(cfg))
		r.Post("/stories/{story}/shots", importShotsHandler(cfg))

		r.Get("/shots/{id}", getShotHandler(cfg))
		r.Get("/shots/{id}/neighbors", shotNeighborsHandler(cfg))
		r.With(LoopbackGuard()).Get("/shots/{id}/preview", previewHandler(cfg))
		r.With(LoopbackGuard()).Head("/shots/{id}/preview", previewHandler(cfg))

		r.Post("/retrieve", retrieveHandler(cfg))
		r.Post("/sequences", sequencesHandler(cfg))

		r.Post("/edits", createEditHandler(cfg))
		r.Get("/edits", listEditsHandler(cfg))
		r.Get("/edits/{id}", getEditHandler(cfg))
		r.Get("/edits/{id}/interactions", editInteractionsHandler(cfg))
		r.Get("/edits/{id}/export/edl", downloadEditHandler(cfg, export.FormatEDL))
		r.Get("/edits/{id}/export/fcpxml", downloadEditHandler(cfg, export.FormatFCPXML))
		r.Post("/export/edl", exportHandler(cfg, export.FormatEDL))
		r.Post("/export/fcpxml", exportHandler(cfg, export.FormatFCPXML))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		version := cfg.Version
		if version == "" {
			version = "dev"
		}
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  version,
			UptimeS:  uptime,
			DeviceID: cfg.DeviceID,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		jobs, _ := cfg.Repository.ListJobs(ctx, 20)
		pending, _ := cfg.Repository.CountPendingJobs(ctx)

		state := "idle"
		var activeJob *JobResponse
		jobsRunning := 0
		lastError := ""

		if cfg.Runner != nil && cfg.Runner.IsPaused() {
			state = "paused"
		}

		for _, j := range jobs {
			if j.Status == sessions.JobStatusRunning {
				state = "compiling"
				resp := JobToResponse(j)
				activeJob = &resp
				jobsRunning++
			}
			if j.Status == sessions.JobStatusFailed && lastError == "" {
				lastError = j.Error
			}
		}

		if lastError != "" && state == "idle" {
			state = "error"
		}

		resp := StatusResponse{
			State:       state,
			LastError:   lastError,
			JobsPending: pending,
			JobsRunning: jobsRunning,
			ActiveJob:   activeJob,
		}

		if st := cfg.Embeddings.Peek(); st != nil {
			resp.Embeddings = &EmbeddingStatusResponse{
				Available: st.Available,
				Dimension: st.Dimension,
				Error:     st.Error,
			}
			if !st.ProbedAt.IsZero() {
				resp.Embeddings.LastProbeAt = st.ProbedAt.Format(time.RFC3339)
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

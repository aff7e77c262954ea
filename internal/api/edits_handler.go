package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-compiler/internal/compile"
	"github.com/heimdex/heimdex-compiler/internal/sessions"
)

func createEditHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateEditRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		job, err := cfg.Sessions.Submit(r.Context(), compile.Request{
			StoryID:        req.StoryID,
			Brief:          req.Brief,
			TargetDuration: seconds(req.TargetDurationS),
		}, req.Draft)
		if err != nil {
			if errors.Is(err, compile.ErrInvalidRequest) {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusAccepted, CreateEditResponse{JobID: job.ID, Status: job.Status})
	}
}

func listEditsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 500 {
				WriteError(w, http.StatusBadRequest, "limit must be between 1 and 500", "BAD_REQUEST")
				return
			}
			limit = n
		}

		jobs, err := cfg.Sessions.ListJobs(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list edits", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getEditHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(w, r, cfg)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func editInteractionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		list, err := cfg.Sessions.Interactions(r.Context(), id)
		if err != nil {
			writeJobError(w, err)
			return
		}

		resp := InteractionsResponse{JobID: id, Interactions: make([]InteractionResponse, len(list))}
		for i, in := range list {
			resp.Interactions[i] = InteractionResponse{
				Seq:        in.Seq,
				Stage:      in.Stage,
				Strict:     in.Strict,
				Prompt:     in.Prompt,
				Response:   in.Response,
				PromptHash: in.PromptHash,
				DurationMs: in.Duration.Milliseconds(),
				Error:      in.Error,
				At:         in.At.Format(time.RFC3339Nano),
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func loadJob(w http.ResponseWriter, r *http.Request, cfg ServerConfig) (*sessions.Job, bool) {
	job, err := cfg.Sessions.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return nil, false
	}
	return job, true
}

func writeJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, sessions.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "edit not found", "NOT_FOUND")
		return
	}
	WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
}

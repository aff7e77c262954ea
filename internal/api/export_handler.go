package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-compiler/internal/export"
	"github.com/heimdex/heimdex-compiler/internal/sessions"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

const defaultFrameRate = 25.0

// downloadEditHandler returns a finished edit as an edit-list attachment in format f.
func downloadEditHandler(cfg ServerConfig, f export.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frameRate := defaultFrameRate
		if v := r.URL.Query().Get("frame_rate"); v != "" {
			fr, err := strconv.ParseFloat(v, 64)
			if err != nil || fr <= 0 || fr > 120 {
				WriteError(w, http.StatusBadRequest, "invalid frame_rate", "BAD_REQUEST")
				return
			}
			frameRate = fr
		}

		id := chi.URLParam(r, "id")
		clips, unresolved, status, err := resolveJob(r.Context(), cfg, id)
		if err != nil {
			WriteError(w, status, err.Error(), exportErrorCode(status))
			return
		}
		if len(unresolved) > 0 {
			cfg.Logger.Warn("export skipped missing shots", "job_id", id, "format", f, "shots", unresolved)
		}

		title := export.ProjectName(r.URL.Query().Get("title"), 120)
		data, err := export.Render(f, clips, title, frameRate)
		if err != nil {
			cfg.Logger.Error("failed to render export", "job_id", id, "format", f, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to render export", "INTERNAL_ERROR")
			return
		}
		w.Header().Set("Content-Type", f.ContentType())
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", title+f.Extension()))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

// exportHandler writes a finished edit in format f into a local output directory.
func exportHandler(cfg ServerConfig, f export.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req export.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if req.Format != "" {
			if got, err := export.ParseFormat(req.Format); err != nil || got != f {
				WriteError(w, http.StatusBadRequest, fmt.Sprintf("format must be %s", f), "BAD_REQUEST")
				return
			}
		}
		if req.JobID == "" {
			WriteError(w, http.StatusBadRequest, "job_id is required", "BAD_REQUEST")
			return
		}
		if err := export.ValidateOutputDir(req.OutputDir); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		frameRate := req.FrameRate
		if frameRate <= 0 {
			frameRate = defaultFrameRate
		}

		clips, unresolved, status, err := resolveJob(r.Context(), cfg, req.JobID)
		if err != nil {
			WriteError(w, status, err.Error(), exportErrorCode(status))
			return
		}

		outputPath, err := export.WriteFile(req.OutputDir, req.ProjectName, f, clips, frameRate)
		if err != nil {
			cfg.Logger.Error("failed to write export", "job_id", req.JobID, "format", f, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to write export file", "INTERNAL_ERROR")
			return
		}

		var total float64
		for _, c := range clips {
			total += c.Duration().Seconds()
		}
		if unresolved == nil {
			unresolved = []int64{}
		}
		WriteJSON(w, http.StatusOK, export.Response{
			Status:          "ok",
			Format:          string(f),
			OutputPath:      outputPath,
			ClipCount:       len(clips),
			UnresolvedShots: unresolved,
			DurationSeconds: total,
		})
	}
}

// resolveJob loads a job's archived edit and maps it onto source media. The returned status is
// the HTTP status to use when err is set.
func resolveJob(ctx context.Context, cfg ServerConfig, id string) ([]export.Clip, []int64, int, error) {
	job, err := cfg.Sessions.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return nil, nil, http.StatusNotFound, fmt.Errorf("edit not found")
		}
		return nil, nil, http.StatusInternalServerError, err
	}
	res, err := cfg.Sessions.Result(ctx, id)
	if err != nil {
		return nil, nil, http.StatusInternalServerError, err
	}
	if res == nil || res.Edit == nil || len(res.Edit.Selections) == 0 {
		return nil, nil, http.StatusConflict, fmt.Errorf("edit %s has no selections to export (status %s)", id, job.Status)
	}

	list, err := cfg.Shots.GetShotsByIDs(ctx, res.Edit.ShotIDs())
	if err != nil {
		return nil, nil, http.StatusInternalServerError, err
	}
	byID := make(map[int64]shots.Shot, len(list))
	for _, s := range list {
		byID[s.ID] = s
	}

	clips, unresolved := export.Resolve(res.Edit, byID)
	if len(clips) == 0 {
		return nil, unresolved, http.StatusUnprocessableEntity, fmt.Errorf("no selections could be resolved to source media")
	}
	return clips, unresolved, http.StatusOK, nil
}

func exportErrorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "NOT_READY"
	case http.StatusUnprocessableEntity:
		return "UNRESOLVABLE_CLIPS"
	default:
		return "INTERNAL_ERROR"
	}
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-compiler/internal/playback"
	"github.com/heimdex/heimdex-compiler/internal/sequence"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

const (
	maxImportBody    = 64 << 20
	defaultNeighbors = 2
	maxNeighbors     = 20
)

func listStoriesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stories, err := cfg.Shots.ListStories(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list stories", "INTERNAL_ERROR")
			return
		}
		if stories == nil {
			stories = []shots.StorySummary{}
		}
		WriteJSON(w, http.StatusOK, StoriesResponse{Stories: stories})
	}
}

func storyStatsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		story := chi.URLParam(r, "story")
		stats, err := cfg.Shots.StoryStats(r.Context(), story)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if stats == nil || stats.ShotCount == 0 {
			WriteError(w, http.StatusNotFound, "story not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

// listShotsHandler accepts repeated or comma-separated ?type= filters.
func listShotsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		story := chi.URLParam(r, "story")

		var filters shots.Filters
		for _, v := range r.URL.Query()["type"] {
			for _, t := range strings.Split(v, ",") {
				if t = strings.TrimSpace(t); t != "" {
					filters.ShotTypes = append(filters.ShotTypes, t)
				}
			}
		}

		list, err := cfg.Shots.GetShots(r.Context(), story, filters)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if list == nil {
			list = []shots.Shot{}
		}
		WriteJSON(w, http.StatusOK, ShotsResponse{StoryID: story, Shots: list})
	}
}

func importShotsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Importer == nil {
			WriteError(w, http.StatusServiceUnavailable, "import is not configured", "UNAVAILABLE")
			return
		}
		story := chi.URLParam(r, "story")

		manifest, err := shots.ParseManifest(http.MaxBytesReader(w, r.Body, maxImportBody))
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		if manifest.StoryID != "" && manifest.StoryID != story {
			WriteError(w, http.StatusBadRequest, "manifest story_id does not match the URL", "BAD_REQUEST")
			return
		}
		if len(manifest.Shots) == 0 {
			WriteError(w, http.StatusBadRequest, "manifest has no shots", "BAD_REQUEST")
			return
		}

		res, err := cfg.Importer.Import(r.Context(), story, manifest.Shots)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func getShotHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shot, ok := loadShot(w, r, cfg)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, shot)
	}
}

func shotNeighborsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shot, ok := loadShot(w, r, cfg)
		if !ok {
			return
		}

		n := defaultNeighbors
		if v := r.URL.Query().Get("n"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed < 1 || parsed > maxNeighbors {
				WriteError(w, http.StatusBadRequest, "n must be between 1 and 20", "BAD_REQUEST")
				return
			}
			n = parsed
		}

		list, err := cfg.Shots.Neighbors(r.Context(), shot.ID, n)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if list == nil {
			list = []shots.Shot{}
		}
		WriteJSON(w, http.StatusOK, ShotsResponse{StoryID: shot.StoryID, Shots: list})
	}
}

func previewHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shot, ok := loadShot(w, r, cfg)
		if !ok {
			return
		}
		if err := cfg.Playback.ServeShot(w, r, shot); err != nil {
			if errors.Is(err, playback.ErrNoMedia) {
				WriteError(w, http.StatusNotFound, err.Error(), "NO_MEDIA")
				return
			}
			cfg.Logger.Error("preview error", "error", err, "shot_id", shot.ID)
		}
	}
}

func retrieveHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RetrieveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if strings.TrimSpace(req.StoryID) == "" {
			WriteError(w, http.StatusBadRequest, "story_id is required", "BAD_REQUEST")
			return
		}

		ws, err := cfg.Engine.Retrieve(r.Context(), req.query())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, ws)
	}
}

func sequencesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SequencesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if strings.TrimSpace(req.StoryID) == "" {
			WriteError(w, http.StatusBadRequest, "story_id is required", "BAD_REQUEST")
			return
		}
		method := req.Method
		if method == "" {
			method = cfg.GroupMethod
		}
		if method == "" {
			method = sequence.MethodHybrid
		}

		ws, err := cfg.Engine.Retrieve(r.Context(), req.query())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		set, err := cfg.Grouper.Group(ws, method)
		if err != nil {
			if errors.Is(err, sequence.ErrUnknownMethod) {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusOK, SequencesResponse{
			StoryID:   req.StoryID,
			Method:    method,
			Degraded:  ws.Degraded,
			ShotCount: set.ShotCount(),
			Sequences: set.Sequences(),
			Summary:   sequence.Summarize(set),
		})
	}
}

func loadShot(w http.ResponseWriter, r *http.Request, cfg ServerConfig) (*shots.Shot, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, http.StatusBadRequest, "invalid shot id", "BAD_REQUEST")
		return nil, false
	}
	shot, err := cfg.Shots.GetShot(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return nil, false
	}
	if shot == nil {
		WriteError(w, http.StatusNotFound, "shot not found", "NOT_FOUND")
		return nil, false
	}
	return shot, true
}

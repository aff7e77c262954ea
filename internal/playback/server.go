// Package playback streams shot media to review clients with HTTP range support.
package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/logging"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

var mediaTypes = map[string]string{
	".mp4": "video/mp4",
	".m4v": "video/x-m4v",
	".mov": "video/quicktime",
	".mxf": "application/mxf",
	".mkv": "video/x-matroska",
}

// ErrNoMedia is returned for shots with neither a proxy nor a source path.
var ErrNoMedia = errors.New("shot has no playable media")

type PlaybackService interface {
	ServeShot(w http.ResponseWriter, r *http.Request, shot *shots.Shot) error
}

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{logger: logger}
}

// PreviewPath prefers the shot's proxy over its camera original.
func PreviewPath(s *shots.Shot) string {
	if s.ProxyPath != "" {
		return s.ProxyPath
	}
	return s.Path
}

// ServeShot streams the shot's preview media. Missing files get a 404 and no error.
func (s *Server) ServeShot(w http.ResponseWriter, r *http.Request, shot *shots.Shot) error {
	path := PreviewPath(shot)
	if path == "" {
		return ErrNoMedia
	}
	return s.serveFile(w, r, path)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("preview media missing", "path", logging.SanitizePath(path))
			http.Error(w, "file not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("open media: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat media: %w", err)
	}
	size := stat.Size()

	contentType := mediaTypes[strings.ToLower(filepath.Ext(path))]
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(path))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType)
	h.Set("Last-Modified", stat.ModTime().UTC().Format(http.TimeFormat))

	rng, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case errors.Is(err, ErrInvalidRange):
		// A malformed Range header is ignored and the whole file served.
		rng = nil
	case err != nil:
		return err
	}

	start, length, status := int64(0), size, http.StatusOK
	if rng != nil {
		start, length, status = rng.Start, rng.Length(), http.StatusPartialContent
		h.Set("Content-Range", rng.ContentRange(size))
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("seek media: %w", err)
	}
	began := time.Now()
	n, err := io.CopyN(w, file, length)
	if err != nil {
		s.logger.Debug("preview stream ended early", "sent", n, "want", length, "elapsed", time.Since(began), "error", err)
	}
	return nil
}

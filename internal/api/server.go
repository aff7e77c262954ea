package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/embedding"
	"github.com/heimdex/heimdex-compiler/internal/metrics"
	"github.com/heimdex/heimdex-compiler/internal/playback"
	"github.com/heimdex/heimdex-compiler/internal/retrieval"
	"github.com/heimdex/heimdex-compiler/internal/sequence"
	"github.com/heimdex/heimdex-compiler/internal/sessions"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port        int
	Shots       shots.Repository
	Importer    *shots.Service
	Engine      *retrieval.Engine
	Grouper     *sequence.Grouper
	GroupMethod string
	Sessions    sessions.SessionService
	Repository  sessions.Repository
	Runner      *sessions.Runner
	Playback    playback.PlaybackService
	Embeddings  *embedding.Health
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	StartTime   time.Time
	DeviceID    string
	Version     string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

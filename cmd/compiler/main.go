package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/api"
	"github.com/heimdex/heimdex-compiler/internal/compile"
	"github.com/heimdex/heimdex-compiler/internal/config"
	"github.com/heimdex/heimdex-compiler/internal/continuity"
	"github.com/heimdex/heimdex-compiler/internal/db"
	"github.com/heimdex/heimdex-compiler/internal/embedding"
	"github.com/heimdex/heimdex-compiler/internal/export"
	"github.com/heimdex/heimdex-compiler/internal/logging"
	"github.com/heimdex/heimdex-compiler/internal/metrics"
	"github.com/heimdex/heimdex-compiler/internal/narrative"
	"github.com/heimdex/heimdex-compiler/internal/playback"
	"github.com/heimdex/heimdex-compiler/internal/retrieval"
	"github.com/heimdex/heimdex-compiler/internal/sequence"
	"github.com/heimdex/heimdex-compiler/internal/sessions"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

const embeddingProbeTTL = 5 * time.Minute

const usage = `usage: heimdex-compiler <command> [flags]

commands:
  serve     run the HTTP API and the compile queue (default)
  import    load an analysis manifest into a story
  compile   compile one edit and print its summary
  stats     describe the material available for a story
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run(args []string) error {
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	tuning, err := config.LoadTuning(cfg.TuningFile())
	if err != nil {
		return err
	}

	switch cmd {
	case "serve":
		return serve(cfg, tuning)
	case "import":
		return importCmd(cfg, tuning, args)
	case "compile":
		return compileCmd(cfg, tuning, args)
	case "stats":
		return statsCmd(cfg, tuning, args)
	case "help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// app holds the collaborators every command shares.
type app struct {
	cfg      *config.EnvConfig
	logger   *slog.Logger
	database *db.DB
	sessions *sessions.SQLiteRepository
	shots    shots.Repository
	pg       *shots.PostgresStore
	health   *embedding.Health
	metrics  *metrics.Metrics
	engine   *retrieval.Engine
	grouper  *sequence.Grouper
	orch     *compile.Orchestrator
	method   string
}

func newApp(cfg *config.EnvConfig, tuning *config.Tuning) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel(), cfg.LogFormat())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		database: database,
		sessions: sessions.NewRepository(database.Conn()),
		shots:    shots.NewRepository(database.Conn()),
		metrics:  metrics.New(),
		method:   tuning.Sequences.Method,
	}

	if url := cfg.PostgresURL(); url != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := shots.OpenPostgres(ctx, url, logging.WithComponent(logger, "postgres"))
		cancel()
		if err != nil {
			database.Close()
			return nil, err
		}
		a.pg = pg
		a.shots = pg
		logger.Info("using postgres shot store")
	}

	var provider embedding.Provider
	switch cfg.EmbeddingProvider() {
	case config.EmbeddingOpenAI:
		provider = embedding.NewOpenAIProvider(cfg.OpenAIAPIKey(), cfg.OpenAIBaseURL(), cfg.EmbeddingModel())
	case config.EmbeddingHashing:
		provider = embedding.NewHashingProvider(embedding.DefaultHashingDimension)
	}
	if provider != nil {
		a.health = embedding.NewHealth(provider, embeddingProbeTTL, logging.WithComponent(logger, "embedding"))
	}

	a.engine = retrieval.NewEngine(a.shots, a.health, retrievalOptions(tuning), logging.WithComponent(logger, "retrieval"), a.metrics)
	a.grouper = sequence.NewGrouper(sequenceOptions(tuning), logging.WithComponent(logger, "sequence"))

	var service narrative.Service
	if cfg.OpenAIAPIKey() != "" {
		completer := narrative.NewOpenAICompleter(cfg.OpenAIAPIKey(), cfg.OpenAIBaseURL(), cfg.ChatModel(), logger)
		service = narrative.NewClient(completer, logging.WithComponent(logger, "narrative"))
		logger.Info("generation service configured", "model", cfg.ChatModel())
	} else {
		service = narrative.NewOffline(logging.WithComponent(logger, "narrative"))
		logger.Warn("no OpenAI key configured, using offline generation service")
	}

	opts := compileOptions(tuning)
	opts.CallTimeout = cfg.GenerationTimeout()
	a.orch = compile.New(a.engine, a.grouper, continuity.NewHeuristicAnnotator(logger), service, opts,
		logging.WithComponent(logger, "compile"), a.metrics)

	return a, nil
}

func (a *app) Close() {
	if a.pg != nil {
		a.pg.Close()
	}
	a.database.Close()
}

func retrievalOptions(t *config.Tuning) retrieval.Options {
	r := t.Retrieval
	return retrieval.Options{
		Weights: retrieval.Weights{Semantic: r.SemanticWeight, Lexical: r.LexicalWeight, Heuristic: r.HeuristicWeight},
		Bonuses: retrieval.Bonuses{
			Interview: r.InterviewBonus,
			Face:      r.FaceBonus,
			Duration:  r.DurationBonus,
			UsableMin: time.Duration(r.UsableMinSecs * float64(time.Second)),
			UsableMax: time.Duration(r.UsableMaxSecs * float64(time.Second)),
		},
	}
}

func sequenceOptions(t *config.Tuning) sequence.Options {
	s := t.Sequences
	return sequence.Options{
		Window:          time.Duration(s.TemporalWindowMinutes * float64(time.Minute)),
		VisualThreshold: s.VisualSimilarityThreshold,
		MinShots:        s.MinShotsPerSequence,
		MaxShots:        s.MaxShotsPerSequence,
		Method:          s.Method,
	}
}

func compileOptions(t *config.Tuning) compile.Options {
	o := t.Orchestrator
	opts := compile.DefaultOptions()
	opts.MaxIterations = o.MaxIterations
	opts.MinScore = o.MinVerificationScore
	opts.PlanningShots = o.PlanningShots
	opts.PlanningNeighbors = o.PlanningNeighbors
	opts.BeatShots = o.BeatShots
	opts.ParallelBeats = o.ParallelBeats
	opts.Workers = o.Workers
	if t.Sequences.Method != "" {
		opts.GroupMethod = t.Sequences.Method
	}
	return opts
}

func serve(cfg *config.EnvConfig, tuning *config.Tuning) error {
	startTime := time.Now()

	a, err := newApp(cfg, tuning)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	logger.Info("starting heimdex compiler", "version", config.Version, "data_dir", cfg.DataDir())

	deviceID, err := ensureDeviceID(a.sessions)
	if err != nil {
		return fmt.Errorf("failed to ensure device ID: %w", err)
	}

	authToken, err := ensureAuthToken(a.sessions)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                 HEIMDEX COMPILER v%-24s║\n", config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Printf("║  Device ID:  %-45s ║\n", deviceID[:16]+"...")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.health != nil {
		go func() {
			st := a.health.Refresh(ctx)
			logger.Info("embedding provider probed", "available", st.Available, "dimension", st.Dimension, "error", st.Error)
		}()
	}

	runner := sessions.NewRunner(a.sessions, a.orch, a.metrics, logging.WithComponent(logger, "runner"), cfg.RunnerPollInterval())
	go runner.Start(ctx)

	apiServer := api.NewServer(api.ServerConfig{
		Port:        cfg.Port(),
		Shots:       a.shots,
		Importer:    shots.NewService(a.shots, a.health, logging.WithComponent(logger, "import")),
		Engine:      a.engine,
		Grouper:     a.grouper,
		GroupMethod: a.method,
		Sessions:    sessions.NewService(a.sessions, logger),
		Repository:  a.sessions,
		Runner:      runner,
		Playback:    playback.NewServer(logger),
		Embeddings:  a.health,
		Metrics:     a.metrics,
		Logger:      logger,
		StartTime:   startTime,
		DeviceID:    deviceID,
		Version:     config.Version,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func importCmd(cfg *config.EnvConfig, tuning *config.Tuning, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	story := fs.String("story", "", "story id to import into (defaults to the manifest's story_id)")
	file := fs.String("file", "", "path to the analysis manifest (JSON)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("import: -file is required")
	}

	f, err := os.Open(*file)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	manifest, err := shots.ParseManifest(f)
	if err != nil {
		return err
	}
	storyID := *story
	if storyID == "" {
		storyID = manifest.StoryID
	}
	if storyID == "" {
		return errors.New("import: -story is required when the manifest has no story_id")
	}

	a, err := newApp(cfg, tuning)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := shots.NewService(a.shots, a.health, a.logger).Import(ctx, storyID, manifest.Shots)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func compileCmd(cfg *config.EnvConfig, tuning *config.Tuning, args []string) error {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	story := fs.String("story", "", "story id to compile from")
	brief := fs.String("brief", "", "editorial brief")
	duration := fs.Float64("duration", 60, "target duration in seconds")
	draft := fs.Bool("draft", false, "single pass without verification")
	edlPath := fs.String("edl", "", "write the resulting edit as a CMX 3600 EDL to this path")
	fcpxmlPath := fs.String("fcpxml", "", "write the resulting edit as Final Cut Pro XML to this path")
	frameRate := fs.Float64("frame-rate", 25, "export frame rate")
	asJSON := fs.Bool("json", false, "print the full result as JSON instead of the summary")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := compile.Request{
		StoryID:        *story,
		Brief:          *brief,
		TargetDuration: time.Duration(*duration * float64(time.Second)),
	}
	if err := req.Validate(); err != nil {
		return err
	}

	a, err := newApp(cfg, tuning)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var res *compile.Result
	if *draft {
		res, err = a.orch.Draft(ctx, req)
	} else {
		res, err = a.orch.Compile(ctx, req)
	}
	if err != nil {
		return err
	}

	exports := []struct {
		format export.Format
		path   string
	}{{export.FormatEDL, *edlPath}, {export.FormatFCPXML, *fcpxmlPath}}
	for _, e := range exports {
		if e.path == "" || res.Edit == nil {
			continue
		}
		if err := writeExport(ctx, a, res, e.format, e.path, *frameRate); err != nil {
			return err
		}
	}

	if *asJSON {
		return printJSON(res)
	}
	fmt.Print(res.Summary())
	return nil
}

func writeExport(ctx context.Context, a *app, res *compile.Result, f export.Format, path string, frameRate float64) error {
	list, err := a.shots.GetShotsByIDs(ctx, res.Edit.ShotIDs())
	if err != nil {
		return err
	}
	byID := make(map[int64]shots.Shot, len(list))
	for _, s := range list {
		byID[s.ID] = s
	}
	clips, unresolved := export.Resolve(res.Edit, byID)
	if len(unresolved) > 0 {
		a.logger.Warn("export skipped missing shots", "format", f, "shots", unresolved)
	}

	data, err := export.Render(f, clips, export.ProjectName(res.Brief, 60), frameRate)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create %s dir: %w", f, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", f, err)
	}
	a.logger.Info("export written", "format", f, "path", path, "clips", len(clips))
	return nil
}

func statsCmd(cfg *config.EnvConfig, tuning *config.Tuning, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	story := fs.String("story", "", "story id (omit to list stories)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(cfg, tuning)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	if *story == "" {
		stories, err := a.shots.ListStories(ctx)
		if err != nil {
			return err
		}
		return printJSON(stories)
	}

	stats, err := a.shots.StoryStats(ctx, *story)
	if err != nil {
		return err
	}
	if stats == nil || stats.ShotCount == 0 {
		return fmt.Errorf("story %q has no shots", *story)
	}
	return printJSON(stats)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ensureDeviceID(repo sessions.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, sessions.ConfigDeviceID)
	if err == nil && existing != "" {
		return existing, nil
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", err
	}
	deviceID := hex.EncodeToString(idBytes)

	if err := repo.SetConfig(ctx, sessions.ConfigDeviceID, deviceID); err != nil {
		return "", err
	}

	return deviceID, nil
}

func ensureAuthToken(repo sessions.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, sessions.ConfigAuthToken)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, sessions.ConfigAuthToken, token); err != nil {
		return "", err
	}

	return token, nil
}

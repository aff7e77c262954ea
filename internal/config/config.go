// Package config provides configuration management for the compiler service.
// Configuration is loaded from environment variables (optionally seeded from a .env file)
// with sensible defaults; algorithm tuning lives in an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Default values
	DefaultPort              = 8790
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultDataDir           = ".heimdex-compiler"
	DefaultChatModel         = "gpt-4o-mini"
	DefaultEmbeddingModel    = "text-embedding-3-small"
	DefaultGenerationTimeout = 120 // seconds
	DefaultRunnerPoll        = 3   // seconds

	// Environment variable names
	EnvPort              = "HEIMDEX_PORT"
	EnvLogLevel          = "HEIMDEX_LOG_LEVEL"
	EnvLogFormat         = "HEIMDEX_LOG_FORMAT"
	EnvDataDir           = "HEIMDEX_DATA_DIR"
	EnvTuningFile        = "HEIMDEX_TUNING_FILE"
	EnvPostgresURL       = "HEIMDEX_POSTGRES_URL"
	EnvOpenAIKey         = "HEIMDEX_OPENAI_API_KEY"
	EnvOpenAIKeyFallback = "OPENAI_API_KEY"
	EnvOpenAIBaseURL     = "HEIMDEX_OPENAI_BASE_URL"
	EnvChatModel         = "HEIMDEX_CHAT_MODEL"
	EnvEmbeddingModel    = "HEIMDEX_EMBEDDING_MODEL"
	EnvEmbeddingProvider = "HEIMDEX_EMBEDDING_PROVIDER"
	EnvGenerationTimeout = "HEIMDEX_GENERATION_TIMEOUT"
	EnvRunnerPoll        = "HEIMDEX_RUNNER_POLL"

	// Database filename
	DBFilename = "compiler.db"

	// Embedding provider names
	EmbeddingOpenAI  = "openai"
	EmbeddingHashing = "hashing"
	EmbeddingNone    = "none"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	LogFormat() string
	DataDir() string
	DBPath() string
	ExportDir() string
	TuningFile() string
	PostgresURL() string
	OpenAIAPIKey() string
	OpenAIBaseURL() string
	ChatModel() string
	EmbeddingModel() string
	EmbeddingProvider() string
	GenerationTimeout() time.Duration
	RunnerPollInterval() time.Duration
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port      int
	logLevel  string
	logFormat string
	dataDir   string

	tuningFile  string
	postgresURL string

	openAIKey         string
	openAIBaseURL     string
	chatModel         string
	embeddingModel    string
	embeddingProvider string

	generationTimeout time.Duration
	runnerPoll        time.Duration
}

// LoadDotEnv seeds the process environment from .env files. Missing files are not an error;
// variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:              DefaultPort,
		logLevel:          DefaultLogLevel,
		logFormat:         DefaultLogFormat,
		dataDir:           defaultDataDir(),
		chatModel:         DefaultChatModel,
		embeddingModel:    DefaultEmbeddingModel,
		generationTimeout: DefaultGenerationTimeout * time.Second,
		runnerPoll:        DefaultRunnerPoll * time.Second,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}
	if lf := os.Getenv(EnvLogFormat); lf != "" {
		cfg.logFormat = strings.ToLower(lf)
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	cfg.tuningFile = os.Getenv(EnvTuningFile)
	cfg.postgresURL = os.Getenv(EnvPostgresURL)

	cfg.openAIKey = os.Getenv(EnvOpenAIKey)
	if cfg.openAIKey == "" {
		cfg.openAIKey = os.Getenv(EnvOpenAIKeyFallback)
	}
	cfg.openAIBaseURL = os.Getenv(EnvOpenAIBaseURL)
	if m := os.Getenv(EnvChatModel); m != "" {
		cfg.chatModel = m
	}
	if m := os.Getenv(EnvEmbeddingModel); m != "" {
		cfg.embeddingModel = m
	}

	switch ep := strings.ToLower(os.Getenv(EnvEmbeddingProvider)); ep {
	case "":
		cfg.embeddingProvider = EmbeddingHashing
		if cfg.openAIKey != "" {
			cfg.embeddingProvider = EmbeddingOpenAI
		}
	case EmbeddingOpenAI, EmbeddingHashing, EmbeddingNone:
		cfg.embeddingProvider = ep
	default:
		return nil, fmt.Errorf("invalid %s: %q (want openai, hashing or none)", EnvEmbeddingProvider, ep)
	}
	if cfg.embeddingProvider == EmbeddingOpenAI && cfg.openAIKey == "" {
		return nil, fmt.Errorf("%s=openai requires %s", EnvEmbeddingProvider, EnvOpenAIKey)
	}

	timeout, err := positiveSeconds(EnvGenerationTimeout, DefaultGenerationTimeout)
	if err != nil {
		return nil, err
	}
	cfg.generationTimeout = timeout

	poll, err := positiveSeconds(EnvRunnerPoll, DefaultRunnerPoll)
	if err != nil {
		return nil, err
	}
	cfg.runnerPoll = poll

	return cfg, nil
}

func positiveSeconds(key string, fallback int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallback) * time.Second, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return time.Duration(n) * time.Second, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

func (c *EnvConfig) LogFormat() string {
	return c.logFormat
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// ExportDir is where server-side edit lists are written when no directory is given.
func (c *EnvConfig) ExportDir() string {
	return filepath.Join(c.dataDir, "exports")
}

func (c *EnvConfig) TuningFile() string {
	return c.tuningFile
}

// PostgresURL selects the pgvector-backed shot store when set.
func (c *EnvConfig) PostgresURL() string {
	return c.postgresURL
}

func (c *EnvConfig) OpenAIAPIKey() string {
	return c.openAIKey
}

func (c *EnvConfig) OpenAIBaseURL() string {
	return c.openAIBaseURL
}

func (c *EnvConfig) ChatModel() string {
	return c.chatModel
}

func (c *EnvConfig) EmbeddingModel() string {
	return c.embeddingModel
}

// EmbeddingProvider is one of openai, hashing or none.
func (c *EnvConfig) EmbeddingProvider() string {
	return c.embeddingProvider
}

// GenerationTimeout bounds each plan/select/verify call.
func (c *EnvConfig) GenerationTimeout() time.Duration {
	return c.generationTimeout
}

func (c *EnvConfig) RunnerPollInterval() time.Duration {
	return c.runnerPoll
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

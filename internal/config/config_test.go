package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		EnvPort, EnvLogLevel, EnvLogFormat, EnvDataDir, EnvTuningFile, EnvPostgresURL,
		EnvOpenAIKey, EnvOpenAIKeyFallback, EnvOpenAIBaseURL, EnvChatModel,
		EnvEmbeddingModel, EnvEmbeddingProvider, EnvGenerationTimeout, EnvRunnerPoll,
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestNew_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if cfg.Port() != DefaultPort {
		t.Errorf("Port() = %d, want %d", cfg.Port(), DefaultPort)
	}
	if cfg.EmbeddingProvider() != EmbeddingHashing {
		t.Errorf("EmbeddingProvider() = %q, want %q without an API key", cfg.EmbeddingProvider(), EmbeddingHashing)
	}
	if cfg.GenerationTimeout() != DefaultGenerationTimeout*time.Second {
		t.Errorf("GenerationTimeout() = %v, want %v", cfg.GenerationTimeout(), DefaultGenerationTimeout*time.Second)
	}
	if filepath.Base(cfg.DBPath()) != DBFilename {
		t.Errorf("DBPath() = %q, want suffix %q", cfg.DBPath(), DBFilename)
	}
}

func TestNew_OpenAIKeyFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvOpenAIKeyFallback, "sk-test-key-123456")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if cfg.OpenAIAPIKey() != "sk-test-key-123456" {
		t.Errorf("OpenAIAPIKey() = %q, want fallback key", cfg.OpenAIAPIKey())
	}
	if cfg.EmbeddingProvider() != EmbeddingOpenAI {
		t.Errorf("EmbeddingProvider() = %q, want %q when a key is set", cfg.EmbeddingProvider(), EmbeddingOpenAI)
	}
}

func TestNew_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"port not a number", EnvPort, "abc"},
		{"port out of range", EnvPort, "70000"},
		{"unknown embedding provider", EnvEmbeddingProvider, "clip"},
		{"openai without key", EnvEmbeddingProvider, "openai"},
		{"zero timeout", EnvGenerationTimeout, "0"},
		{"bad poll", EnvRunnerPoll, "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			if _, err := New(); err == nil {
				t.Fatalf("New() with %s=%q should fail", tt.key, tt.val)
			}
		})
	}
}

func TestLoadDotEnv_MissingFileIgnored(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v, want nil for missing file", err)
	}
}

func TestLoadDotEnv_SetsVariables(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(EnvChatModel+"=gpt-test\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv(EnvChatModel) })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if cfg.ChatModel() != "gpt-test" {
		t.Errorf("ChatModel() = %q, want gpt-test", cfg.ChatModel())
	}
}

func TestLoadTuning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	yaml := "sequences:\n  temporal_window_minutes: 10\n  max_shots_per_sequence: 6\norchestrator:\n  max_iterations: 5\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write tuning: %v", err)
	}

	tuning, err := LoadTuning(path)
	if err != nil {
		t.Fatalf("LoadTuning() error = %v", err)
	}
	if tuning.Sequences.TemporalWindowMinutes != 10 {
		t.Errorf("TemporalWindowMinutes = %v, want 10", tuning.Sequences.TemporalWindowMinutes)
	}
	if tuning.Sequences.MinShotsPerSequence != 2 {
		t.Errorf("MinShotsPerSequence = %d, want default 2", tuning.Sequences.MinShotsPerSequence)
	}
	if tuning.Orchestrator.MaxIterations != 5 {
		t.Errorf("MaxIterations = %d, want 5", tuning.Orchestrator.MaxIterations)
	}
	if tuning.Retrieval.SemanticWeight != 0.6 {
		t.Errorf("SemanticWeight = %v, want default 0.6", tuning.Retrieval.SemanticWeight)
	}
}

func TestLoadTuning_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("sequences:\n  min_shots_per_sequence: 9\n  max_shots_per_sequence: 3\n"), 0o644); err != nil {
		t.Fatalf("write tuning: %v", err)
	}
	if _, err := LoadTuning(path); err == nil {
		t.Fatal("LoadTuning() should reject min > max")
	}
}

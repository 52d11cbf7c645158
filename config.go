package casegraph

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the casegraph engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.casegraph/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.casegraph/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM tiers. Fast is used for summaries, labels, and narratives;
	// Extraction for structured node/edge extraction and integration.
	Fast       LLMConfig `json:"fast" yaml:"fast"`
	Extraction LLMConfig `json:"extraction" yaml:"extraction"`

	// Embedding provider. Dim must match the model output.
	Embedding    LLMConfig `json:"embedding" yaml:"embedding"`
	EmbeddingDim int       `json:"embedding_dim" yaml:"embedding_dim"`

	// Extraction tuning.
	DedupeThreshold    float64 `json:"dedupe_threshold" yaml:"dedupe_threshold"`       // cosine sim above which candidates merge (default 0.90)
	SectionConcurrency int     `json:"section_concurrency" yaml:"section_concurrency"` // max parallel section extractions (default 5)

	// Integration tuning.
	ContextCap    int `json:"context_cap" yaml:"context_cap"`       // max existing nodes fed to integration (default 30)
	SearchWorkers int `json:"search_workers" yaml:"search_workers"` // bounded pool for similarity searches (default 4)

	// Node clustering defaults.
	MinClusterSize      int     `json:"min_cluster_size" yaml:"min_cluster_size"`
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	Resolution          float64 `json:"resolution" yaml:"resolution"`

	// Hierarchy builds.
	BuildLockTTLSeconds int    `json:"build_lock_ttl_seconds" yaml:"build_lock_ttl_seconds"`
	RedisAddr           string `json:"redis_addr" yaml:"redis_addr"` // empty: in-process locks

	// Jobs stuck in a non-terminal state longer than this are swept to failed.
	StaleJobSeconds int `json:"stale_job_seconds" yaml:"stale_job_seconds"`
}

// LLMConfig configures a single LLM or embedding endpoint.
type LLMConfig struct {
	Provider      string `json:"provider" yaml:"provider"` // openai, custom
	Model         string `json:"model" yaml:"model"`
	BaseURL       string `json:"base_url" yaml:"base_url"`
	APIKey        string `json:"api_key" yaml:"api_key"`
	ContextWindow int    `json:"context_window" yaml:"context_window"`
}

// DefaultConfig returns a Config with sensible defaults for local use.
func DefaultConfig() Config {
	return Config{
		DBName:     "casegraph",
		StorageDir: "home",
		Fast: LLMConfig{
			Provider:      "openai",
			Model:         "gpt-4o-mini",
			ContextWindow: 128000,
		},
		Extraction: LLMConfig{
			Provider:      "openai",
			Model:         "gpt-4o",
			ContextWindow: 128000,
		},
		Embedding: LLMConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
		},
		EmbeddingDim:        384,
		DedupeThreshold:     0.90,
		SectionConcurrency:  5,
		ContextCap:          30,
		SearchWorkers:       4,
		MinClusterSize:      3,
		SimilarityThreshold: 0.6,
		Resolution:          1.0,
		BuildLockTTLSeconds: 300,
		StaleJobSeconds:     1800,
	}
}

// LoadConfig reads a YAML config file and overlays it on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "casegraph"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db"
		}
		return filepath.Join(home, ".casegraph", name+".db")
	}
}

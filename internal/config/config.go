// Package config loads and validates lodestone configuration.
//
// Configuration is resolved in priority order:
//  1. Environment variables (LODESTONE_*) - highest
//  2. Project config (.lodestone.yaml in the working directory)
//  3. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigName is the project config file name.
const DefaultConfigName = ".lodestone.yaml"

// Config is the complete lodestone configuration.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	Paths    PathsConfig    `yaml:"paths" json:"paths"`
	Analyzer AnalyzerConfig `yaml:"analyzer" json:"analyzer"`
	Queue    QueueConfig    `yaml:"queue" json:"queue"`
	Search   SearchConfig   `yaml:"search" json:"search"`
	Indexing IndexingConfig `yaml:"indexing" json:"indexing"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// PathsConfig configures data storage locations.
type PathsConfig struct {
	// DataDir holds the sqlite stores and index files (default: .lodestone).
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// AnalyzerConfig configures change classification thresholds.
// Thresholds are size-change ratios; windows control the Jaccard refinement.
type AnalyzerConfig struct {
	MinorThreshold     float64 `yaml:"minor_threshold" json:"minor_threshold"`         // default 0.15
	MajorThreshold     float64 `yaml:"major_threshold" json:"major_threshold"`         // default 0.40
	StructureThreshold float64 `yaml:"structure_threshold" json:"structure_threshold"` // default 0.70
	RewriteThreshold   float64 `yaml:"rewrite_threshold" json:"rewrite_threshold"`     // default 0.90

	// WindowSize is the character width of comparison windows.
	WindowSize int `yaml:"window_size" json:"window_size"`

	// IncrementalMaxChunks is the most affected chunks an incremental update
	// may carry before escalating to a full reindex.
	IncrementalMaxChunks int `yaml:"incremental_max_chunks" json:"incremental_max_chunks"`
}

// QueueConfig configures the job queue and worker pool.
type QueueConfig struct {
	// Workers is the fixed worker pool size (default: 4).
	Workers int `yaml:"workers" json:"workers"`

	// MaxRetries bounds retry attempts per job (default: 3).
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// StalenessWindow is how long a PROCESSING job may go without a ledger
	// update before it is presumed crashed (default: 5m).
	StalenessWindow time.Duration `yaml:"staleness_window" json:"staleness_window"`

	// JobTimeout bounds one job end to end (default: 10m).
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout"`

	// CallTimeout bounds each external call inside a job (default: 2m).
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

// SearchConfig configures hybrid search.
type SearchConfig struct {
	// VectorWeight is the dense-similarity contribution (default: 0.7).
	VectorWeight float64 `yaml:"vector_weight" json:"vector_weight"`

	// KeywordWeight is the sparse-keyword contribution (default: 0.3).
	KeywordWeight float64 `yaml:"keyword_weight" json:"keyword_weight"`

	// MaxResults caps returned results (default: 10).
	MaxResults int `yaml:"max_results" json:"max_results"`
}

// IndexingConfig configures chunking and embeddings.
type IndexingConfig struct {
	ChunkSize    int `yaml:"chunk_size" json:"chunk_size"`       // characters, default 1200
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap"` // characters, default 200
	Dimensions   int `yaml:"dimensions" json:"dimensions"`       // embedding width, default 256
	CacheSize    int `yaml:"cache_size" json:"cache_size"`       // embedding LRU entries, default 4096
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			DataDir: ".lodestone",
		},
		Analyzer: AnalyzerConfig{
			MinorThreshold:       0.15,
			MajorThreshold:       0.40,
			StructureThreshold:   0.70,
			RewriteThreshold:     0.90,
			WindowSize:           1000,
			IncrementalMaxChunks: 3,
		},
		Queue: QueueConfig{
			Workers:         4,
			MaxRetries:      3,
			StalenessWindow: 5 * time.Minute,
			JobTimeout:      10 * time.Minute,
			CallTimeout:     2 * time.Minute,
		},
		Search: SearchConfig{
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
			MaxResults:    10,
		},
		Indexing: IndexingConfig{
			ChunkSize:    1200,
			ChunkOverlap: 200,
			Dimensions:   256,
			CacheSize:    4096,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path, falling back to defaults for any
// unset field, and applies environment overrides. A missing file is not an
// error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromDir loads .lodestone.yaml from dir.
func LoadFromDir(dir string) (*Config, error) {
	return Load(filepath.Join(dir, DefaultConfigName))
}

// applyEnvOverrides applies LODESTONE_* environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LODESTONE_DATA_DIR"); v != "" {
		cfg.Paths.DataDir = v
	}
	if v := os.Getenv("LODESTONE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.Workers = n
		}
	}
	if v := os.Getenv("LODESTONE_VECTOR_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Search.VectorWeight = f
		}
	}
	if v := os.Getenv("LODESTONE_KEYWORD_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Search.KeywordWeight = f
		}
	}
	if v := os.Getenv("LODESTONE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be >= 1, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0, got %d", c.Queue.MaxRetries)
	}
	if c.Search.VectorWeight < 0 || c.Search.KeywordWeight < 0 {
		return fmt.Errorf("search weights must be non-negative (vector=%v keyword=%v)",
			c.Search.VectorWeight, c.Search.KeywordWeight)
	}
	if c.Search.VectorWeight+c.Search.KeywordWeight == 0 {
		return fmt.Errorf("at least one search weight must be positive")
	}
	if !ascending(c.Analyzer.MinorThreshold, c.Analyzer.MajorThreshold,
		c.Analyzer.StructureThreshold, c.Analyzer.RewriteThreshold) {
		return fmt.Errorf("analyzer thresholds must be strictly increasing")
	}
	if c.Indexing.ChunkSize <= 0 {
		return fmt.Errorf("indexing.chunk_size must be positive, got %d", c.Indexing.ChunkSize)
	}
	if c.Indexing.ChunkOverlap < 0 || c.Indexing.ChunkOverlap >= c.Indexing.ChunkSize {
		return fmt.Errorf("indexing.chunk_overlap must be in [0, chunk_size), got %d", c.Indexing.ChunkOverlap)
	}
	return nil
}

func ascending(vals ...float64) bool {
	for i := 1; i < len(vals); i++ {
		if vals[i] <= vals[i-1] {
			return false
		}
	}
	return true
}

// Save writes the configuration as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

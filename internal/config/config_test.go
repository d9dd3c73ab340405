package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Queue.StalenessWindow)
	assert.InDelta(t, 0.15, cfg.Analyzer.MinorThreshold, 1e-9)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Search.VectorWeight, cfg.Search.VectorWeight)
}

func TestLoad_OverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigName)
	content := `
version: 1
queue:
  workers: 8
search:
  vector_weight: 0.5
  keyword_weight: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.InDelta(t, 0.5, cfg.Search.VectorWeight, 1e-9)
	// Untouched sections keep defaults.
	assert.Equal(t, 1200, cfg.Indexing.ChunkSize)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	t.Setenv("LODESTONE_WORKERS", "2")
	t.Setenv("LODESTONE_VECTOR_WEIGHT", "0.9")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Queue.Workers)
	assert.InDelta(t, 0.9, cfg.Search.VectorWeight, 1e-9)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Queue.Workers = 0 }},
		{"negative weight", func(c *Config) { c.Search.VectorWeight = -1 }},
		{"both weights zero", func(c *Config) { c.Search.VectorWeight = 0; c.Search.KeywordWeight = 0 }},
		{"non-increasing thresholds", func(c *Config) { c.Analyzer.MajorThreshold = 0.10 }},
		{"overlap exceeds chunk size", func(c *Config) { c.Indexing.ChunkOverlap = 5000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigName)

	cfg := Default()
	cfg.Queue.Workers = 6
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, loaded.Queue.Workers)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/insight-engine/internal/answer"
	"github.com/bull/insight-engine/internal/chunker"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, chunker.DefaultChunkSize, cfg.Chunk.Size)
	assert.Equal(t, chunker.DefaultOverlap, cfg.Chunk.Overlap)
	assert.Equal(t, BackendSQLite, cfg.Index.Backend)
	assert.False(t, cfg.Generation.Enabled)
	assert.Equal(t, string(answer.DropFurthest), cfg.Generation.Truncation)
	assert.Equal(t, 4, cfg.Ingest.Workers)
	assert.Equal(t, uint64(3), cfg.Ingest.Retries())
}

func TestLoadFileKeepsZeroRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "insight.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ingest:\n  max_retries: 0\n"), 0o644))

	cfg, err := loadFile(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Ingest.MaxRetries)
	assert.Equal(t, uint64(0), cfg.Ingest.Retries())

	require.NoError(t, Save(path, cfg))
	again, err := loadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), again.Ingest.Retries())
}

func TestIngestRetriesDefaultWhenUnset(t *testing.T) {
	assert.Equal(t, uint64(3), IngestConfig{}.Retries())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := loadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileAppliesDefaultsToUnsetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "insight.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: notes
chunk:
  size: 500
  overlap: 50
generation:
  enabled: true
  timeout: 45s
  truncation: trim-furthest
index:
  backend: qdrant
  qdrant:
    port: 7000
embedding:
  dimensions: 1536
`), 0o644))

	cfg, err := loadFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "notes", cfg.DataDir)
	assert.Equal(t, 500, cfg.Chunk.Size)
	assert.Equal(t, 50, cfg.Chunk.Overlap)
	assert.True(t, cfg.Generation.Enabled)
	assert.Equal(t, 45*time.Second, cfg.Generation.Timeout)
	assert.Equal(t, "llama3.2", cfg.Generation.Model)
	assert.Equal(t, BackendQdrant, cfg.Index.Backend)
	assert.Equal(t, 7000, cfg.Index.Qdrant.Port)
	assert.Equal(t, "localhost", cfg.Index.Qdrant.Host)
}

func TestLoadFileRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "insight.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunk: [1, 2"), 0o644))

	_, err := loadFile(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	want := Default()
	want.Generation.Enabled = true

	require.NoError(t, Save(path, want))
	got, err := loadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	applyEnv(cfg, envMap(map[string]string{
		"INSIGHT_DATA_DIR":           "/srv/docs",
		"INSIGHT_GENERATION_ENABLED": "true",
		"OPENAI_API_KEY":             "sk-test",
		"QDRANT_HOST":                "qdrant.internal",
		"QDRANT_PORT":                "6400",
		"INSIGHT_INDEX_BACKEND":      "qdrant",
	}))

	assert.Equal(t, "/srv/docs", cfg.DataDir)
	assert.True(t, cfg.Generation.Enabled)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Equal(t, "qdrant.internal", cfg.Index.Qdrant.Host)
	assert.Equal(t, 6400, cfg.Index.Qdrant.Port)
	assert.Equal(t, BackendQdrant, cfg.Index.Backend)
}

func TestApplyEnvKeepsConfiguredAPIKey(t *testing.T) {
	cfg := Default()
	cfg.Embedding.APIKey = "from-file"
	applyEnv(cfg, envMap(map[string]string{"OPENAI_API_KEY": "from-env"}))
	assert.Equal(t, "from-file", cfg.Embedding.APIKey)

	before := *cfg
	applyEnv(cfg, noEnv)
	assert.Equal(t, before, *cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"overlap not below size", func(c *Config) { c.Chunk.Overlap = c.Chunk.Size }},
		{"zero workers", func(c *Config) { c.Ingest.Workers = 0 }},
		{"unknown backend", func(c *Config) { c.Index.Backend = "faiss" }},
		{"unknown truncation", func(c *Config) { c.Generation.Truncation = "random" }},
		{"qdrant without dimensions", func(c *Config) { c.Index.Backend = BackendQdrant }},
		{"zero batch size", func(c *Config) { c.Embedding.BatchSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

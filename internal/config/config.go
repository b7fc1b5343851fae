// Package config loads the YAML configuration and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bull/insight-engine/internal/answer"
	"github.com/bull/insight-engine/internal/chunker"
	"github.com/bull/insight-engine/internal/indexer"
)

const (
	BackendSQLite = "sqlite"
	BackendQdrant = "qdrant"
)

// ChunkConfig configures how documents are split into chunks.
type ChunkConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// EmbeddingConfig configures the OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	BaseURL    string        `yaml:"base_url,omitempty"` // Empty means api.openai.com
	APIKey     string        `yaml:"api_key,omitempty"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions,omitempty"`
	BatchSize  int           `yaml:"batch_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

// GenerationConfig configures the local text-generation model.
type GenerationConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key,omitempty"`
	Model          string        `yaml:"model"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float64       `yaml:"temperature"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxPromptChars int           `yaml:"max_prompt_chars"`
	Truncation     string        `yaml:"truncation"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key,omitempty"`
	Collection string `yaml:"collection"`
	Distance   string `yaml:"distance"`
}

// IndexConfig selects and configures the vector index backend.
type IndexConfig struct {
	Backend string       `yaml:"backend"`
	Path    string       `yaml:"path"` // SQLite database file
	Qdrant  QdrantConfig `yaml:"qdrant"`
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	Workers int `yaml:"workers"`
	// MaxRetries is nil when unset; an explicit 0 disables retries.
	MaxRetries *uint64 `yaml:"max_retries,omitempty"`
}

// Retries returns the configured retry count, or the default when unset.
func (c IngestConfig) Retries() uint64 {
	if c.MaxRetries == nil {
		return indexer.DefaultMaxRetries
	}
	return *c.MaxRetries
}

// Config is the root application configuration structure.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Chunk      ChunkConfig      `yaml:"chunk"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Generation GenerationConfig `yaml:"generation"`
	Index      IndexConfig      `yaml:"index"`
	Ingest     IngestConfig     `yaml:"ingest"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a config from path and applies environment overrides. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault tries ./insight.yaml first, then ~/.config/insight/config.yaml.
// If neither exists, it writes defaults to the user path and returns them.
func LoadDefault() (*Config, string, error) {
	cwdPath := "insight.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}

	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err != nil {
		if err := Save(userPath, Default()); err != nil {
			return nil, "", err
		}
	}
	cfg, err := Load(userPath)
	return cfg, userPath, err
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "insight", "config.yaml"), nil
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Chunk.Size == 0 {
		cfg.Chunk.Size = chunker.DefaultChunkSize
		if cfg.Chunk.Overlap == 0 {
			cfg.Chunk.Overlap = chunker.DefaultOverlap
		}
	}

	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 64
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}

	g := &cfg.Generation
	if g.BaseURL == "" {
		g.BaseURL = "http://localhost:11434/v1"
	}
	if g.Model == "" {
		g.Model = "llama3.2"
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = 512
	}
	if g.Timeout == 0 {
		g.Timeout = 2 * time.Minute
	}
	if g.MaxPromptChars == 0 {
		g.MaxPromptChars = answer.DefaultMaxPromptChars
	}
	if g.Truncation == "" {
		g.Truncation = string(answer.DropFurthest)
	}

	if cfg.Index.Backend == "" {
		cfg.Index.Backend = BackendSQLite
	}
	if cfg.Index.Path == "" {
		cfg.Index.Path = filepath.Join(".insight", "index.db")
	}
	q := &cfg.Index.Qdrant
	if q.Host == "" {
		q.Host = "localhost"
	}
	if q.Port == 0 {
		q.Port = 6334
	}
	if q.Collection == "" {
		q.Collection = "insight_engine"
	}
	if q.Distance == "" {
		q.Distance = "cosine"
	}

	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.MaxRetries == nil {
		n := uint64(indexer.DefaultMaxRetries)
		cfg.Ingest.MaxRetries = &n
	}
}

// applyEnv overrides file values with environment variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("INSIGHT_DATA_DIR", &cfg.DataDir)
	str("INSIGHT_INDEX_BACKEND", &cfg.Index.Backend)
	str("INSIGHT_INDEX_PATH", &cfg.Index.Path)

	str("INSIGHT_EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL)
	str("INSIGHT_EMBEDDING_MODEL", &cfg.Embedding.Model)
	num("INSIGHT_EMBEDDING_DIMENSIONS", &cfg.Embedding.Dimensions)

	if v, ok := lookup("INSIGHT_GENERATION_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Generation.Enabled = b
		}
	}
	str("INSIGHT_GENERATION_BASE_URL", &cfg.Generation.BaseURL)
	str("INSIGHT_GENERATION_MODEL", &cfg.Generation.Model)

	if cfg.Embedding.APIKey == "" {
		str("OPENAI_API_KEY", &cfg.Embedding.APIKey)
	}

	str("QDRANT_HOST", &cfg.Index.Qdrant.Host)
	num("QDRANT_PORT", &cfg.Index.Qdrant.Port)
	str("QDRANT_API_KEY", &cfg.Index.Qdrant.APIKey)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := chunker.Validate(c.Chunk.Size, c.Chunk.Overlap); err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	if c.Embedding.BatchSize < 1 {
		return fmt.Errorf("embedding.batch_size must be at least 1, got %d", c.Embedding.BatchSize)
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be at least 1, got %d", c.Ingest.Workers)
	}
	if _, err := answer.ParsePolicy(c.Generation.Truncation); err != nil {
		return fmt.Errorf("generation.truncation: %w", err)
	}

	switch c.Index.Backend {
	case BackendSQLite:
		if c.Index.Path == "" {
			return errors.New("index.path is required for the sqlite backend")
		}
	case BackendQdrant:
		if c.Embedding.Dimensions <= 0 {
			return errors.New("embedding.dimensions is required for the qdrant backend")
		}
		if p := c.Index.Qdrant.Port; p < 1 || p > 65535 {
			return fmt.Errorf("index.qdrant.port out of range: %d", p)
		}
	default:
		return fmt.Errorf("unknown index.backend %q", c.Index.Backend)
	}
	return nil
}

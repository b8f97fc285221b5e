// Package config handles Muninn configuration.
//
// Configuration comes from three layers, each overriding the previous:
// built-in defaults, an optional YAML file, and MUNINN_-prefixed
// environment variables.
//
// Example Usage:
//
//	cfg, err := config.Load("muninn.yaml")
//	if err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//	fmt.Printf("backend: %s\n", cfg.Storage.Backend)
//
// Environment Variables:
//   - MUNINN_STORAGE_BACKEND="memory" | "badger" | "remote"
//   - MUNINN_DATA_DIR="./data"
//   - MUNINN_REMOTE_URL="http://localhost:7474"
//   - MUNINN_CACHE_TTL=5m
//   - MUNINN_HTTP_PORT=7474
//
// For the complete list see the Config struct field documentation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRemote = "remote"
)

// Config holds all Muninn configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Inference InferenceConfig `yaml:"inference"`
	Semantic  SemanticConfig  `yaml:"semantic"`
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
}

// StorageConfig selects and tunes the backend.
type StorageConfig struct {
	// Backend is memory, badger or remote. (MUNINN_STORAGE_BACKEND)
	Backend string `yaml:"backend"`

	// DataDir is the badger data directory. (MUNINN_DATA_DIR)
	DataDir string `yaml:"data_dir"`

	// SyncWrites forces fsync per write on badger. (MUNINN_SYNC_WRITES)
	SyncWrites bool `yaml:"sync_writes"`

	// RemoteURL is the server base URL for the remote backend.
	// (MUNINN_REMOTE_URL)
	RemoteURL string `yaml:"remote_url"`

	// RemoteTimeout bounds each remote request. (MUNINN_REMOTE_TIMEOUT)
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
}

// CacheConfig tunes the read cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`     // MUNINN_CACHE_ENABLED
	MaxEntries int           `yaml:"max_entries"` // MUNINN_CACHE_MAX_ENTRIES
	MaxBytes   int64         `yaml:"max_bytes"`   // MUNINN_CACHE_MAX_BYTES
	TTL        time.Duration `yaml:"ttl"`         // MUNINN_CACHE_TTL
}

// InferenceConfig tunes the reasoning engine.
type InferenceConfig struct {
	CacheSize int           `yaml:"cache_size"` // MUNINN_INFERENCE_CACHE_SIZE
	CacheTTL  time.Duration `yaml:"cache_ttl"`  // MUNINN_INFERENCE_CACHE_TTL
	MaxSteps  int           `yaml:"max_steps"`  // MUNINN_INFERENCE_MAX_STEPS
}

// SemanticConfig tunes the semantic name matcher.
type SemanticConfig struct {
	Enabled             bool    `yaml:"enabled"`              // MUNINN_SEMANTIC_ENABLED
	SimilarityThreshold float64 `yaml:"similarity_threshold"` // MUNINN_SEMANTIC_THRESHOLD
	CacheSize           int     `yaml:"cache_size"`           // MUNINN_SEMANTIC_CACHE_SIZE
}

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	Address      string        `yaml:"address"`       // MUNINN_HTTP_ADDRESS
	Port         int           `yaml:"port"`          // MUNINN_HTTP_PORT
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // MUNINN_HTTP_READ_TIMEOUT
	WriteTimeout time.Duration `yaml:"write_timeout"` // MUNINN_HTTP_WRITE_TIMEOUT
}

// StreamConfig tunes import/export.
type StreamConfig struct {
	BatchSize int  `yaml:"batch_size"` // MUNINN_STREAM_BATCH_SIZE
	Gzip      bool `yaml:"gzip"`       // MUNINN_STREAM_GZIP
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:       BackendMemory,
			DataDir:       "./data",
			RemoteTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 1000,
			TTL:        5 * time.Minute,
		},
		Inference: InferenceConfig{
			CacheSize: 100,
			CacheTTL:  10 * time.Minute,
			MaxSteps:  3,
		},
		Semantic: SemanticConfig{
			Enabled:             true,
			SimilarityThreshold: 0.85,
			CacheSize:           1000,
		},
		Server: ServerConfig{
			Address:      "0.0.0.0",
			Port:         7474,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Stream: StreamConfig{
			BatchSize: 500,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then MUNINN_* environment overrides.
// The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds the configuration from defaults plus environment
// variables only.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	c.Storage.Backend = getEnv("MUNINN_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.DataDir = getEnv("MUNINN_DATA_DIR", c.Storage.DataDir)
	c.Storage.SyncWrites = getEnvBool("MUNINN_SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.RemoteURL = getEnv("MUNINN_REMOTE_URL", c.Storage.RemoteURL)
	c.Storage.RemoteTimeout = getEnvDuration("MUNINN_REMOTE_TIMEOUT", c.Storage.RemoteTimeout)

	c.Cache.Enabled = getEnvBool("MUNINN_CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.MaxEntries = getEnvInt("MUNINN_CACHE_MAX_ENTRIES", c.Cache.MaxEntries)
	c.Cache.MaxBytes = int64(getEnvInt("MUNINN_CACHE_MAX_BYTES", int(c.Cache.MaxBytes)))
	c.Cache.TTL = getEnvDuration("MUNINN_CACHE_TTL", c.Cache.TTL)

	c.Inference.CacheSize = getEnvInt("MUNINN_INFERENCE_CACHE_SIZE", c.Inference.CacheSize)
	c.Inference.CacheTTL = getEnvDuration("MUNINN_INFERENCE_CACHE_TTL", c.Inference.CacheTTL)
	c.Inference.MaxSteps = getEnvInt("MUNINN_INFERENCE_MAX_STEPS", c.Inference.MaxSteps)

	c.Semantic.Enabled = getEnvBool("MUNINN_SEMANTIC_ENABLED", c.Semantic.Enabled)
	c.Semantic.SimilarityThreshold = getEnvFloat("MUNINN_SEMANTIC_THRESHOLD", c.Semantic.SimilarityThreshold)
	c.Semantic.CacheSize = getEnvInt("MUNINN_SEMANTIC_CACHE_SIZE", c.Semantic.CacheSize)

	c.Server.Address = getEnv("MUNINN_HTTP_ADDRESS", c.Server.Address)
	c.Server.Port = getEnvInt("MUNINN_HTTP_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("MUNINN_HTTP_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("MUNINN_HTTP_WRITE_TIMEOUT", c.Server.WriteTimeout)

	c.Stream.BatchSize = getEnvInt("MUNINN_STREAM_BATCH_SIZE", c.Stream.BatchSize)
	c.Stream.Gzip = getEnvBool("MUNINN_STREAM_GZIP", c.Stream.Gzip)
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendBadger, BackendRemote:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendBadger && c.Storage.DataDir == "" {
		return fmt.Errorf("badger backend requires storage.data_dir")
	}
	if c.Storage.Backend == BackendRemote && c.Storage.RemoteURL == "" {
		return fmt.Errorf("remote backend requires storage.remote_url")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Semantic.SimilarityThreshold < 0 || c.Semantic.SimilarityThreshold > 1 {
		return fmt.Errorf("semantic.similarity_threshold must be in [0,1], got %g",
			c.Semantic.SimilarityThreshold)
	}
	return nil
}

// ListenAddr returns the server's host:port.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

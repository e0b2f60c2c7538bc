// Package config loads the engine configuration from YAML with environment
// variable fallback for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// API keys
	OpenAIKey string `yaml:"openai_key"`

	// Model configuration
	ChatModel      string `yaml:"chat_model"`
	EmbeddingModel string `yaml:"embedding_model"`

	// Redis coordination store
	Redis RedisConfig `yaml:"redis"`

	// Session lifecycle
	Session SessionConfig `yaml:"session"`

	// Long-term memory
	Memory MemoryConfig `yaml:"memory"`

	// Scheduler jobs
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Observability
	MetricsPort int    `yaml:"metrics_port"`
	TraceMode   string `yaml:"trace_mode"` // none, stdout, otlp
}

// RedisConfig holds the coordination store connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	IdleThreshold    time.Duration `yaml:"idle_threshold"`
	DedupTTL         time.Duration `yaml:"dedup_ttl"`
	AudioBufferTTL   time.Duration `yaml:"audio_buffer_ttl"`
	AudioLockTTL     time.Duration `yaml:"audio_lock_ttl"`
	AudioResultTTL   time.Duration `yaml:"audio_result_ttl"`
	SummaryChunkSize int           `yaml:"summary_chunk_size"`
	ContextRounds    int           `yaml:"context_rounds"`
}

// MemoryConfig holds long-term memory settings.
type MemoryConfig struct {
	EmbeddingDimensions int     `yaml:"embedding_dimensions"`
	TopKGroups          int     `yaml:"topk_groups"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	RecencyHalfLifeDays float64 `yaml:"recency_half_life_days"`
	IncludeRawQA        bool    `yaml:"include_raw_qa"`
	GCHardDelete        bool    `yaml:"gc_hard_delete"`
}

// SchedulerConfig holds the background job settings.
type SchedulerConfig struct {
	FinalizeSpec    string `yaml:"finalize_spec"`
	GCSpec          string `yaml:"gc_spec"`
	FinalizeWorkers int    `yaml:"finalize_workers"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.OpenAIKey == "" {
		c.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.ChatModel == "" {
		c.ChatModel = "gpt-4o-mini"
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "text-embedding-3-small"
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Password == "" {
		c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "companion:"
	}

	if c.Session.IdleThreshold == 0 {
		c.Session.IdleThreshold = 5 * time.Minute
	}
	if c.Session.DedupTTL == 0 {
		c.Session.DedupTTL = 10 * time.Minute
	}
	if c.Session.AudioBufferTTL == 0 {
		c.Session.AudioBufferTTL = time.Hour
	}
	if c.Session.AudioLockTTL == 0 {
		c.Session.AudioLockTTL = 180 * time.Second
	}
	if c.Session.AudioResultTTL == 0 {
		c.Session.AudioResultTTL = 24 * time.Hour
	}
	if c.Session.SummaryChunkSize == 0 {
		c.Session.SummaryChunkSize = 5
	}
	if c.Session.ContextRounds == 0 {
		c.Session.ContextRounds = 6
	}

	if c.Memory.EmbeddingDimensions == 0 {
		c.Memory.EmbeddingDimensions = 1536
	}
	if c.Memory.TopKGroups == 0 {
		c.Memory.TopKGroups = 5
	}
	if c.Memory.SimilarityThreshold == 0 {
		c.Memory.SimilarityThreshold = 0.5
	}
	if c.Memory.RecencyHalfLifeDays == 0 {
		c.Memory.RecencyHalfLifeDays = 45
	}

	if c.Scheduler.FinalizeSpec == "" {
		c.Scheduler.FinalizeSpec = "@every 1m"
	}
	if c.Scheduler.GCSpec == "" {
		c.Scheduler.GCSpec = "@daily"
	}
	if c.Scheduler.FinalizeWorkers == 0 {
		c.Scheduler.FinalizeWorkers = 4
	}

	if c.MetricsPort == 0 {
		c.MetricsPort = 9090
	}
	if c.TraceMode == "" {
		c.TraceMode = "none"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.OpenAIKey == "" {
		return fmt.Errorf("openai_key is required (or set OPENAI_API_KEY)")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.Memory.EmbeddingDimensions <= 0 {
		return fmt.Errorf("embedding_dimensions must be positive")
	}
	switch c.TraceMode {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("trace_mode must be none, stdout or otlp, got %q", c.TraceMode)
	}
	return nil
}

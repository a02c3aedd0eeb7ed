// Package config loads pipeline configuration using the hierarchy:
// defaults < YAML < ENV.
package config

// Config is the root configuration for a pipeline run.
type Config struct {
	Pipeline PipelineConfig         `yaml:"pipeline"`
	Models   map[string]ModelConfig `yaml:"models"`
	Cache    CacheConfig            `yaml:"cache"`
	Logging  LoggingConfig          `yaml:"logging"`
}

// PipelineConfig declares the phase graph and execution limits.
type PipelineConfig struct {
	// Phases lists every phase in pipeline order. Empty means the built-in
	// content pipeline.
	Phases []string `yaml:"phases"`
	// Hard maps a phase to its hard prerequisites.
	Hard map[string][]string `yaml:"hard"`
	// Soft maps a phase to its soft prerequisites.
	Soft map[string][]string `yaml:"soft"`
	// Concurrency bounds the shard calls in flight per phase invocation.
	Concurrency int64 `yaml:"concurrency"`
	// FailOnConflict surfaces aggregation conflicts as failures instead of
	// resolving them by submission order.
	FailOnConflict bool `yaml:"fail_on_conflict"`
}

// ModelConfig selects and tunes a language model for a phase agent.
type ModelConfig struct {
	// Provider is "anthropic", "openai" or "mock".
	Provider string `yaml:"provider"`
	// Name is the provider-specific model identifier. Empty uses the
	// provider's default.
	Name string `yaml:"name"`
	// Temperature for generation.
	Temperature float64 `yaml:"temperature"`
	// MaxTokens caps the generated output length.
	MaxTokens int64 `yaml:"max_tokens"`
	// System is the system prompt for the phase agent.
	System string `yaml:"system"`
}

// CacheConfig tunes the artifact read cache.
type CacheConfig struct {
	// Enabled wraps the artifact store with an in-process read cache.
	Enabled bool `yaml:"enabled"`
	// MaxSizeMB is the cache budget for artifact bytes.
	MaxSizeMB int64 `yaml:"max_size_mb"`
}

// LoggingConfig tunes structured logging.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Pipeline: PipelineConfig{
			Concurrency: 4,
		},
		Models: map[string]ModelConfig{},
		Cache: CacheConfig{
			MaxSizeMB: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

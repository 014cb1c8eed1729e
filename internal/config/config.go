// Package config handles layered YAML configuration with environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all host-level agentpipe configuration. Per-pipeline stage
// definitions live in separate YAML files under Pipeline.Dir, handled by
// package pipelinecfg.
type Config struct {
	Runtime  Runtime  `yaml:"runtime"`
	Worktree Worktree `yaml:"worktree"`
	Pipeline Pipeline `yaml:"pipeline"`
	Loop     Loop     `yaml:"loop"`
}

// Runtime holds the default agent runtime and its execution timeout.
type Runtime struct {
	Default string        `yaml:"default"`
	Timeout time.Duration `yaml:"timeout"`
}

// Worktree holds git worktree directory and branch settings.
type Worktree struct {
	BaseDir         string `yaml:"base_dir"`
	DefaultStrategy string `yaml:"default_strategy"` // "reusable" | "unique-per-run"
	BranchPrefix    string `yaml:"branch_prefix"`
}

// Pipeline holds defaults applied to every pipeline run.
type Pipeline struct {
	Dir        string      `yaml:"dir"`        // directory holding pipeline YAML definitions
	Checkpoint bool        `yaml:"checkpoint"` // loaded and validated only; the runner saves state whenever it has a RunStore
	Retry      RetryConfig `yaml:"retry"`      // loaded and validated only; stages without their own retry block use retry.DefaultConfig
}

// RetryConfig holds retry strategy settings.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	Backoff      string        `yaml:"backoff"` // "fixed" | "linear" | "exponential"
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// Loop holds loop-phase orchestration settings.
type Loop struct {
	FailureStrategy string `yaml:"failure_strategy"` // "abort" | "continue"
	CircuitBreaker  int    `yaml:"circuit_breaker"`  // consecutive iteration failures before stopping
	MaxIterations   int    `yaml:"max_iterations"`   // loaded and validated only; the loop cap comes from the pipeline's looping settings (100 when unset)
	StateDir        string `yaml:"state_dir"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Runtime: Runtime{
			Default: "claude",
			Timeout: 5 * time.Minute,
		},
		Worktree: Worktree{
			BaseDir:         ".agent-pipeline/worktrees",
			DefaultStrategy: "unique-per-run",
			BranchPrefix:    "pipeline",
		},
		Pipeline: Pipeline{
			Dir:        ".agent-pipeline/pipelines",
			Checkpoint: true,
			Retry: RetryConfig{
				MaxAttempts: 3,
				Backoff:     "exponential",
			},
		},
		Loop: Loop{
			FailureStrategy: "abort",
			CircuitBreaker:  3,
			MaxIterations:   0,
			StateDir:        ".agent-pipeline/state",
		},
	}
}

// Load reads a single YAML config file at path and returns a Config.
// For merging multiple config sources, use LoadLayered instead.
// If the file does not exist, defaults are returned without error.
// If the file contains invalid YAML or unknown fields, an error is returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if len(data) == 0 {
		return &cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		// Comment-only YAML files produce EOF with no decoded content.
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &cfg, nil
}

// LoadLayered loads config from multiple paths with increasing priority.
// Later paths override earlier ones. Missing files are skipped.
func LoadLayered(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		layer, err := loadLayer(path)
		if err != nil {
			return nil, err
		}
		if layer == nil {
			continue
		}
		cfg.merge(layer)
	}

	return &cfg, nil
}

var validBackoffs = map[string]bool{"": true, "fixed": true, "linear": true, "exponential": true}

// Validate checks that config values are usable.
func (c *Config) Validate() error {
	if c.Runtime.Default == "" {
		return errors.New("config: runtime.default cannot be empty")
	}
	if c.Runtime.Timeout <= 0 {
		return fmt.Errorf("config: runtime.timeout must be positive, got %v", c.Runtime.Timeout)
	}
	if c.Worktree.BaseDir == "" {
		return errors.New("config: worktree.base_dir cannot be empty")
	}
	switch c.Worktree.DefaultStrategy {
	case "", "reusable", "unique-per-run":
		// valid
	default:
		return fmt.Errorf("config: worktree.default_strategy must be \"reusable\" or \"unique-per-run\", got %q", c.Worktree.DefaultStrategy)
	}
	if c.Pipeline.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: pipeline.retry.max_attempts must be non-negative, got %d", c.Pipeline.Retry.MaxAttempts)
	}
	if !validBackoffs[c.Pipeline.Retry.Backoff] {
		return fmt.Errorf("config: pipeline.retry.backoff must be \"fixed\", \"linear\", or \"exponential\", got %q", c.Pipeline.Retry.Backoff)
	}
	switch c.Loop.FailureStrategy {
	case "", "abort", "continue":
		// valid
	default:
		return fmt.Errorf("config: loop.failure_strategy must be \"abort\" or \"continue\", got %q", c.Loop.FailureStrategy)
	}
	if c.Loop.CircuitBreaker < 0 {
		return fmt.Errorf("config: loop.circuit_breaker must be non-negative, got %d", c.Loop.CircuitBreaker)
	}
	if c.Loop.MaxIterations < 0 {
		return fmt.Errorf("config: loop.max_iterations must be non-negative, got %d", c.Loop.MaxIterations)
	}
	return nil
}

// ApplyEnv applies environment variable overrides to the config.
// Supported variables: AGENTPIPE_RUNTIME, AGENTPIPE_TIMEOUT, AGENTPIPE_WORKTREE_BASE_DIR.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("AGENTPIPE_RUNTIME"); v != "" {
		c.Runtime.Default = v
	}
	if v := os.Getenv("AGENTPIPE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid AGENTPIPE_TIMEOUT %q: %w", v, err)
		}
		c.Runtime.Timeout = d
	}
	if v := os.Getenv("AGENTPIPE_WORKTREE_BASE_DIR"); v != "" {
		c.Worktree.BaseDir = v
	}
	return nil
}

// rawConfig mirrors Config but uses pointers to distinguish set vs unset fields.
type rawConfig struct {
	Runtime  *rawRuntime  `yaml:"runtime"`
	Worktree *rawWorktree `yaml:"worktree"`
	Pipeline *rawPipeline `yaml:"pipeline"`
	Loop     *rawLoop     `yaml:"loop"`
}

type rawRuntime struct {
	Default *string        `yaml:"default"`
	Timeout *time.Duration `yaml:"timeout"`
}

type rawWorktree struct {
	BaseDir         *string `yaml:"base_dir"`
	DefaultStrategy *string `yaml:"default_strategy"`
	BranchPrefix    *string `yaml:"branch_prefix"`
}

type rawPipeline struct {
	Dir        *string         `yaml:"dir"`
	Checkpoint *bool           `yaml:"checkpoint"`
	Retry      *rawRetryConfig `yaml:"retry"`
}

type rawRetryConfig struct {
	MaxAttempts  *int           `yaml:"max_attempts"`
	Backoff      *string        `yaml:"backoff"`
	InitialDelay *time.Duration `yaml:"initial_delay"`
	MaxDelay     *time.Duration `yaml:"max_delay"`
}

type rawLoop struct {
	FailureStrategy *string `yaml:"failure_strategy"`
	CircuitBreaker  *int    `yaml:"circuit_breaker"`
	MaxIterations   *int    `yaml:"max_iterations"`
	StateDir        *string `yaml:"state_dir"`
}

// loadLayer reads a single config file into a rawConfig for selective merging.
// Returns nil if the file does not exist. Rejects unknown fields.
func loadLayer(path string) (*rawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &raw, nil
}

// merge applies non-nil fields from a rawConfig layer onto this Config.
func (c *Config) merge(layer *rawConfig) {
	if layer.Runtime != nil {
		if layer.Runtime.Default != nil {
			c.Runtime.Default = *layer.Runtime.Default
		}
		if layer.Runtime.Timeout != nil {
			c.Runtime.Timeout = *layer.Runtime.Timeout
		}
	}
	if layer.Worktree != nil {
		if layer.Worktree.BaseDir != nil {
			c.Worktree.BaseDir = *layer.Worktree.BaseDir
		}
		if layer.Worktree.DefaultStrategy != nil {
			c.Worktree.DefaultStrategy = *layer.Worktree.DefaultStrategy
		}
		if layer.Worktree.BranchPrefix != nil {
			c.Worktree.BranchPrefix = *layer.Worktree.BranchPrefix
		}
	}
	if layer.Pipeline != nil {
		if layer.Pipeline.Dir != nil {
			c.Pipeline.Dir = *layer.Pipeline.Dir
		}
		if layer.Pipeline.Checkpoint != nil {
			c.Pipeline.Checkpoint = *layer.Pipeline.Checkpoint
		}
		if layer.Pipeline.Retry != nil {
			if layer.Pipeline.Retry.MaxAttempts != nil {
				c.Pipeline.Retry.MaxAttempts = *layer.Pipeline.Retry.MaxAttempts
			}
			if layer.Pipeline.Retry.Backoff != nil {
				c.Pipeline.Retry.Backoff = *layer.Pipeline.Retry.Backoff
			}
			if layer.Pipeline.Retry.InitialDelay != nil {
				c.Pipeline.Retry.InitialDelay = *layer.Pipeline.Retry.InitialDelay
			}
			if layer.Pipeline.Retry.MaxDelay != nil {
				c.Pipeline.Retry.MaxDelay = *layer.Pipeline.Retry.MaxDelay
			}
		}
	}
	if layer.Loop != nil {
		if layer.Loop.FailureStrategy != nil {
			c.Loop.FailureStrategy = *layer.Loop.FailureStrategy
		}
		if layer.Loop.CircuitBreaker != nil {
			c.Loop.CircuitBreaker = *layer.Loop.CircuitBreaker
		}
		if layer.Loop.MaxIterations != nil {
			c.Loop.MaxIterations = *layer.Loop.MaxIterations
		}
		if layer.Loop.StateDir != nil {
			c.Loop.StateDir = *layer.Loop.StateDir
		}
	}
}

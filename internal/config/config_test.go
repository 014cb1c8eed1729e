package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Runtime.Default != "claude" {
		t.Errorf("default runtime = %q, want %q", cfg.Runtime.Default, "claude")
	}
	if cfg.Runtime.Timeout != 5*time.Minute {
		t.Errorf("default timeout = %v, want %v", cfg.Runtime.Timeout, 5*time.Minute)
	}
	if cfg.Worktree.BaseDir != ".agent-pipeline/worktrees" {
		t.Errorf("default base dir = %q, want %q", cfg.Worktree.BaseDir, ".agent-pipeline/worktrees")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agentpipe.yaml")
	if err := os.WriteFile(cfgPath, []byte(`
runtime:
  default: codex
  timeout: 10m
worktree:
  base_dir: /tmp/worktrees
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Runtime.Default != "codex" {
		t.Errorf("runtime = %q, want %q", cfg.Runtime.Default, "codex")
	}
	if cfg.Runtime.Timeout != 10*time.Minute {
		t.Errorf("timeout = %v, want %v", cfg.Runtime.Timeout, 10*time.Minute)
	}
	if cfg.Worktree.BaseDir != "/tmp/worktrees" {
		t.Errorf("base dir = %q, want %q", cfg.Worktree.BaseDir, "/tmp/worktrees")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/agentpipe.yaml")
	if err != nil {
		t.Fatalf("Load() should return defaults for missing file, got error: %v", err)
	}

	want := DefaultConfig()
	if *cfg != want {
		t.Errorf("Load(missing) = %+v, want defaults %+v", *cfg, want)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agentpipe.yaml")
	if err := os.WriteFile(cfgPath, []byte("{{invalid yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("Load(invalid YAML) should return error")
	}
}

func TestLoad_PartialConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agentpipe.yaml")
	if err := os.WriteFile(cfgPath, []byte(`
runtime:
  default: gemini
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Runtime.Default != "gemini" {
		t.Errorf("runtime = %q, want %q", cfg.Runtime.Default, "gemini")
	}
	if cfg.Runtime.Timeout != 5*time.Minute {
		t.Errorf("timeout = %v, want default %v", cfg.Runtime.Timeout, 5*time.Minute)
	}
	if cfg.Worktree.BaseDir != ".agent-pipeline/worktrees" {
		t.Errorf("base dir = %q, want default %q", cfg.Worktree.BaseDir, ".agent-pipeline/worktrees")
	}
}

func TestLoad_LayeredPriority(t *testing.T) {
	userDir := t.TempDir()
	projectDir := t.TempDir()

	userCfg := filepath.Join(userDir, "agentpipe.yaml")
	if err := os.WriteFile(userCfg, []byte(`
runtime:
  default: codex
  timeout: 2m
`), 0o644); err != nil {
		t.Fatal(err)
	}

	projectCfg := filepath.Join(projectDir, "agentpipe.yaml")
	if err := os.WriteFile(projectCfg, []byte(`
runtime:
  timeout: 8m
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadLayered(userCfg, projectCfg)
	if err != nil {
		t.Fatalf("LoadLayered() error = %v", err)
	}

	if cfg.Runtime.Default != "codex" {
		t.Errorf("runtime = %q, want %q", cfg.Runtime.Default, "codex")
	}
	if cfg.Runtime.Timeout != 8*time.Minute {
		t.Errorf("timeout = %v, want %v", cfg.Runtime.Timeout, 8*time.Minute)
	}
	if cfg.Worktree.BaseDir != ".agent-pipeline/worktrees" {
		t.Errorf("base dir = %q, want default %q", cfg.Worktree.BaseDir, ".agent-pipeline/worktrees")
	}
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name    string
		envs    map[string]string
		wantErr bool
		check   func(*testing.T, Config)
	}{
		{
			name: "AGENTPIPE_RUNTIME overrides runtime",
			envs: map[string]string{"AGENTPIPE_RUNTIME": "gemini"},
			check: func(t *testing.T, c Config) {
				if c.Runtime.Default != "gemini" {
					t.Errorf("runtime = %q, want %q", c.Runtime.Default, "gemini")
				}
			},
		},
		{
			name: "AGENTPIPE_TIMEOUT overrides timeout",
			envs: map[string]string{"AGENTPIPE_TIMEOUT": "30s"},
			check: func(t *testing.T, c Config) {
				if c.Runtime.Timeout != 30*time.Second {
					t.Errorf("timeout = %v, want %v", c.Runtime.Timeout, 30*time.Second)
				}
			},
		},
		{
			name: "AGENTPIPE_WORKTREE_BASE_DIR overrides base dir",
			envs: map[string]string{"AGENTPIPE_WORKTREE_BASE_DIR": "/custom/dir"},
			check: func(t *testing.T, c Config) {
				if c.Worktree.BaseDir != "/custom/dir" {
					t.Errorf("base dir = %q, want %q", c.Worktree.BaseDir, "/custom/dir")
				}
			},
		},
		{
			name:    "invalid AGENTPIPE_TIMEOUT returns error",
			envs:    map[string]string{"AGENTPIPE_TIMEOUT": "notaduration"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envs {
				t.Setenv(k, v)
			}
			cfg := DefaultConfig()

			err := cfg.ApplyEnv()

			if tt.wantErr {
				if err == nil {
					t.Fatal("ApplyEnv() should return error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyEnv() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoad_UnknownField(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agentpipe.yaml")
	if err := os.WriteFile(cfgPath, []byte(`
runtime:
  defualt: openai
`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("Load() should return error for unknown field 'defualt'")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			modify: func(*Config) {},
		},
		{
			name:    "empty runtime default",
			modify:  func(c *Config) { c.Runtime.Default = "" },
			wantErr: true,
		},
		{
			name:    "negative timeout",
			modify:  func(c *Config) { c.Runtime.Timeout = -1 * time.Second },
			wantErr: true,
		},
		{
			name:    "zero timeout",
			modify:  func(c *Config) { c.Runtime.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "empty base dir",
			modify:  func(c *Config) { c.Worktree.BaseDir = "" },
			wantErr: true,
		},
		{
			name:    "invalid worktree strategy",
			modify:  func(c *Config) { c.Worktree.DefaultStrategy = "bogus" },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)

			err := cfg.Validate()

			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_CommentOnlyFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agentpipe.yaml")
	if err := os.WriteFile(cfgPath, []byte("# just a comment\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load(comment-only) error = %v", err)
	}

	want := DefaultConfig()
	if *cfg != want {
		t.Errorf("Load(comment-only) = %+v, want defaults %+v", *cfg, want)
	}
}

func TestLoadLayered_AllMissing(t *testing.T) {
	cfg, err := LoadLayered("/no/user.yaml", "/no/project.yaml")
	if err != nil {
		t.Fatalf("LoadLayered(all missing) error = %v", err)
	}

	want := DefaultConfig()
	if *cfg != want {
		t.Errorf("got %+v, want defaults %+v", *cfg, want)
	}
}

func TestDefaultConfig_PipelineDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Pipeline.Dir != ".agent-pipeline/pipelines" {
		t.Errorf("pipeline.dir = %q, want %q", cfg.Pipeline.Dir, ".agent-pipeline/pipelines")
	}
	if !cfg.Pipeline.Checkpoint {
		t.Error("pipeline.checkpoint should default to true")
	}
	if cfg.Pipeline.Retry.MaxAttempts != 3 {
		t.Errorf("pipeline.retry.max_attempts = %d, want 3", cfg.Pipeline.Retry.MaxAttempts)
	}
	if cfg.Pipeline.Retry.Backoff != "exponential" {
		t.Errorf("pipeline.retry.backoff = %q, want %q", cfg.Pipeline.Retry.Backoff, "exponential")
	}
}

func TestDefaultConfig_LoopDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Loop.FailureStrategy != "abort" {
		t.Errorf("loop.failure_strategy = %q, want %q", cfg.Loop.FailureStrategy, "abort")
	}
	if cfg.Loop.CircuitBreaker != 3 {
		t.Errorf("loop.circuit_breaker = %d, want 3", cfg.Loop.CircuitBreaker)
	}
	if cfg.Loop.MaxIterations != 0 {
		t.Error("loop.max_iterations should default to 0")
	}
}

func TestLoad_PipelineConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agentpipe.yaml")
	if err := os.WriteFile(cfgPath, []byte(`
pipeline:
  dir: pipelines/
  checkpoint: false
  retry:
    max_attempts: 5
    backoff: linear
    initial_delay: 2s
    max_delay: 30s
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pipeline.Dir != "pipelines/" {
		t.Errorf("dir = %q, want %q", cfg.Pipeline.Dir, "pipelines/")
	}
	if cfg.Pipeline.Checkpoint {
		t.Error("checkpoint should be false")
	}
	if cfg.Pipeline.Retry.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d, want 5", cfg.Pipeline.Retry.MaxAttempts)
	}
	if cfg.Pipeline.Retry.Backoff != "linear" {
		t.Errorf("backoff = %q, want %q", cfg.Pipeline.Retry.Backoff, "linear")
	}
	if cfg.Pipeline.Retry.InitialDelay != 2*time.Second {
		t.Errorf("initial_delay = %v, want 2s", cfg.Pipeline.Retry.InitialDelay)
	}
	if cfg.Pipeline.Retry.MaxDelay != 30*time.Second {
		t.Errorf("max_delay = %v, want 30s", cfg.Pipeline.Retry.MaxDelay)
	}
}

func TestLoad_LoopConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agentpipe.yaml")
	if err := os.WriteFile(cfgPath, []byte(`
loop:
  failure_strategy: continue
  circuit_breaker: 5
  max_iterations: 20
  state_dir: /var/run/agentpipe
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Loop.FailureStrategy != "continue" {
		t.Errorf("failure_strategy = %q, want %q", cfg.Loop.FailureStrategy, "continue")
	}
	if cfg.Loop.CircuitBreaker != 5 {
		t.Errorf("circuit_breaker = %d, want 5", cfg.Loop.CircuitBreaker)
	}
	if cfg.Loop.MaxIterations != 20 {
		t.Errorf("max_iterations = %d, want 20", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.StateDir != "/var/run/agentpipe" {
		t.Errorf("state_dir = %q, want %q", cfg.Loop.StateDir, "/var/run/agentpipe")
	}
}

func TestLoadLayered_PipelineMerge(t *testing.T) {
	userDir := t.TempDir()
	projectDir := t.TempDir()

	userCfg := filepath.Join(userDir, "agentpipe.yaml")
	if err := os.WriteFile(userCfg, []byte(`
pipeline:
  dir: custom-pipelines/
  retry:
    max_attempts: 2
`), 0o644); err != nil {
		t.Fatal(err)
	}

	projectCfg := filepath.Join(projectDir, "agentpipe.yaml")
	if err := os.WriteFile(projectCfg, []byte(`
pipeline:
  retry:
    max_attempts: 5
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadLayered(userCfg, projectCfg)
	if err != nil {
		t.Fatalf("LoadLayered() error = %v", err)
	}

	if cfg.Pipeline.Dir != "custom-pipelines/" {
		t.Errorf("dir = %q, want %q", cfg.Pipeline.Dir, "custom-pipelines/")
	}
	if cfg.Pipeline.Retry.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d, want 5", cfg.Pipeline.Retry.MaxAttempts)
	}
}

func TestValidate_PipelineFields(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "negative max_attempts",
			modify:  func(c *Config) { c.Pipeline.Retry.MaxAttempts = -1 },
			wantErr: true,
		},
		{
			name:    "invalid backoff",
			modify:  func(c *Config) { c.Pipeline.Retry.Backoff = "bogus" },
			wantErr: true,
		},
		{
			name:   "fixed backoff is valid",
			modify: func(c *Config) { c.Pipeline.Retry.Backoff = "fixed" },
		},
		{
			name:    "invalid failure_strategy",
			modify:  func(c *Config) { c.Loop.FailureStrategy = "invalid" },
			wantErr: true,
		},
		{
			name:    "negative circuit_breaker",
			modify:  func(c *Config) { c.Loop.CircuitBreaker = -1 },
			wantErr: true,
		},
		{
			name:   "continue failure_strategy is valid",
			modify: func(c *Config) { c.Loop.FailureStrategy = "continue" },
		},
		{
			name:   "zero max_attempts is valid",
			modify: func(c *Config) { c.Pipeline.Retry.MaxAttempts = 0 },
		},
		{
			name:    "negative max_iterations",
			modify:  func(c *Config) { c.Loop.MaxIterations = -1 },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agentpipe.yaml")
	if err := os.WriteFile(cfgPath, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load(empty) error = %v", err)
	}

	want := DefaultConfig()
	if *cfg != want {
		t.Errorf("Load(empty) = %+v, want defaults %+v", *cfg, want)
	}
}

// Package config loads the agent's run limits and output paths from a YAML
// file, grounded on the teacher's internal/attractor/engine.LoadRunConfigFile
// (strict decode, separate defaults/validate passes).
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the agent loop's budget and execution limits (spec.md §4.4
// step 1, §5 "Cancellation & timeouts").
type Config struct {
	Version int `yaml:"version"`

	// Limits bound the AgentLoop's per-run budget (spec.md §4.4 step 1).
	Limits struct {
		MaxInvalid int     `yaml:"max_invalid"`
		StepLimit  int     `yaml:"step_limit"`
		CostLimit  float64 `yaml:"cost_limit"`
	} `yaml:"limits"`

	// Timeouts holds per-command and per-model-call durations, exposed
	// through CommandTimeout and ModelTimeout. Nothing in this module passes
	// them on: commands run under the sandbox's own DefaultTimeout and model
	// requests under OpenAICompat's fixed request timeout.
	Timeouts struct {
		CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
		ModelTimeoutSeconds   int `yaml:"model_timeout_seconds"`
	} `yaml:"timeouts"`

	// Retry configures the model client's exponential backoff
	// (internal/modelclient.BackoffConfig).
	Retry struct {
		InitialDelayMS int     `yaml:"initial_delay_ms"`
		BackoffFactor  float64 `yaml:"backoff_factor"`
		MaxDelayMS     int     `yaml:"max_delay_ms"`
		MaxAttempts    int     `yaml:"max_attempts"`
	} `yaml:"retry"`

	History struct {
		OutputPath string `yaml:"output_path"`
	} `yaml:"history"`

	Model struct {
		Provider string `yaml:"provider"`
		BaseURL  string `yaml:"base_url"`
		Path     string `yaml:"path"`
		Name     string `yaml:"model"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"model"`

	Sandbox struct {
		WorkingDir string `yaml:"working_dir"`
	} `yaml:"sandbox"`
}

// CommandTimeout and ModelTimeout return the configured durations.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Timeouts.CommandTimeoutSeconds) * time.Second
}

func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.Timeouts.ModelTimeoutSeconds) * time.Second
}

// Load reads and validates a Config from path, applying defaults for any
// field the file leaves zero-valued.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes b as a strict (unknown-field-rejecting) YAML document,
// applies defaults, and validates the result.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := decodeYAMLStrict(b, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("config: multiple YAML documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Limits.MaxInvalid == 0 {
		cfg.Limits.MaxInvalid = 3
	}
	if cfg.Limits.StepLimit == 0 {
		cfg.Limits.StepLimit = 200
	}
	if cfg.Limits.CostLimit == 0 {
		cfg.Limits.CostLimit = 10.0
	}
	if cfg.Timeouts.CommandTimeoutSeconds == 0 {
		cfg.Timeouts.CommandTimeoutSeconds = 120
	}
	if cfg.Timeouts.ModelTimeoutSeconds == 0 {
		cfg.Timeouts.ModelTimeoutSeconds = 600
	}
	if cfg.Retry.InitialDelayMS == 0 {
		cfg.Retry.InitialDelayMS = 200
	}
	if cfg.Retry.BackoffFactor == 0 {
		cfg.Retry.BackoffFactor = 2.0
	}
	if cfg.Retry.MaxDelayMS == 0 {
		cfg.Retry.MaxDelayMS = 60_000
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if strings.TrimSpace(cfg.Model.Path) == "" {
		cfg.Model.Path = "/v1/chat/completions"
	}
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("config: unsupported version %d", cfg.Version)
	}
	if cfg.Limits.MaxInvalid < 1 {
		return fmt.Errorf("config: limits.max_invalid must be >= 1")
	}
	if cfg.Limits.StepLimit < 1 {
		return fmt.Errorf("config: limits.step_limit must be >= 1")
	}
	if cfg.Limits.CostLimit <= 0 {
		return fmt.Errorf("config: limits.cost_limit must be > 0")
	}
	if cfg.Timeouts.CommandTimeoutSeconds < 1 {
		return fmt.Errorf("config: timeouts.command_timeout_seconds must be >= 1")
	}
	if cfg.Timeouts.ModelTimeoutSeconds < 1 {
		return fmt.Errorf("config: timeouts.model_timeout_seconds must be >= 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be >= 1")
	}
	if strings.TrimSpace(cfg.Model.Provider) == "" {
		return fmt.Errorf("config: model.provider is required")
	}
	if strings.TrimSpace(cfg.Model.BaseURL) == "" {
		return fmt.Errorf("config: model.base_url is required")
	}
	if strings.TrimSpace(cfg.Model.Name) == "" {
		return fmt.Errorf("config: model.model is required")
	}
	return nil
}

// APIKey resolves the model API key from the environment variable named by
// Model.APIKeyEnv, defaulting to an empty key (local/unauthenticated
// endpoints) when unset.
func (c *Config) APIKey() string {
	if strings.TrimSpace(c.Model.APIKeyEnv) == "" {
		return ""
	}
	return os.Getenv(c.Model.APIKeyEnv)
}

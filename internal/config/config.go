package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models rivo.yml.
type Config struct {
	Pipeline struct {
		ID            string `yaml:"id"`
		DefaultTenant string `yaml:"default_tenant"`
	} `yaml:"pipeline"`
	Stages           map[string]StagePolicy `yaml:"stages"`
	ForbiddenMarkers []string               `yaml:"forbidden_markers"`
	Retry            RetryPolicy            `yaml:"retry"`
	Draft            DraftConfig            `yaml:"draft"`
	Runs             RunConfig              `yaml:"runs"`
	Webhooks         []WebhookConfig        `yaml:"webhooks"`
}

// StagePolicy is the per-stage rule set used by the validation gate.
type StagePolicy struct {
	Threshold      float64  `yaml:"threshold"`
	AutoApprove    bool     `yaml:"auto_approve"`
	RequiredFields []string `yaml:"required_fields"`
	MinWords       int      `yaml:"min_words"`
	MaxWords       int      `yaml:"max_words"`
}

type RetryPolicy struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BaseBackoffMS int `yaml:"base_backoff_ms"`
	MaxBackoffMS  int `yaml:"max_backoff_ms"`
}

type DraftConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
}

type RunConfig struct {
	StaleAfterMinutes int `yaml:"stale_after_minutes"`
	Workers           int `yaml:"workers"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// BaseBackoff returns the initial retry delay.
func (r RetryPolicy) BaseBackoff() time.Duration {
	return time.Duration(r.BaseBackoffMS) * time.Millisecond
}

// MaxBackoff returns the delay cap.
func (r RetryPolicy) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMS) * time.Millisecond
}

// Timeout returns the per-call drafting timeout.
func (d DraftConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// StaleAfter returns the threshold past which a running run is reported stale.
func (r RunConfig) StaleAfter() time.Duration {
	return time.Duration(r.StaleAfterMinutes) * time.Minute
}

// Stage returns the policy for a stage, falling back to zero values.
func (c *Config) Stage(name string) StagePolicy {
	if c == nil {
		return StagePolicy{}
	}
	return c.Stages[name]
}

var knownStages = map[string]bool{"sdr": true, "proposal": true, "contract": true, "dunning": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.ID == "" {
		return fmt.Errorf("config.pipeline.id is required")
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("config.stages is required")
	}
	for name, policy := range c.Stages {
		if !knownStages[name] {
			return fmt.Errorf("unknown stage %q in config.stages", name)
		}
		if policy.Threshold < 0 || policy.Threshold > 1 {
			return fmt.Errorf("stage %s threshold %v out of range [0,1]", name, policy.Threshold)
		}
		if policy.MinWords < 0 || (policy.MaxWords > 0 && policy.MaxWords < policy.MinWords) {
			return fmt.Errorf("stage %s word bounds invalid (%d..%d)", name, policy.MinWords, policy.MaxWords)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be >= 1")
	}
	if c.Retry.BaseBackoffMS <= 0 {
		return fmt.Errorf("config.retry.base_backoff_ms must be > 0")
	}
	if c.Retry.MaxBackoffMS < c.Retry.BaseBackoffMS {
		return fmt.Errorf("config.retry.max_backoff_ms must be >= base_backoff_ms")
	}
	if c.Draft.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.draft.timeout_seconds must be > 0")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rivo.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Pipeline.DefaultTenant == "" {
		cfg.Pipeline.DefaultTenant = "default"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	cfg.Pipeline.DefaultTenant = "default"
	return &cfg
}

// GenerateDefault returns the default config YAML for rivo.yml.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `pipeline:
  id: rivo
  default_tenant: default

stages:
  sdr:
    threshold: 0.9
    auto_approve: true
    required_fields: [name, company, email]
    min_words: 30
    max_words: 150
  proposal:
    threshold: 0.9
    auto_approve: false
    required_fields: [company, amount]
    min_words: 40
    max_words: 400
  contract:
    threshold: 0.95
    auto_approve: false
    required_fields: [company, terms]
    min_words: 40
    max_words: 800
  dunning:
    threshold: 0.85
    auto_approve: true
    required_fields: [company, amount, due_date]
    min_words: 20
    max_words: 200

forbidden_markers:
  - "[your name]"
  - "[your company]"
  - "[insert"
  - "{name}"
  - "{company}"

retry:
  max_attempts: 3
  base_backoff_ms: 500
  max_backoff_ms: 8000

draft:
  timeout_seconds: 30
  model: local

runs:
  stale_after_minutes: 15
  workers: 4
`

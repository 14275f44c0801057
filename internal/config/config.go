package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"poiledger/internal/workflow"
)

// Config models registry.yml.
type Config struct {
	Registry struct {
		Name string `yaml:"name"`
	} `yaml:"registry"`
	Consensus struct {
		Window          time.Duration `yaml:"window"`
		HighReporters   int           `yaml:"high_reporters"`
		MediumReporters int           `yaml:"medium_reporters"`
	} `yaml:"consensus"`
	Store struct {
		RetryAttempts int `yaml:"retry_attempts"`
	} `yaml:"store"`
	Workflow struct {
		ReopenRole  string                         `yaml:"reopen_role"`
		Definitions map[string]workflow.Definition `yaml:"definitions"`
	} `yaml:"workflow"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with poi config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Registry.Name) == "" {
		return fmt.Errorf("config.registry.name is required")
	}
	if c.Consensus.Window < 0 {
		return fmt.Errorf("config.consensus.window must not be negative")
	}
	if c.Consensus.HighReporters > 0 && c.Consensus.MediumReporters > 0 && c.Consensus.MediumReporters > c.Consensus.HighReporters {
		return fmt.Errorf("config.consensus.medium_reporters must not exceed high_reporters")
	}
	if c.Store.RetryAttempts < 0 || c.Store.RetryAttempts > 10 {
		return fmt.Errorf("config.store.retry_attempts must be between 0 and 10")
	}
	if strings.TrimSpace(c.Workflow.ReopenRole) == "" {
		return fmt.Errorf("config.workflow.reopen_role is required")
	}
	for name, def := range c.Workflow.Definitions {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.workflow.definitions contains empty license type")
		}
		if err := def.Validate(); err != nil {
			return fmt.Errorf("license type %s: %w", name, err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// WorkflowFor returns the definition for a license type.
func (c *Config) WorkflowFor(licenseType string) (workflow.Definition, bool) {
	def, ok := c.Workflow.Definitions[licenseType]
	return def, ok
}

// LicenseTypes lists configured license types.
func (c *Config) LicenseTypes() []string {
	out := make([]string, 0, len(c.Workflow.Definitions))
	for k := range c.Workflow.Definitions {
		out = append(out, k)
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "registry.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default(name string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, name))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `registry:
  name: %s

consensus:
  window: 24h
  high_reporters: 5
  medium_reporters: 2

store:
  retry_attempts: 3

workflow:
  reopen_role: workflow_admin
  definitions:
    building_permit:
      mode: sequential
      steps:
        - department: Fire Dept
        - department: Urban Planning
    event_permit:
      mode: parallel
      steps:
        - department: Public Safety
        - department: Traffic
        - department: Environment
          required: false
    street_vendor:
      mode: sequential
      steps:
        - department: Health
        - department: Commerce
`

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models specline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"project" json:"project"`
	Models struct {
		// Cascade is the ordered model-fallback list; candidates are tried
		// in sequence until one answers.
		Cascade               []string `yaml:"cascade" json:"cascade"`
		MaxTokens             int      `yaml:"max_tokens" json:"max_tokens"`
		AttemptTimeoutSeconds int      `yaml:"attempt_timeout_seconds" json:"attempt_timeout_seconds"`
		CascadeTimeoutSeconds int      `yaml:"cascade_timeout_seconds" json:"cascade_timeout_seconds"`
	} `yaml:"models" json:"models"`
	Fetch struct {
		TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
		UserAgent      string `yaml:"user_agent" json:"user_agent"`
		BodyBudget     int    `yaml:"body_budget" json:"body_budget"`
		MaxHeadings    int    `yaml:"max_headings" json:"max_headings"`
		MaxLinks       int    `yaml:"max_links" json:"max_links"`
	} `yaml:"fetch" json:"fetch"`
	Workflow struct {
		// Roles known to the workflow; approval handoffs route to AutoAssign.Role.
		Roles      map[string]WorkflowRole `yaml:"roles" json:"roles"`
		AutoAssign struct {
			Role    string `yaml:"role" json:"role"`
			DueDays int    `yaml:"due_days" json:"due_days"`
		} `yaml:"auto_assign" json:"auto_assign"`
	} `yaml:"workflow" json:"workflow"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type WorkflowRole struct {
	Description string `yaml:"description" json:"description"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "software-project" {
		return fmt.Errorf("config.project.kind must be 'software-project'")
	}
	if len(c.Models.Cascade) == 0 {
		return fmt.Errorf("config.models.cascade must list at least one model")
	}
	for i, m := range c.Models.Cascade {
		if m == "" {
			return fmt.Errorf("config.models.cascade[%d] is empty", i)
		}
	}
	if c.Models.MaxTokens < 0 {
		return fmt.Errorf("config.models.max_tokens must be >= 0")
	}
	if c.Fetch.BodyBudget < 0 || c.Fetch.MaxHeadings < 0 || c.Fetch.MaxLinks < 0 {
		return fmt.Errorf("config.fetch budgets must be >= 0")
	}
	if len(c.Workflow.Roles) > 0 {
		if _, ok := c.Workflow.Roles["owner"]; !ok {
			return fmt.Errorf("config.workflow.roles must include owner")
		}
	}
	if role := c.Workflow.AutoAssign.Role; role != "" && len(c.Workflow.Roles) > 0 {
		if _, ok := c.Workflow.Roles[role]; !ok {
			return fmt.Errorf("auto_assign role %s not defined in workflow.roles", role)
		}
	}
	if c.Workflow.AutoAssign.DueDays < 0 {
		return fmt.Errorf("config.workflow.auto_assign.due_days must be >= 0")
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
	return filepath.Join(workspace, "specline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "software-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
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

// AttemptTimeoutSecondsOrDefault returns the per-model attempt budget.
func (c *Config) AttemptTimeoutSecondsOrDefault() int {
	if c.Models.AttemptTimeoutSeconds > 0 {
		return c.Models.AttemptTimeoutSeconds
	}
	return 20
}

// CascadeTimeoutSecondsOrDefault caps the whole fallback cascade.
func (c *Config) CascadeTimeoutSecondsOrDefault() int {
	if c.Models.CascadeTimeoutSeconds > 0 {
		return c.Models.CascadeTimeoutSeconds
	}
	return 60
}

const defaultTemplate = `project:
  id: %s
  kind: software-project

models:
  cascade:
    - gpt-4o
    - gpt-4o-mini
    - gpt-3.5-turbo
  max_tokens: 2048
  attempt_timeout_seconds: 20
  cascade_timeout_seconds: 60

fetch:
  timeout_seconds: 10
  user_agent: "specline/0.1 (+https://specline.dev; requirements bot)"
  body_budget: 8000
  max_headings: 10
  max_links: 5

workflow:
  roles:
    owner:
      description: "Project owner"
    analyst:
      description: "Captures and refines requirements"
    product_manager:
      description: "Accepts requirements and owns scope"
    architect:
      description: "Reviews approved use cases before development"
    developer:
      description: "Implements deliverables"
  auto_assign:
    role: architect
    due_days: 7
`

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models gigline.yml.
type Config struct {
	Marketplace struct {
		Name              string `yaml:"name"`
		DefaultRevisions  int    `yaml:"default_revisions"`
		DepositPercentage int    `yaml:"deposit_percentage"`
	} `yaml:"marketplace"`
	Categories struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"categories"`
	Capabilities map[string][]string `yaml:"capabilities"`
	Webhooks     []Webhook           `yaml:"webhooks"`
}

type Webhook struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gigline init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.DefaultRevisions < 0 {
		return fmt.Errorf("config.marketplace.default_revisions must be >= 0")
	}
	if c.Marketplace.DepositPercentage < 0 || c.Marketplace.DepositPercentage > 100 {
		return fmt.Errorf("config.marketplace.deposit_percentage must be 0..100")
	}
	for name := range c.Categories.Catalog {
		if name == "" {
			return fmt.Errorf("config.categories.catalog contains empty category id")
		}
	}
	for role, ops := range c.Capabilities {
		switch role {
		case "client", "contributor", "admin":
		default:
			return fmt.Errorf("config.capabilities contains unknown role %s", role)
		}
		for _, op := range ops {
			if op == "" {
				return fmt.Errorf("role %s has empty operation id", role)
			}
		}
	}
	for _, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %s has empty url", wh.Name)
		}
	}
	return nil
}

// DefaultRevisions returns the configured revision allowance, falling back to 2.
func (c *Config) DefaultRevisions() int {
	if c == nil || c.Marketplace.DefaultRevisions == 0 {
		return 2
	}
	return c.Marketplace.DefaultRevisions
}

// RoleAllowed reports whether a role may invoke an operation. An absent
// capability table allows everything; ownership checks still apply downstream.
func (c *Config) RoleAllowed(role, op string) bool {
	if c == nil || len(c.Capabilities) == 0 {
		return true
	}
	ops, ok := c.Capabilities[role]
	if !ok {
		return false
	}
	for _, allowed := range ops {
		if allowed == op || allowed == "*" {
			return true
		}
	}
	return false
}

// KnownCategory reports whether a category exists in the catalog. An empty
// catalog accepts any category.
func (c *Config) KnownCategory(category string) bool {
	if c == nil || len(c.Categories.Catalog) == 0 {
		return true
	}
	_, ok := c.Categories.Catalog[category]
	return ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gigline.yml")
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

// Default returns the default Config struct for a marketplace.
func Default(name string) *Config {
	var cfg Config
	cfg.Marketplace.Name = name
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

const defaultTemplate = `marketplace:
  name: %s
  default_revisions: 2
  deposit_percentage: 50

categories:
  catalog:
    design:
      description: "Graphic and visual design"
    writing:
      description: "Copywriting and editing"
    development:
      description: "Software development"
    marketing:
      description: "Marketing and outreach"
    video:
      description: "Video production and editing"

capabilities:
  client:
    - job.create
    - job.update
    - job.delete
    - job.read
    - job.list
    - job.pay_deposit
    - job.approve
    - job.request_revision
    - job.pay_final
    - job.close
    - stats.client

  contributor:
    - job.read
    - job.list
    - job.apply
    - job.submit_work
    - job.start_revision
    - job.submit_revision
    - stats.contributor

  admin:
    - "*"

webhooks: []
`

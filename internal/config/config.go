package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bookring.yml: the lending/claim policy plus optional
// webhook subscriptions. It is imported into the DB and read from there.
type Config struct {
	Lending struct {
		LoanDays int `yaml:"loan_days" json:"loan_days"`
	} `yaml:"lending" json:"lending"`
	Claims struct {
		HoldHours       int      `yaml:"hold_hours" json:"hold_hours"`
		DeliveryMethods []string `yaml:"delivery_methods" json:"delivery_methods"`
	} `yaml:"claims" json:"claims"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// LoanWindow returns the checkout-to-due duration.
func (c *Config) LoanWindow() time.Duration {
	days := c.Lending.LoanDays
	if days <= 0 {
		days = 14
	}
	return time.Duration(days) * 24 * time.Hour
}

// ClaimHold returns how long a claim stays exclusive before lapsing.
func (c *Config) ClaimHold() time.Duration {
	hours := c.Claims.HoldHours
	if hours <= 0 {
		hours = 48
	}
	return time.Duration(hours) * time.Hour
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Lending.LoanDays < 0 {
		return fmt.Errorf("config.lending.loan_days must not be negative")
	}
	if c.Claims.HoldHours < 0 {
		return fmt.Errorf("config.claims.hold_hours must not be negative")
	}
	for _, m := range c.Claims.DeliveryMethods {
		switch m {
		case "pickup", "mail", "both":
		default:
			return fmt.Errorf("config.claims.delivery_methods contains unknown method %q", m)
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
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
	return filepath.Join(workspace, "bookring.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with bookring config import --file <path>", path)
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `lending:
  loan_days: 14

claims:
  hold_hours: 48
  delivery_methods: [pickup, mail, both]
`

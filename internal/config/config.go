package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models experimenter.yml.
type Config struct {
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Workflow struct {
		// EndReview routes end requests through the dual-control review gate.
		EndReview bool `yaml:"end_review"`
	} `yaml:"workflow"`
	Publisher PublisherConfig `yaml:"publisher"`
	Client    ClientConfig    `yaml:"client"`
	RBAC      struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type PublisherConfig struct {
	// Schedule is a seconds-precision cron spec for the publish sweep.
	Schedule         string        `yaml:"schedule"`
	AutoAck          bool          `yaml:"auto_ack"`
	PropagationDelay time.Duration `yaml:"propagation_delay"`
	WaitingTimeout   time.Duration `yaml:"waiting_timeout"`
}

type ClientConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MutationTimeout time.Duration `yaml:"mutation_timeout"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const FileName = "experimenter.yml"

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with exp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Publisher.Schedule == "" {
		return fmt.Errorf("config.publisher.schedule is required")
	}
	if _, err := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(c.Publisher.Schedule); err != nil {
		return fmt.Errorf("config.publisher.schedule: %w", err)
	}
	if c.Publisher.PropagationDelay < 0 {
		return fmt.Errorf("config.publisher.propagation_delay must not be negative")
	}
	if c.Publisher.WaitingTimeout < 0 {
		return fmt.Errorf("config.publisher.waiting_timeout must not be negative")
	}
	if c.Publisher.AutoAck && c.Publisher.WaitingTimeout > 0 && c.Publisher.WaitingTimeout <= c.Publisher.PropagationDelay {
		return fmt.Errorf("config.publisher.waiting_timeout must exceed propagation_delay when auto_ack is on")
	}
	if c.Client.PollInterval < 0 {
		return fmt.Errorf("config.client.poll_interval must not be negative")
	}
	if c.Client.MutationTimeout < 0 {
		return fmt.Errorf("config.client.mutation_timeout must not be negative")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
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

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset sections
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// PollInterval is the client poll interval, defaulting to 30s.
func (c *Config) PollInterval() time.Duration {
	if c == nil || c.Client.PollInterval <= 0 {
		return 30 * time.Second
	}
	return c.Client.PollInterval
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_legacy_actor_header: false

workflow:
  end_review: false

publisher:
  schedule: "*/5 * * * * *"
  auto_ack: true
  propagation_delay: 10s
  waiting_timeout: 1h

client:
  endpoint: http://127.0.0.1:8080/v0/graphql
  poll_interval: 30s
  mutation_timeout: 0s

rbac:
  roles:
    owner:
      description: "Full control, including role management"
      permissions: [experiment.read, experiment.create, experiment.update, experiment.review, experiment.publish, rbac.manage]
    reviewer:
      description: "Can approve or reject pending changes"
      permissions: [experiment.read, experiment.update, experiment.review]
    editor:
      description: "Can design experiments and request launches"
      permissions: [experiment.read, experiment.create, experiment.update]
`

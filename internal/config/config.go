package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const settlementPermission = "payment.trigger"

// Config models payline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		AllowLegacyActorHeader bool `yaml:"allow_legacy_actor_header"`
		APIKeyCacheSize        int  `yaml:"api_key_cache_size"`
	} `yaml:"auth"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	RBAC struct {
		Roles          map[string]RBACRole `yaml:"roles"`
		Grants         map[string][]string `yaml:"grants"`
		SettlementRole string              `yaml:"settlement_role"`
	} `yaml:"rbac"`
	Missions struct {
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"missions"`
	Notify struct {
		Log      bool           `yaml:"log"`
		Telegram TelegramConfig `yaml:"telegram"`
	} `yaml:"notify"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// TelegramConfig configures the Telegram notification sink. The bot token
// normally comes from PAYLINE_TELEGRAM_TOKEN rather than the file.
type TelegramConfig struct {
	Enabled       bool              `yaml:"enabled"`
	APIBase       string            `yaml:"api_base"`
	BotToken      string            `yaml:"bot_token"`
	DefaultChatID string            `yaml:"default_chat_id"`
	ChatIDs       map[string]string `yaml:"chat_ids"`
	TimeoutSecs   int               `yaml:"timeout_seconds"`
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
			return nil, fmt.Errorf("config %s not found; create one with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the defaults when the file
// does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	for roleID, role := range c.RBAC.Roles {
		if strings.TrimSpace(roleID) == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if strings.TrimSpace(perm) == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	if c.RBAC.SettlementRole == "" {
		return fmt.Errorf("config.rbac.settlement_role is required")
	}
	holders := c.rolesWith(settlementPermission)
	if len(holders) != 1 || holders[0] != c.RBAC.SettlementRole {
		return fmt.Errorf("permission %s must be held by exactly the settlement role %s (held by %v)",
			settlementPermission, c.RBAC.SettlementRole, holders)
	}
	for actor, roles := range c.RBAC.Grants {
		if strings.TrimSpace(actor) == "" {
			return fmt.Errorf("config.rbac.grants has empty actor id")
		}
		for _, roleID := range roles {
			if _, ok := c.RBAC.Roles[roleID]; !ok {
				return fmt.Errorf("grant for %s references unknown role %s", actor, roleID)
			}
		}
	}
	if c.Missions.SweepInterval < 0 {
		return fmt.Errorf("config.missions.sweep_interval must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func (c *Config) rolesWith(perm string) []string {
	var out []string
	for roleID, role := range c.RBAC.Roles {
		for _, p := range role.Permissions {
			if p == perm {
				out = append(out, roleID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "payline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills unset scalars from the default template. A file that
// declares no roles inherits the whole default RBAC section.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = def.Server.BasePath
	}
	if c.Auth.APIKeyCacheSize == 0 {
		c.Auth.APIKeyCacheSize = def.Auth.APIKeyCacheSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
	if len(c.RBAC.Roles) == 0 {
		c.RBAC = def.RBAC
	}
	if c.Missions.SweepInterval == 0 {
		c.Missions.SweepInterval = def.Missions.SweepInterval
	}
	if c.Notify.Telegram.APIBase == "" {
		c.Notify.Telegram.APIBase = def.Notify.Telegram.APIBase
	}
	if c.Notify.Telegram.TimeoutSecs == 0 {
		c.Notify.Telegram.TimeoutSecs = def.Notify.Telegram.TimeoutSecs
	}
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

auth:
  allow_legacy_actor_header: false
  api_key_cache_size: 256

logging:
  level: info
  format: text

rbac:
  settlement_role: settler
  roles:
    admin:
      description: "Runs intake and mission review"
      permissions: [job.create, job.complete, mission.create, mission.approve, events.read, rbac.manage]
    settler:
      description: "Confirms cash received and pays out jobs"
      permissions: [payment.trigger, job.complete, events.read]
    member:
      description: "Team member earning from jobs and missions"
      permissions: [interaction.record]
  grants:
    nlr: [admin, settler]

missions:
  sweep_interval: 5m

notify:
  log: true
  telegram:
    enabled: false
    api_base: https://api.telegram.org
    timeout_seconds: 10
`

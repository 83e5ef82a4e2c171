// Package config loads and validates the operator-authored configuration
// that wires every collaborator package together: YAML on disk, overlaid
// with WARDEN_* environment variables, and validated with struct tags
// before wardend accepts traffic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the HTTP surface: webhook ingress, admin control, metrics.
type ServerConfig struct {
	WebhookPort string `yaml:"webhook_port" validate:"required"`
	AdminPort   string `yaml:"admin_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// SSHConfig describes how the Executor authenticates to remote hosts
// (spec §4.2, §7 "remote hosts reachable via SSH with key authentication").
type SSHConfig struct {
	User    string `yaml:"user" validate:"required"`
	KeyPath string `yaml:"key_path" validate:"required"`
}

// LLMConfig selects and configures the Reasoning Agent's model provider
// (spec §4.10).
type LLMConfig struct {
	Provider       string `yaml:"provider" validate:"required,oneof=anthropic bedrock"`
	AnthropicKey   string `yaml:"anthropic_api_key"`
	AnthropicModel string `yaml:"anthropic_model"`
	BedrockRegion  string `yaml:"bedrock_region"`
	BedrockModel   string `yaml:"bedrock_model"`
	MaxTokens      int64  `yaml:"max_tokens"`
}

// MonitoringConfig points at the Prometheus-compatible query API.
type MonitoringConfig struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`
}

// LogsConfig points at the Loki-compatible log query API. Optional: when
// unset, the Reasoning Agent's log-query tool simply returns no lines.
type LogsConfig struct {
	BaseURL string `yaml:"base_url"`
}

// NotifyConfig selects and configures the Notification Sink (spec §6).
type NotifyConfig struct {
	Mode       string `yaml:"mode" validate:"required,oneof=webhook bot_token"`
	WebhookURL string `yaml:"webhook_url"`
	BotToken   string `yaml:"bot_token"`
	Channel    string `yaml:"channel"`
}

// StoreConfig selects the Persistent Store backend and its connection
// parameters (spec §4.5).
type StoreConfig struct {
	Backend  string `yaml:"backend" validate:"required,oneof=memory postgres"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// CacheConfig enables the optional Redis read-through layer in front of
// the Persistent Store (spec §4.9 pattern cache).
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// OrchestratorConfig carries the tunables of spec §4.4 / §9's Open
// Questions: attempt budget, escalation cooldown, dedup window, and the
// deadline given to verification polling.
type OrchestratorConfig struct {
	MaxAttempts        int           `yaml:"max_attempts" validate:"required,gt=0"`
	AttemptWindow      time.Duration `yaml:"attempt_window"`
	EscalationCooldown time.Duration `yaml:"escalation_cooldown"`
	DedupCooldown      time.Duration `yaml:"dedup_cooldown"`
	VerifyDeadline     time.Duration `yaml:"verify_deadline"`
}

// AgentConfig bounds the Reasoning Agent's tool-calling loop (spec §4.10).
type AgentConfig struct {
	MaxSteps    int           `yaml:"max_steps"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

// LearningConfig names which alert labels participate in the symptom
// fingerprint used for pattern identity (spec §4.9, §9 Open Questions).
type LearningConfig struct {
	SignatureLabels []string `yaml:"signature_labels"`
}

// CascadePair mirrors suppressor.CascadePair for YAML authoring.
type CascadePair struct {
	A    string `yaml:"a"`
	B    string `yaml:"b"`
	Root string `yaml:"root"`
}

// SuppressorConfig is the operator-authored correlation table (spec §4.8).
type SuppressorConfig struct {
	CascadePairs []CascadePair       `yaml:"cascade_pairs"`
	DependsOn    map[string][]string `yaml:"depends_on"`
}

// PolicyConfig points at the Command Validator's Rego module and data file
// (spec §4.1, SPEC_FULL.md). Both are hot-reloaded by fsnotify so a policy
// edit takes effect without a restart.
type PolicyConfig struct {
	RegoPath string `yaml:"rego_path" validate:"required"`
	DataPath string `yaml:"data_path" validate:"required"`
}

// LoggingConfig controls sirupsen/logrus's format and level.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HostEntry mirrors hostresolve.HostEntry for YAML authoring.
type HostEntry struct {
	Name        string `yaml:"name"`
	Address     string `yaml:"address"`
	User        string `yaml:"user"`
	KeyPath     string `yaml:"key_path"`
	IsLocalhost bool   `yaml:"is_localhost"`
}

// WebhookAuthConfig is the basic-auth credential for webhook ingress
// (spec §7).
type WebhookAuthConfig struct {
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password" validate:"required"`
}

// Config is the root of the operator-authored configuration file.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	WebhookAuth  WebhookAuthConfig  `yaml:"webhook_auth"`
	SSH          SSHConfig          `yaml:"ssh"`
	LLM          LLMConfig          `yaml:"llm"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logs         LogsConfig         `yaml:"logs"`
	Notify       NotifyConfig       `yaml:"notify"`
	Store        StoreConfig        `yaml:"store"`
	Cache        CacheConfig        `yaml:"cache"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agent        AgentConfig        `yaml:"agent"`
	Learning     LearningConfig     `yaml:"learning"`
	Suppressor   SuppressorConfig   `yaml:"suppressor"`
	Policy       PolicyConfig       `yaml:"policy"`
	Hosts        []HostEntry        `yaml:"hosts"`
	Logging      LoggingConfig      `yaml:"logging"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{WebhookPort: "8080", MetricsPort: "9090"},
		Store:  StoreConfig{Backend: "memory", SSLMode: "disable", Port: 5432},
		Orchestrator: OrchestratorConfig{
			MaxAttempts:        3,
			AttemptWindow:      2 * time.Hour,
			EscalationCooldown: 4 * time.Hour,
			DedupCooldown:      5 * time.Minute,
			VerifyDeadline:     120 * time.Second,
		},
		Agent:   AgentConfig{MaxSteps: 8, MaxDuration: 90 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path, overlays WARDEN_* environment variables, validates the
// result, and returns a ready-to-use Config.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config invalid: %w", err)
	}
	return &cfg, nil
}

var structValidator = validator.New()

// validate runs struct-tag validation, then the cross-field rules the
// validator package's tags can't express on their own.
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return err
	}

	switch cfg.LLM.Provider {
	case "anthropic":
		if cfg.LLM.AnthropicKey == "" {
			return fmt.Errorf("llm.anthropic_api_key is required for the anthropic provider")
		}
	case "bedrock":
		if cfg.LLM.BedrockModel == "" {
			return fmt.Errorf("llm.bedrock_model is required for the bedrock provider")
		}
	}

	switch cfg.Notify.Mode {
	case "webhook":
		if cfg.Notify.WebhookURL == "" {
			return fmt.Errorf("notify.webhook_url is required in webhook mode")
		}
	case "bot_token":
		if cfg.Notify.BotToken == "" || cfg.Notify.Channel == "" {
			return fmt.Errorf("notify.bot_token and notify.channel are required in bot_token mode")
		}
	}

	if cfg.Store.Backend == "postgres" && cfg.Store.Database == "" {
		return fmt.Errorf("store.database is required for the postgres backend")
	}

	return nil
}

// loadFromEnv overlays a handful of WARDEN_* environment variables onto cfg,
// for the values operators most commonly need to override per-deployment
// without touching the checked-in YAML.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("WARDEN_WEBHOOK_PORT"); v != "" {
		cfg.Server.WebhookPort = v
	}
	if v := os.Getenv("WARDEN_METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WARDEN_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("WARDEN_ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.AnthropicKey = v
	}
	if v := os.Getenv("WARDEN_NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("WARDEN_NOTIFY_BOT_TOKEN"); v != "" {
		cfg.Notify.BotToken = v
	}
	if v := os.Getenv("WARDEN_DB_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("WARDEN_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WARDEN_MAX_ATTEMPTS: %w", err)
		}
		cfg.Orchestrator.MaxAttempts = n
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/agent-channels/internal/otel"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAgentURL    = "http://agent:4111"
	DefaultAgentID     = "main"
	DefaultConfigFile  = "config.yaml"
	DefaultThreadsFile = "threads.json"
)

// ConfigError reports a missing or unusable setting. It is fatal at startup.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// Config is the effective bridge configuration. Every field can be set in the
// YAML file and overridden by the environment variable in its envconfig tag.
type Config struct {
	TelegramBotToken string `yaml:"telegram_bot_token" envconfig:"TELEGRAM_BOT_TOKEN"`

	// AllowedUsersRaw is the comma separated allow-list as configured.
	AllowedUsersRaw string `yaml:"allowed_users" envconfig:"ALLOWED_USERS"`

	AgentURL string `yaml:"agent_url" envconfig:"AGENT_URL"`
	AgentID  string `yaml:"agent_id" envconfig:"AGENT_ID"`
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`

	NotificationUserIDRaw string `yaml:"notification_user_id" envconfig:"NOTIFICATION_USER_ID"`

	DataDir     string `yaml:"data_dir" envconfig:"DATA_DIR"`
	ThreadsFile string `yaml:"threads_file" envconfig:"THREADS_FILE"`
	ConfigFile  string `yaml:"-" envconfig:"CONFIG_FILE"`

	StreamReplies bool `yaml:"stream_replies" envconfig:"STREAM_REPLIES"`

	AgentTimeoutSeconds  int `yaml:"agent_timeout_seconds" envconfig:"AGENT_TIMEOUT_SECONDS"`
	AgentReadyAttempts   int `yaml:"agent_ready_attempts" envconfig:"AGENT_READY_ATTEMPTS"`
	AgentReadyIntervalMS int `yaml:"agent_ready_interval_ms" envconfig:"AGENT_READY_INTERVAL_MS"`

	OTel otel.Config `yaml:"otel" envconfig:"OTEL"`

	// Derived by normalize.
	AllowedUsers         []int64  `yaml:"-" ignored:"true"`
	NotificationUserID   int64    `yaml:"-" ignored:"true"`
	NotificationsEnabled bool     `yaml:"-" ignored:"true"`
	Warnings             []string `yaml:"-" ignored:"true"`
}

func defaultConfig() Config {
	return Config{
		AgentURL:             DefaultAgentURL,
		AgentID:              DefaultAgentID,
		LogLevel:             "info",
		DataDir:              ".",
		ThreadsFile:          DefaultThreadsFile,
		ConfigFile:           DefaultConfigFile,
		AgentTimeoutSeconds:  120,
		AgentReadyAttempts:   30,
		AgentReadyIntervalMS: 2000,
		OTel: otel.Config{
			Exporter:    "otlp-http",
			ServiceName: "agent-channels",
			SampleRate:  1.0,
		},
	}
}

// Load builds the configuration: defaults, then the optional YAML file named
// by CONFIG_FILE, then environment variables. A missing bot token is a
// *ConfigError.
func Load() (Config, error) {
	cfg := defaultConfig()
	if p := strings.TrimSpace(os.Getenv("CONFIG_FILE")); p != "" {
		cfg.ConfigFile = p
	}

	data, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read %s: %w", cfg.ConfigFile, err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", cfg.ConfigFile, err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		var pe *envconfig.ParseError
		if errors.As(err, &pe) {
			return cfg, &ConfigError{Key: pe.KeyName, Reason: fmt.Sprintf("invalid value %q", pe.Value)}
		}
		return cfg, fmt.Errorf("read environment: %w", err)
	}

	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.TelegramBotToken = strings.TrimSpace(cfg.TelegramBotToken)
	cfg.AgentURL = strings.TrimRight(strings.TrimSpace(cfg.AgentURL), "/")
	if cfg.AgentURL == "" {
		cfg.AgentURL = DefaultAgentURL
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		cfg.AgentID = DefaultAgentID
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "."
	}
	if strings.TrimSpace(cfg.ThreadsFile) == "" {
		cfg.ThreadsFile = DefaultThreadsFile
	}
	if cfg.AgentTimeoutSeconds <= 0 {
		cfg.AgentTimeoutSeconds = 120
	}
	if cfg.AgentReadyAttempts <= 0 {
		cfg.AgentReadyAttempts = 30
	}
	if cfg.AgentReadyIntervalMS <= 0 {
		cfg.AgentReadyIntervalMS = 2000
	}

	var warnings []string
	cfg.AllowedUsers, warnings = ParseAllowedUsers(cfg.AllowedUsersRaw)
	cfg.Warnings = append(cfg.Warnings, warnings...)

	cfg.NotificationUserID, cfg.NotificationsEnabled = ParseUserID(cfg.NotificationUserIDRaw)
}

func validate(cfg *Config) error {
	if cfg.TelegramBotToken == "" {
		return &ConfigError{Key: "TELEGRAM_BOT_TOKEN", Reason: "is required"}
	}
	if err := cfg.OTel.Validate(); err != nil {
		return &ConfigError{Key: "OTEL", Reason: err.Error()}
	}
	return nil
}

// ParseAllowedUsers splits a comma separated list of user ids. Blank entries
// are skipped silently; entries that are not integers are skipped and
// reported in warnings.
func ParseAllowedUsers(raw string) (ids []int64, warnings []string) {
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("ALLOWED_USERS: ignoring invalid user id %q", part))
			continue
		}
		ids = append(ids, id)
	}
	return ids, warnings
}

// ParseUserID parses a single user id. ok is false for empty or non-numeric
// input.
func ParseUserID(raw string) (id int64, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ThreadsPath is the override file location. Relative paths live under DataDir.
func (c Config) ThreadsPath() string {
	if filepath.IsAbs(c.ThreadsFile) {
		return c.ThreadsFile
	}
	return filepath.Join(c.DataDir, c.ThreadsFile)
}

func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSeconds) * time.Second
}

func (c Config) AgentReadyInterval() time.Duration {
	return time.Duration(c.AgentReadyIntervalMS) * time.Millisecond
}

// Fingerprint returns a stable hash of the reloadable settings.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|allowed=%v|agent=%s/%s|stream=%t",
		c.LogLevel, c.AllowedUsers, c.AgentURL, c.AgentID, c.StreamReplies)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

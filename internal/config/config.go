package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for gptrelay. It is read once at startup
// and never mutated afterwards.
type Config struct {
	General  GeneralConfig  `yaml:"general"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Telegram TelegramConfig `yaml:"telegram"`
	Relay    RelayConfig    `yaml:"relay"`
}

type GeneralConfig struct {
	// Proxy applies to both the Telegram and the OpenAI connections.
	Proxy       string `yaml:"proxy,omitempty" env:"PROXY"`
	LogLevel    string `yaml:"logLevel" env:"LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"LOG_FORMAT"` // "text" | "json"
	LogFile     string `yaml:"logFile,omitempty" env:"LOG_FILE"`
	MetricsAddr string `yaml:"metricsAddr,omitempty" env:"METRICS_ADDR"` // empty = disabled
}

type OpenAIConfig struct {
	APIKey      string        `yaml:"apiKey" env:"OPENAI_API_KEY"`
	BaseURL     string        `yaml:"baseUrl,omitempty" env:"OPENAI_BASE_URL"`
	Model       string        `yaml:"model" env:"OPENAI_MODEL"`
	Temperature float64       `yaml:"temperature" env:"TEMPERATURE"`
	Choices     int           `yaml:"choices" env:"N_CHOICES"`
	Timeout     time.Duration `yaml:"timeout,omitempty" env:"COMPLETION_TIMEOUT"` // 0 = no deadline
}

type TelegramConfig struct {
	Token       string `yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
	PollTimeout int    `yaml:"pollTimeout" env:"TELEGRAM_POLL_TIMEOUT"` // long-poll seconds
}

type RelayConfig struct {
	EnableQuoting        bool          `yaml:"enableQuoting" env:"ENABLE_QUOTING"`
	TypingInterval       time.Duration `yaml:"typingInterval" env:"TYPING_INTERVAL"`
	MaxMessageLength     int           `yaml:"maxMessageLength" env:"MAX_MESSAGE_LENGTH"`
	MaxConcurrentUpdates int           `yaml:"maxConcurrentUpdates" env:"MAX_CONCURRENT_UPDATES"`
	DrainTimeout         time.Duration `yaml:"drainTimeout" env:"DRAIN_TIMEOUT"`
}

// DefaultConfigDir returns the default config directory (~/.gptrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gptrelay"
	}
	return filepath.Join(home, ".gptrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load builds the configuration from defaults, a .env file in the working
// directory, the YAML file at path and finally the process environment.
// A missing file at the default path is not an error; a missing file at an
// explicitly requested path is.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	return load(path, explicit, env.Options{})
}

func load(path string, required bool, opts env.Options) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		path = ExpandPath(path)
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			// Substitute environment variables: ${VAR} and ${VAR:-default}
			data = []byte(ExpandEnvVars(string(data)))
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as YAML, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.OpenAI.APIKey == "" {
		errs = append(errs, "openai.apiKey (OPENAI_API_KEY) is required")
	}
	if cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token (TELEGRAM_BOT_TOKEN) is required")
	}
	if cfg.OpenAI.Model == "" {
		errs = append(errs, "openai.model must not be empty")
	}
	if cfg.OpenAI.Temperature < 0 || cfg.OpenAI.Temperature > 2 {
		errs = append(errs, "openai.temperature must be between 0 and 2")
	}
	if cfg.OpenAI.Choices < 1 || cfg.OpenAI.Choices > 128 {
		errs = append(errs, "openai.choices must be between 1 and 128")
	}
	if cfg.OpenAI.Timeout < 0 {
		errs = append(errs, "openai.timeout must not be negative")
	}
	if cfg.Telegram.PollTimeout < 0 || cfg.Telegram.PollTimeout > 60 {
		errs = append(errs, "telegram.pollTimeout must be between 0 and 60")
	}
	if cfg.Relay.TypingInterval <= 0 {
		errs = append(errs, "relay.typingInterval must be positive")
	}
	if cfg.Relay.MaxMessageLength < 1 || cfg.Relay.MaxMessageLength > TelegramMaxMessageLength {
		errs = append(errs, fmt.Sprintf("relay.maxMessageLength must be between 1 and %d", TelegramMaxMessageLength))
	}
	if cfg.Relay.MaxConcurrentUpdates < 1 || cfg.Relay.MaxConcurrentUpdates > 1024 {
		errs = append(errs, "relay.maxConcurrentUpdates must be between 1 and 1024")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}
	if cfg.General.Proxy != "" {
		if err := validateProxy(cfg.General.Proxy); err != nil {
			errs = append(errs, "general.proxy: "+err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateProxy(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

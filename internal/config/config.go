// ABOUTME: Configuration loading and parsing for seance
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine kinds accepted by engine.kind.
const (
	EngineAnthropic = "anthropic"
	EngineScripted  = "scripted"
)

// Config represents the complete seance configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	History  HistoryConfig  `yaml:"history"`
	Runs     RunsConfig     `yaml:"runs"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the session store location
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig selects and configures the execution engine
type EngineConfig struct {
	Kind      string `yaml:"kind"`    // "anthropic" or "scripted"
	APIKey    string `yaml:"api_key"` // usually ${ANTHROPIC_API_KEY}
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// HistoryConfig points at the transcript projects directory
type HistoryConfig struct {
	ProjectsDir string `yaml:"projects_dir"` // empty means ~/.claude/projects
}

// RunsConfig holds run timing configuration
type RunsConfig struct {
	InitTimeout       time.Duration `yaml:"-"`
	PermissionCeiling time.Duration `yaml:"-"`
	HeartbeatInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	InitTimeoutRaw       string `yaml:"init_timeout"`
	PermissionCeilingRaw string `yaml:"permission_ceiling"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists: a local
// listener, an on-disk store next to the binary, and the Anthropic
// engine keyed from the environment.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "localhost:8787"},
		Database: DatabaseConfig{Path: "seance.db"},
		Engine:   EngineConfig{Kind: EngineAnthropic, APIKey: os.Getenv("ANTHROPIC_API_KEY")},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Engine.Kind {
	case "", EngineAnthropic, EngineScripted:
	default:
		return fmt.Errorf("engine.kind must be %q or %q, got %q",
			EngineAnthropic, EngineScripted, c.Engine.Kind)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Runs.InitTimeoutRaw != "" {
		cfg.Runs.InitTimeout, err = time.ParseDuration(cfg.Runs.InitTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing init_timeout %q: %w", cfg.Runs.InitTimeoutRaw, err)
		}
	}

	if cfg.Runs.PermissionCeilingRaw != "" {
		cfg.Runs.PermissionCeiling, err = time.ParseDuration(cfg.Runs.PermissionCeilingRaw)
		if err != nil {
			return fmt.Errorf("parsing permission_ceiling %q: %w", cfg.Runs.PermissionCeilingRaw, err)
		}
	}

	if cfg.Runs.HeartbeatIntervalRaw != "" {
		cfg.Runs.HeartbeatInterval, err = time.ParseDuration(cfg.Runs.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Runs.HeartbeatIntervalRaw, err)
		}
	}

	return nil
}

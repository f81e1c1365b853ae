package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/todosync/internal/types"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Local        LocalConfig        `yaml:"local"`
	Remote       RemoteConfig       `yaml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
}

// LocalConfig contains client cache settings.
type LocalConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains remote store client settings.
type RemoteConfig struct {
	URL             string   `yaml:"url"`
	Token           string   `yaml:"-"` // env-only, never in YAML
	Timeout         Duration `yaml:"timeout"`
	MaxRetries      int      `yaml:"max_retries"`
	ServerIDPattern string   `yaml:"server_id_pattern"`
}

// ConnectivityConfig contains reachability probe settings.
type ConnectivityConfig struct {
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
}

// ServerConfig contains reference HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	DBPath          string   `yaml:"db_path"`
	APIKey          string   `yaml:"-"` // env-only, never in YAML
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("TODOSYNC_CONFIG_PATH", "config/todosync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Local: LocalConfig{
			Path: "~/.todosync/todo.db",
		},
		Remote: RemoteConfig{
			URL:             "http://localhost:8000/api",
			Timeout:         Duration(10 * time.Second),
			MaxRetries:      2,
			ServerIDPattern: types.DefaultServerIDPattern,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: Duration(15 * time.Second),
			ProbeTimeout:  Duration(3 * time.Second),
		},
		Server: ServerConfig{
			Port:            8000,
			DBPath:          "data/todosync-server.db",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Local
	envString("TODOSYNC_LOCAL_PATH", &cfg.Local.Path)

	// Remote
	envString("TODOSYNC_REMOTE_URL", &cfg.Remote.URL)
	envString("TODOSYNC_TOKEN", &cfg.Remote.Token)
	envDuration("TODOSYNC_REMOTE_TIMEOUT", &cfg.Remote.Timeout)
	envInt("TODOSYNC_REMOTE_MAX_RETRIES", &cfg.Remote.MaxRetries)
	envString("TODOSYNC_SERVER_ID_PATTERN", &cfg.Remote.ServerIDPattern)

	// Connectivity
	envDuration("TODOSYNC_PROBE_INTERVAL", &cfg.Connectivity.ProbeInterval)
	envDuration("TODOSYNC_PROBE_TIMEOUT", &cfg.Connectivity.ProbeTimeout)

	// Server
	envInt("TODOSYNC_PORT", &cfg.Server.Port)
	envString("TODOSYNC_DB_PATH", &cfg.Server.DBPath)
	envString("TODOSYNC_API_KEY", &cfg.Server.APIKey)
	envDuration("TODOSYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("TODOSYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("TODOSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Log
	envString("TODOSYNC_LOG_LEVEL", &cfg.Log.Level)
	envString("TODOSYNC_LOG_FORMAT", &cfg.Log.Format)
	envString("TODOSYNC_LOG_FILE", &cfg.Log.File)
}

// validate checks values every command depends on.
func (c *Config) validate() error {
	if _, err := types.PatternClassifier(c.Remote.ServerIDPattern); err != nil {
		return fmt.Errorf("remote.server_id_pattern: %w", err)
	}
	if c.Remote.MaxRetries < 0 {
		return errors.New("remote.max_retries must not be negative")
	}
	if c.Connectivity.ProbeInterval <= 0 {
		return errors.New("connectivity.probe_interval must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// ValidateServer checks settings required to run the reference server.
// In dev mode (TODOSYNC_DEV_MODE=true), API key validation is skipped.
func (c *Config) ValidateServer() error {
	if os.Getenv("TODOSYNC_DEV_MODE") == "true" {
		return nil
	}
	if c.Server.APIKey == "" {
		return errors.New("TODOSYNC_API_KEY is required")
	}
	return nil
}

// DevMode reports whether TODOSYNC_DEV_MODE is enabled.
func DevMode() bool {
	return os.Getenv("TODOSYNC_DEV_MODE") == "true"
}

// IDClassifier returns the configured server identifier predicate.
func (c *Config) IDClassifier() types.IDClassifier {
	isServer, err := types.PatternClassifier(c.Remote.ServerIDPattern)
	if err != nil {
		// validated on load
		return types.IsServerID
	}
	return isServer
}

// ExpandPath resolves a leading "~" to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

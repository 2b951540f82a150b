package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const appName = "vizconn"

// Config holds all application configuration
type Config struct {
	General GeneralConfig `mapstructure:"general"`
	Source  SourceConfig  `mapstructure:"source"`
	Backend BackendConfig `mapstructure:"backend"`
	History HistoryConfig `mapstructure:"history"`
	API     APIConfig     `mapstructure:"api"`
}

type GeneralConfig struct {
	Section   string `mapstructure:"section"`
	Delimiter string `mapstructure:"delimiter"`
	LogFile   string `mapstructure:"log_file"`
	LogLevel  string `mapstructure:"log_level"`
}

type SourceConfig struct {
	Kind        string `mapstructure:"kind"`
	File        string `mapstructure:"file"`
	RedisURL    string `mapstructure:"redis_url"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

type BackendConfig struct {
	Kind           string `mapstructure:"kind"`
	DialTimeoutMs  int    `mapstructure:"dial_timeout_ms"`
	KeyringService string `mapstructure:"keyring_service"`
	PgPassFile     string `mapstructure:"pgpass_file"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Source kinds
const (
	SourceFile  = "file"
	SourceRedis = "redis"
)

// Backend kinds
const (
	BackendTCP      = "tcp"
	BackendPostgres = "postgres"
)

// GetDefaults returns a Config with all default values
func GetDefaults() *Config {
	return &Config{
		General: GeneralConfig{
			Section:   "connections",
			Delimiter: ",",
			LogLevel:  "info",
		},
		Source: SourceConfig{
			Kind:        SourceFile,
			RedisURL:    "redis://localhost:6379/0",
			RedisPrefix: appName,
		},
		Backend: BackendConfig{
			Kind:           BackendTCP,
			DialTimeoutMs:  2000,
			KeyringService: appName,
		},
		History: HistoryConfig{
			Enabled: true,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9650",
		},
	}
}

// NewViper returns a viper instance carrying the defaults, the search paths
// and VIZCONN_* environment overrides
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// 1. User config directory
	if configDir, err := GetConfigPath(); err == nil {
		v.AddConfigPath(configDir)
	}
	// 2. Current directory
	v.AddConfigPath(".")
	// 3. Default config directory
	v.AddConfigPath("./config")

	d := GetDefaults()
	v.SetDefault("general.section", d.General.Section)
	v.SetDefault("general.delimiter", d.General.Delimiter)
	v.SetDefault("general.log_file", d.General.LogFile)
	v.SetDefault("general.log_level", d.General.LogLevel)
	v.SetDefault("source.kind", d.Source.Kind)
	v.SetDefault("source.file", d.Source.File)
	v.SetDefault("source.redis_url", d.Source.RedisURL)
	v.SetDefault("source.redis_prefix", d.Source.RedisPrefix)
	v.SetDefault("backend.kind", d.Backend.Kind)
	v.SetDefault("backend.dial_timeout_ms", d.Backend.DialTimeoutMs)
	v.SetDefault("backend.keyring_service", d.Backend.KeyringService)
	v.SetDefault("backend.pgpass_file", d.Backend.PgPassFile)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", d.History.Path)
	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.listen", d.API.Listen)

	v.SetEnvPrefix(appName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load loads configuration from the search paths
func Load() (*Config, error) {
	return LoadViper(NewViper(), "")
}

// LoadFile loads configuration from path, which must exist
func LoadFile(path string) (*Config, error) {
	return LoadViper(NewViper(), path)
}

// LoadViper reads configuration through v. An empty path searches the
// configured paths and falls back to defaults when no file is found.
func LoadViper(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}

	// Read config (it's okay if file doesn't exist, we have defaults)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolvePaths fills file locations left empty with paths under the user
// config directory
func (c *Config) resolvePaths() error {
	if c.Source.File != "" && (c.History.Path != "" || !c.History.Enabled) {
		return nil
	}

	dir, err := GetConfigPath()
	if err != nil {
		return fmt.Errorf("failed to resolve config directory: %w", err)
	}
	if c.Source.File == "" {
		c.Source.File = filepath.Join(dir, "connections.yaml")
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(dir, "history.db")
	}
	return nil
}

// Validate checks the values that have a fixed set of choices
func (c *Config) Validate() error {
	if strings.TrimSpace(c.General.Section) == "" {
		return fmt.Errorf("general.section must not be empty")
	}
	if c.General.Delimiter == "" {
		return fmt.Errorf("general.delimiter must not be empty")
	}
	switch c.Source.Kind {
	case SourceFile, SourceRedis:
	default:
		return fmt.Errorf("unknown source.kind %q (want %s or %s)", c.Source.Kind, SourceFile, SourceRedis)
	}
	switch c.Backend.Kind {
	case BackendTCP, BackendPostgres:
	default:
		return fmt.Errorf("unknown backend.kind %q (want %s or %s)", c.Backend.Kind, BackendTCP, BackendPostgres)
	}
	if c.Backend.DialTimeoutMs < 0 {
		return fmt.Errorf("backend.dial_timeout_ms must not be negative")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the api is enabled")
	}
	return nil
}

// GetConfigPath returns the user config directory path
func GetConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, appName), nil
}

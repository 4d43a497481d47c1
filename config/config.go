// Package config loads settings for the library client.
//
// Values are layered, later sources winning:
//
//  1. Default()
//  2. a YAML file (--config or LIBRARY_CONFIG)
//  3. a .env file in the working directory
//  4. process environment
//  5. command-line flags (see Flags)
//
// Paths may reference environment variables as ${VAR}.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvConfig   = "LIBRARY_CONFIG"
	EnvAPIURL   = "LIBRARY_API_URL"
	EnvDB       = "LIBRARY_DB"
	EnvLogLevel = "LIBRARY_LOG_LEVEL"

	// EnvBackendURL is the name the web client used in its .env files.
	// LIBRARY_API_URL takes precedence when both are set.
	EnvBackendURL = "VITE_BACKEND_URL"
)

// DefaultBaseURL is the backend assumed when nothing else is configured.
const DefaultBaseURL = "http://localhost:8080"

// Log formats.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// Config is the client configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// APIConfig locates the backend.
type APIConfig struct {
	// BaseURL is the backend origin, e.g. http://localhost:8080.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds each request. Zero means no client-side timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig locates the durable session store.
type StorageConfig struct {
	// Path is the SQLite database holding the saved session.
	Path string `yaml:"path"`

	// KeyPath is the install key sealing the saved session.
	// Default: token.key next to Path.
	KeyPath string `yaml:"key_path"`
}

// KeyFile returns KeyPath, or token.key beside the database.
func (s StorageConfig) KeyFile() string {
	if s.KeyPath != "" {
		return s.KeyPath
	}
	return filepath.Join(filepath.Dir(s.Path), "token.key")
}

// LogConfig controls diagnostic logging on stderr.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is auto, text, or json. Auto picks text on a terminal.
	Format string `yaml:"format"`
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", l.Level)
	}
	return level, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return &Config{
		API: APIConfig{
			BaseURL: DefaultBaseURL,
		},
		Storage: StorageConfig{
			Path: filepath.Join(dir, "library", "library.db"),
		},
		Log: LogConfig{
			Level:  "warn",
			Format: FormatAuto,
		},
	}
}

// Load builds a configuration from the defaults, the YAML file at path
// (skipped when empty), ./.env, and the environment. The result is not
// validated.
func Load(path string) (*Config, error) {
	return load(path, ".env")
}

func load(path, dotenvPath string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	dotenv, err := readDotenv(dotenvPath)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv(func(name string) string {
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return dotenv[name]
	})
	cfg.expandPaths()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// readDotenv returns the variables of a .env file, or none if it does
// not exist.
func readDotenv(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return values, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvAPIURL); v != "" {
		c.API.BaseURL = v
	} else if v := getenv(EnvBackendURL); v != "" {
		c.API.BaseURL = v
	}
	if v := getenv(EnvDB); v != "" {
		c.Storage.Path = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) expandPaths() {
	c.Storage.Path = os.ExpandEnv(c.Storage.Path)
	c.Storage.KeyPath = os.ExpandEnv(c.Storage.KeyPath)
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.API.BaseURL)
	switch {
	case c.API.BaseURL == "":
		errs = append(errs, errors.New("api.base_url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("api.base_url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("api.base_url %q: scheme must be http or https", c.API.BaseURL))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("api.base_url %q: missing host", c.API.BaseURL))
	}

	if c.API.Timeout < 0 {
		errs = append(errs, fmt.Errorf("api.timeout must not be negative, got %s", c.API.Timeout))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case FormatAuto, FormatText, FormatJSON, "":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want auto, text, or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

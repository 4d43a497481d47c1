package config

import (
	"os"

	"github.com/spf13/pflag"
)

// Flags holds the command-line overrides shared by every command.
//
// Usage:
//
//	var flags config.Flags
//	flags.AddFlags(root.PersistentFlags())
//	...
//	cfg, err := flags.Load()
type Flags struct {
	ConfigFile string
	APIURL     string
	DBPath     string
	LogLevel   string
}

// AddFlags registers --config, --api-url, --db, and --log-level.
func (f *Flags) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.ConfigFile, "config", "", "path to a YAML config file (default $"+EnvConfig+")")
	flagSet.StringVar(&f.APIURL, "api-url", "", "backend base URL (overrides config and environment)")
	flagSet.StringVar(&f.DBPath, "db", "", "path to the local session database")
	flagSet.StringVar(&f.LogLevel, "log-level", "", "diagnostic log level: debug, info, warn, error")
}

// Load resolves the configuration with flag values applied last, and
// validates it.
func (f *Flags) Load() (*Config, error) {
	path := f.ConfigFile
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *Flags) apply(cfg *Config) {
	if f.APIURL != "" {
		cfg.API.BaseURL = f.APIURL
	}
	if f.DBPath != "" {
		cfg.Storage.Path = f.DBPath
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
}

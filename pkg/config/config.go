// Package config provides configuration management for mlget. It handles
// loading, validating and saving the YAML configuration that describes
// artifact sources and engine settings, with sensible defaults and an
// MLGET_HOME environment override for the base directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/glorpus-work/mlget/pkg/errors"
	"github.com/glorpus-work/mlget/pkg/fsutil"
	"gopkg.in/yaml.v3"
)

// SourceType distinguishes how a source produces candidates.
type SourceType string

const (
	// SourceTemplate expands a URL template with {name}, {version} and
	// {platform} placeholders.
	SourceTemplate SourceType = "template"
	// SourceIndex queries a remote JSON index by package name.
	SourceIndex SourceType = "index"
)

// Source describes one configured artifact source.
type Source struct {
	Name     string     `yaml:"name"`
	URL      string     `yaml:"url"`
	Type     SourceType `yaml:"type"`
	Priority int        `yaml:"priority"` // lower tried first
	Enabled  bool       `yaml:"enabled"`
}

// DownloaderMode selects the transfer backend.
type DownloaderMode string

const (
	// DownloaderAuto prefers aria2c when installed, falling back to the
	// built-in single-stream HTTP driver.
	DownloaderAuto DownloaderMode = "auto"
	// DownloaderAria2c requires aria2c; a missing binary is a process error.
	DownloaderAria2c DownloaderMode = "aria2c"
	// DownloaderHTTP always uses the built-in single-stream HTTP driver.
	DownloaderHTTP DownloaderMode = "http"
)

// Settings represents general engine settings.
type Settings struct {
	CacheDir   string `yaml:"cache_dir,omitempty"`
	StagingDir string `yaml:"staging_dir,omitempty"`

	// Transfer settings
	Downloader  DownloaderMode `yaml:"downloader"`
	Aria2cPath  string         `yaml:"aria2c_path,omitempty"`
	Connections int            `yaml:"connections"` // per-transfer connection count

	// Retry settings
	MaxAttempts    int           `yaml:"max_attempts"` // per candidate
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	StallTimeout   time.Duration `yaml:"stall_timeout"`

	// Network settings
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// Platform override; auto-detected when empty.
	PlatformTag string `yaml:"platform_tag,omitempty"`

	// Output settings
	LogLevel string `yaml:"log_level"`
}

// Config represents the application configuration.
type Config struct {
	Sources  []*Source `yaml:"sources"`
	Settings Settings  `yaml:"settings"`
}

// Default configuration values.
const (
	DefaultConnections    = 8
	DefaultMaxAttempts    = 3
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = 30 * time.Second
	DefaultStallTimeout   = 60 * time.Second
	DefaultHTTPTimeout    = 30 * time.Second
)

// BaseDir returns the mlget data directory: $MLGET_HOME when set, otherwise
// ~/.mlget.
func BaseDir() string {
	if base := os.Getenv("MLGET_HOME"); base != "" {
		return base
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mlget"
	}
	return filepath.Join(home, ".mlget")
}

// DefaultConfigPath returns the default config file location within BaseDir.
func DefaultConfigPath() string {
	return filepath.Join(BaseDir(), "config.yaml")
}

// DefaultConfig returns a configuration with sensible defaults: the PyTorch
// wheel index as a template source and engine settings tuned for large
// artifacts.
func DefaultConfig() *Config {
	base := BaseDir()
	return &Config{
		Sources: []*Source{
			{
				Name:     "pytorch",
				URL:      "https://download.pytorch.org/whl/{platform}/{name}-{version}%2B{platform}-cp311-cp311-linux_x86_64.whl",
				Type:     SourceTemplate,
				Priority: 0,
				Enabled:  true,
			},
		},
		Settings: Settings{
			CacheDir:       filepath.Join(base, "cache"),
			StagingDir:     filepath.Join(base, "staging"),
			Downloader:     DownloaderAuto,
			Connections:    DefaultConnections,
			MaxAttempts:    DefaultMaxAttempts,
			RetryBaseDelay: DefaultRetryBaseDelay,
			RetryMaxDelay:  DefaultRetryMaxDelay,
			StallTimeout:   DefaultStallTimeout,
			HTTPTimeout:    DefaultHTTPTimeout,
			LogLevel:       "info",
		},
	}
}

// LoadConfig reads a configuration from the given path. Missing optional
// fields are filled with defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the config at path, returning DefaultConfig when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

// Save writes the configuration to the given path, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	if err := fsutil.EnsureFileDir(path); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	return os.WriteFile(path, data, fsutil.FileModeSecure)
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("source with empty name")
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = struct{}{}
		if src.URL == "" {
			return fmt.Errorf("source %q has no URL", src.Name)
		}
		switch src.Type {
		case SourceTemplate, SourceIndex:
		default:
			return fmt.Errorf("source %q has unknown type %q", src.Name, src.Type)
		}
	}
	switch c.Settings.Downloader {
	case DownloaderAuto, DownloaderAria2c, DownloaderHTTP:
	default:
		return fmt.Errorf("unknown downloader mode %q", c.Settings.Downloader)
	}
	return nil
}

// EnabledSources returns the enabled sources sorted by priority (lower first).
func (c *Config) EnabledSources() []*Source {
	out := make([]*Source, 0, len(c.Sources))
	for _, src := range c.Sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func (c *Config) applyDefaults() {
	base := BaseDir()
	s := &c.Settings
	if s.CacheDir == "" {
		s.CacheDir = filepath.Join(base, "cache")
	}
	if s.StagingDir == "" {
		s.StagingDir = filepath.Join(base, "staging")
	}
	if s.Downloader == "" {
		s.Downloader = DownloaderAuto
	}
	if s.Connections <= 0 {
		s.Connections = DefaultConnections
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.RetryBaseDelay <= 0 {
		s.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if s.RetryMaxDelay <= 0 {
		s.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if s.StallTimeout <= 0 {
		s.StallTimeout = DefaultStallTimeout
	}
	if s.HTTPTimeout <= 0 {
		s.HTTPTimeout = DefaultHTTPTimeout
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
}

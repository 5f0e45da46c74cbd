// Package config loads the indexer configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration. Zero fields are filled from Default.
type Config struct {
	// Database is the index file path.
	Database string `yaml:"database"`
	// ControlPath, when set, receives the committed generation.
	ControlPath string `yaml:"control_path,omitempty"`

	Roots       []string `yaml:"roots"`
	IncludeDirs []string `yaml:"include_dirs,omitempty"`
	// Exclude lists directory names skipped while scanning.
	Exclude          []string `yaml:"exclude,omitempty"`
	SourceExtensions []string `yaml:"source_extensions"`
	HeaderExtensions []string `yaml:"header_extensions"`

	// IndexAllFiles indexes headers no source includes.
	IndexAllFiles bool `yaml:"index_all_files"`
	// MaxErrors is the per-job error budget; exceeding it aborts the job.
	MaxErrors int `yaml:"max_errors"`

	FlushInterval time.Duration `yaml:"flush_interval"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
	LogLevel      string        `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database:         ".pdom/index.pdom",
		Roots:            []string{"."},
		Exclude:          []string{".git", ".pdom", "build", "node_modules"},
		SourceExtensions: []string{".c", ".cc", ".cpp", ".cxx"},
		HeaderExtensions: []string{".h", ".hh", ".hpp", ".hxx"},
		MaxErrors:        10,
		FlushInterval:    time.Second,
		WatchDebounce:    200 * time.Millisecond,
		LogLevel:         "info",
	}
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Write stores cfg as YAML at path, creating parent directories.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the fields that have no usable zero value.
func (c *Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database path is empty"))
	}
	if len(c.Roots) == 0 {
		errs = append(errs, errors.New("no roots configured"))
	}
	if c.MaxErrors < 0 {
		errs = append(errs, fmt.Errorf("max_errors %d is negative", c.MaxErrors))
	}
	for _, ext := range append(append([]string(nil), c.SourceExtensions...), c.HeaderExtensions...) {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("extension %q must start with a dot", ext))
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// IsSource reports whether path has a source extension.
func (c *Config) IsSource(path string) bool {
	return hasExt(path, c.SourceExtensions)
}

// IsHeader reports whether path has a header extension.
func (c *Config) IsHeader(path string) bool {
	return hasExt(path, c.HeaderExtensions)
}

// Excluded reports whether a directory with this base name is skipped.
func (c *Config) Excluded(name string) bool {
	for _, e := range c.Exclude {
		if e == name {
			return true
		}
	}
	return false
}

func hasExt(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to zero-value fields
const (
	DefaultScriptFile = "slipsheet-script.bci"
	DefaultMaxDepth   = 64
	DefaultDebounce   = 2 * time.Second
)

// DefaultExtensions are the document extensions synchronized when none are configured
var DefaultExtensions = []string{".pdf"}

// userHomeDir is replaceable in tests
var userHomeDir = os.UserHomeDir

// Config represents the complete slipsheet configuration
type Config struct {
	Sets   SetsConfig   `yaml:"sets"`
	Stamp  string       `yaml:"stamp"`
	Engine EngineConfig `yaml:"engine"`
	Sync   SyncConfig   `yaml:"sync"`
	Watch  WatchConfig  `yaml:"watch"`
}

// SetsConfig configures the roots of the three document sets
type SetsConfig struct {
	Historical string `yaml:"historical"`
	Current    string `yaml:"current"`
	New        string `yaml:"new"`
}

// EngineConfig configures the document script engine
type EngineConfig struct {
	Path       string   `yaml:"path"`
	Candidates []string `yaml:"candidates"`
	ScriptFile string   `yaml:"script_file"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Recursive  *bool    `yaml:"recursive"`
	Extensions []string `yaml:"extensions"`
	MaxDepth   int      `yaml:"max_depth"`
}

// WatchConfig configures the watch mode
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// DefaultPath returns $HOME/.config/slipsheet/config.yaml
func DefaultPath() (string, error) {
	home, err := userHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "slipsheet", "config.yaml"), nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return finish(&cfg)
}

// LoadOrDefault behaves like Load but returns the default configuration
// when the file does not exist.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	cfg, err = finish(&Config{})
	return cfg, false, err
}

func finish(cfg *Config) (*Config, error) {
	cfg.expandEnv()

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnv expands environment variables in all path fields
func (c *Config) expandEnv() {
	c.Sets.Historical = os.ExpandEnv(c.Sets.Historical)
	c.Sets.Current = os.ExpandEnv(c.Sets.Current)
	c.Sets.New = os.ExpandEnv(c.Sets.New)
	c.Stamp = os.ExpandEnv(c.Stamp)
	c.Engine.Path = os.ExpandEnv(c.Engine.Path)
	c.Engine.ScriptFile = os.ExpandEnv(c.Engine.ScriptFile)
	for i, p := range c.Engine.Candidates {
		c.Engine.Candidates[i] = os.ExpandEnv(p)
	}
}

// applyDefaults fills in zero-value fields. Unset document set and stamp
// paths fall back to the user's home directory.
func (c *Config) applyDefaults() error {
	if c.Sets.Historical == "" || c.Sets.Current == "" || c.Sets.New == "" || c.Stamp == "" {
		home, err := userHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		for _, p := range []*string{&c.Sets.Historical, &c.Sets.Current, &c.Sets.New, &c.Stamp} {
			if *p == "" {
				*p = home
			}
		}
	}

	if c.Engine.ScriptFile == "" {
		c.Engine.ScriptFile = DefaultScriptFile
	}
	if c.Sync.Recursive == nil {
		recursive := true
		c.Sync.Recursive = &recursive
	}
	if len(c.Sync.Extensions) == 0 {
		c.Sync.Extensions = append([]string(nil), DefaultExtensions...)
	}
	if c.Sync.MaxDepth == 0 {
		c.Sync.MaxDepth = DefaultMaxDepth
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = DefaultDebounce
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	paths := []struct {
		key   string
		value string
	}{
		{"sets.historical", c.Sets.Historical},
		{"sets.current", c.Sets.Current},
		{"sets.new", c.Sets.New},
		{"stamp", c.Stamp},
	}
	for _, p := range paths {
		if p.value == "" {
			return fmt.Errorf("%s is required", p.key)
		}
		if !filepath.IsAbs(p.value) {
			return fmt.Errorf("%s must be an absolute path: %s", p.key, p.value)
		}
	}

	if c.Engine.Path != "" && !filepath.IsAbs(c.Engine.Path) {
		return fmt.Errorf("engine.path must be an absolute path: %s", c.Engine.Path)
	}

	if c.Sync.MaxDepth < 0 {
		return fmt.Errorf("sync.max_depth must not be negative: %d", c.Sync.MaxDepth)
	}
	for _, ext := range c.Sync.Extensions {
		if strings.TrimSpace(ext) == "" {
			return fmt.Errorf("sync.extensions must not contain empty entries")
		}
	}

	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative: %s", c.Watch.Debounce)
	}

	return nil
}

// IsRecursive reports whether subdirectories are synchronized
func (c *Config) IsRecursive() bool {
	return c.Sync.Recursive == nil || *c.Sync.Recursive
}

// Keys lists the settings accepted by Set
var Keys = []string{
	"sets.historical",
	"sets.current",
	"sets.new",
	"stamp",
	"engine.path",
	"engine.script_file",
	"sync.recursive",
	"sync.extensions",
	"sync.max_depth",
	"watch.debounce",
}

// Set updates a single setting by its YAML key
func (c *Config) Set(key, value string) error {
	switch key {
	case "sets.historical":
		c.Sets.Historical = value
	case "sets.current":
		c.Sets.Current = value
	case "sets.new":
		c.Sets.New = value
	case "stamp":
		c.Stamp = value
	case "engine.path":
		c.Engine.Path = value
	case "engine.script_file":
		c.Engine.ScriptFile = value
	case "sync.recursive":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		c.Sync.Recursive = &b
	case "sync.extensions":
		var exts []string
		for _, ext := range strings.Split(value, ",") {
			if ext = strings.TrimSpace(ext); ext != "" {
				exts = append(exts, ext)
			}
		}
		c.Sync.Extensions = exts
	case "sync.max_depth":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		c.Sync.MaxDepth = n
	case "watch.debounce":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		c.Watch.Debounce = d
	default:
		return fmt.Errorf("unknown setting %q (valid: %s)", key, strings.Join(Keys, ", "))
	}

	if err := c.applyDefaults(); err != nil {
		return err
	}
	return c.Validate()
}

// Save writes the configuration to path, creating parent directories
func (c *Config) Save(path string) error {
	path = os.ExpandEnv(path)

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

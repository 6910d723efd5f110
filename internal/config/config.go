// Package config holds the mdimport configuration file and its
// environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zelig-tools/mdimport/internal/loader"
	"github.com/zelig-tools/mdimport/internal/version"
)

// Environment overrides.
const (
	EnvPath     = "MDIMPORT_PATH"
	EnvRegistry = "MDIMPORT_REGISTRY"
)

// DefaultFile is looked up in the working directory when no file is given.
const DefaultFile = "mdimport.json"

// Config is the on-disk configuration.
type Config struct {
	SearchPaths   []string       `json:"search_paths"`
	SymbolPaths   []string       `json:"symbol_paths,omitempty"`
	Registry      RegistryConfig `json:"registry"`
	Policy        string         `json:"policy"`
	LoadCode      bool           `json:"load_code"`
	LoadDebugInfo bool           `json:"load_debug_info"`
	Parallelism   int            `json:"parallelism"`
	LogLevel      string         `json:"log_level"`
}

// RegistryConfig describes the optional HTTP assembly registry.
type RegistryConfig struct {
	URL     string `json:"url,omitempty"`
	HTTP3   bool   `json:"http3,omitempty"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Policy:   "exact",
		LogLevel: "info",
	}
}

// Load reads path. A missing file yields Default.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes c to path as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv applies MDIMPORT_PATH (prepended to the search paths) and
// MDIMPORT_REGISTRY. getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvPath)); v != "" {
		var paths []string
		for _, p := range filepath.SplitList(v) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		c.SearchPaths = append(paths, c.SearchPaths...)
	}
	if v := strings.TrimSpace(getenv(EnvRegistry)); v != "" {
		c.Registry.URL = v
	}
}

// Validate checks every derived setting.
func (c *Config) Validate() error {
	if _, err := c.VersionPolicy(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.Registry.RequestTimeout(); err != nil {
		return err
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative: %d", c.Parallelism)
	}
	if c.Registry.HTTP3 && c.Registry.URL != "" && !strings.HasPrefix(c.Registry.URL, "https://") {
		return fmt.Errorf("registry %s: HTTP/3 needs an https URL", c.Registry.URL)
	}
	return nil
}

// VersionPolicy parses Policy.
func (c *Config) VersionPolicy() (version.Policy, error) {
	return version.ParsePolicy(c.Policy)
}

// Level parses LogLevel; empty means info.
func (c *Config) Level() (logrus.Level, error) {
	if strings.TrimSpace(c.LogLevel) == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(c.LogLevel)
}

// Flags returns the loader flags selected by the configuration.
func (c *Config) Flags() loader.Flags {
	var f loader.Flags
	if c.LoadCode {
		f |= loader.LoadCode
	}
	if c.LoadDebugInfo {
		f |= loader.LoadDebugInfo
	}
	return f
}

// RequestTimeout parses Timeout; empty means the client default.
func (r RegistryConfig) RequestTimeout() (time.Duration, error) {
	if strings.TrimSpace(r.Timeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.Timeout)
	if err != nil {
		return 0, fmt.Errorf("registry timeout: %w", err)
	}
	return d, nil
}

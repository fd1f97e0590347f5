// Package config handles switchboard configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./switchboard.yaml, ~/.config/switchboard/switchboard.yaml,
// /etc/switchboard/switchboard.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"switchboard.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "switchboard", "switchboard.yaml"))
	}

	paths = append(paths, "/etc/switchboard/switchboard.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all switchboard configuration.
type Config struct {
	Listen    ListenConfig     `yaml:"listen"`
	Defaults  DefaultsConfig   `yaml:"defaults"`
	Audit     AuditConfig      `yaml:"audit"`
	Providers []ProviderConfig `yaml:"providers"`
	DataDir   string           `yaml:"data_dir"`
	LogLevel  string           `yaml:"log_level"`
	LogFormat string           `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8750
}

// DefaultsConfig tunes per-call dispatch behavior.
type DefaultsConfig struct {
	// CallTimeoutSec is the per-request deadline in seconds (default 30).
	CallTimeoutSec int `yaml:"call_timeout_sec"`
	// RetryMax bounds retries of transient transport failures (default 2).
	RetryMax int `yaml:"retry_max"`
	// LenientValidation drops undeclared argument fields instead of
	// rejecting them. Strict is the default.
	LenientValidation bool `yaml:"lenient_validation"`
	// CacheTTLSec enables the result cache when positive (default off).
	CacheTTLSec int `yaml:"cache_ttl_sec"`
}

// AuditConfig defines the tool-call audit trail.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path overrides the database location; defaults to
	// <data_dir>/audit.db.
	Path string `yaml:"path"`
	// SealSecret, when set, encrypts stored arguments and payloads.
	SealSecret string `yaml:"seal_secret"`
}

// ProviderConfig describes one capability provider.
type ProviderConfig struct {
	// Name identifies the provider; must be unique.
	Name string `yaml:"name"`

	// Transport selects the channel: "stdio", "http", or "websocket".
	Transport string `yaml:"transport"`

	// Command, Args, and Env configure stdio providers.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	// URL and Headers configure http and websocket providers.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// MaxConcurrency caps in-flight calls to this provider
	// (0 = unbounded). Providers that declare themselves
	// single-concurrency set 1.
	MaxConcurrency int `yaml:"max_concurrency"`

	// IncludeTools and ExcludeTools filter which declared tools are
	// registered. A non-empty include list wins over exclude.
	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`

	// Health tunes this provider's background health probing.
	Health HealthConfig `yaml:"health"`
}

// HealthConfig tunes health probing for one provider. Zero fields use
// the built-in defaults (30s poll, 2s initial retry delay doubling to
// 60s, 3 retries, 10s probe timeout).
type HealthConfig struct {
	PollIntervalSec int `yaml:"poll_interval_sec"`
	InitialDelaySec int `yaml:"initial_delay_sec"`
	MaxDelaySec     int `yaml:"max_delay_sec"`
	RetryMax        int `yaml:"retry_max"`
	ProbeTimeoutSec int `yaml:"probe_timeout_sec"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults fills zero-value fields.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8750
	}
	if c.Defaults.CallTimeoutSec == 0 {
		c.Defaults.CallTimeoutSec = 30
	}
	if c.Defaults.RetryMax == 0 {
		c.Defaults.RetryMax = 2
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.DataDir, "audit.db")
	}
}

// validate rejects configurations that cannot work.
func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true

		switch p.Transport {
		case "stdio":
			if p.Command == "" {
				return fmt.Errorf("provider %s: stdio transport requires command", p.Name)
			}
		case "http", "websocket":
			if p.URL == "" {
				return fmt.Errorf("provider %s: %s transport requires url", p.Name, p.Transport)
			}
		default:
			return fmt.Errorf("provider %s: unknown transport %q (valid: stdio, http, websocket)", p.Name, p.Transport)
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q (valid: text, json)", c.LogFormat)
	}

	return nil
}

// CallTimeout returns the per-request deadline as a duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Defaults.CallTimeoutSec) * time.Second
}

// CacheTTL returns the result cache TTL as a duration (0 = disabled).
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Defaults.CacheTTLSec) * time.Second
}

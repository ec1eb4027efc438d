// Package config loads node configuration from YAML.
//
// Config file locations (priority order):
//  1. $SCATTERBRAINED_CONFIG
//  2. ./scatterbrained.yaml
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/VanDung-dev/scatterbrained/discovery"
	"github.com/VanDung-dev/scatterbrained/node"
)

// EnvConfig names the environment variable holding the config path.
const EnvConfig = "SCATTERBRAINED_CONFIG"

// DefaultPath is used when EnvConfig is unset.
const DefaultPath = "scatterbrained.yaml"

// Common errors for config validation
var (
	ErrInvalidPort      = errors.New("port out of range")
	ErrInvalidHeartbeat = errors.New("heartbeat below minimum")
	ErrEmptyNamespace   = errors.New("namespace name is empty")
	ErrDuplicateNS      = errors.New("namespace declared twice")
)

// Config is the on-disk node configuration.
type Config struct {
	NodeID         string             `yaml:"node_id"`
	Host           string             `yaml:"host"`
	Port           int                `yaml:"port"`
	AdvertisedHost string             `yaml:"advertised_host,omitempty"`
	AdvertisedPort int                `yaml:"advertised_port,omitempty"`
	Heartbeat      Duration           `yaml:"heartbeat"`
	DefaultMode    node.OperatingMode `yaml:"default_mode"`
	Discovery      DiscoveryConfig    `yaml:"discovery"`
	Namespaces     []NamespaceConfig  `yaml:"namespaces,omitempty"`
	Metrics        ListenConfig       `yaml:"metrics"`
	Health         ListenConfig       `yaml:"health"`
	Log            LogConfig          `yaml:"log"`
}

// DiscoveryConfig configures the UDP broadcast transport.
type DiscoveryConfig struct {
	BroadcastAddr string `yaml:"broadcast_addr"`
	ListenAddr    string `yaml:"listen_addr"`
	Port          int    `yaml:"port"`
}

// NamespaceConfig declares a namespace joined on startup.
type NamespaceConfig struct {
	Name     string              `yaml:"name"`
	Mode     *node.OperatingMode `yaml:"mode,omitempty"`
	HWM      int                 `yaml:"hwm,omitempty"`
	Position float64             `yaml:"position,omitempty"`
}

// ListenConfig is an optional listen address. Empty disables the server.
type ListenConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// LogConfig mirrors the logging environment variables.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// DefaultConfig returns a config with a fresh node id.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// FindConfigPath returns the config path to load, or "" if none exists.
func FindConfigPath() string {
	if path := os.Getenv(EnvConfig); path != "" {
		return path
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// Load finds and loads the config file, or returns defaults if none found.
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads and validates config from a specific path.
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, path, nil
}

// Save writes config to the specified path.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyDefaults fills in missing values with defaults.
func (c *Config) applyDefaults() {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.Host == "" {
		c.Host = node.DefaultHost
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = Duration(discovery.DefaultHeartbeat)
	}
	if c.Discovery.BroadcastAddr == "" {
		c.Discovery.BroadcastAddr = discovery.DefaultBroadcastAddr
	}
	if c.Discovery.ListenAddr == "" {
		c.Discovery.ListenAddr = discovery.DefaultListenAddr
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = discovery.DefaultDiscoveryPort
	}
	for i := range c.Namespaces {
		if c.Namespaces[i].HWM == 0 {
			c.Namespaces[i].HWM = node.DefaultHWM
		}
	}
}

// Validate checks ranges and namespace declarations.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"port":            c.Port,
		"advertised_port": c.AdvertisedPort,
		"discovery.port":  c.Discovery.Port,
	} {
		if port < 0 || port > math.MaxUint16 {
			return fmt.Errorf("%w: %s=%d", ErrInvalidPort, name, port)
		}
	}
	if c.Heartbeat.Duration() < discovery.MinHeartbeat {
		return fmt.Errorf("%w: %s < %s", ErrInvalidHeartbeat, c.Heartbeat, discovery.MinHeartbeat)
	}

	seen := make(map[string]bool, len(c.Namespaces))
	for _, ns := range c.Namespaces {
		if ns.Name == "" {
			return ErrEmptyNamespace
		}
		if seen[ns.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateNS, ns.Name)
		}
		seen[ns.Name] = true
		if ns.HWM < 1 {
			return fmt.Errorf("%w: %s", node.ErrInvalidHWM, ns.Name)
		}
	}
	return nil
}

// NamespaceOptions converts a namespace declaration to node options.
func (ns NamespaceConfig) NamespaceOptions() []node.NamespaceOption {
	opts := []node.NamespaceOption{
		node.WithHWM(ns.HWM),
		node.WithPosition(ns.Position),
	}
	if ns.Mode != nil {
		opts = append(opts, node.WithOperatingMode(*ns.Mode))
	}
	return opts
}

// Duration is a time.Duration written as a string such as "5s".
type Duration time.Duration

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"droidpilot/pkg/engine"
	"droidpilot/pkg/health"
	"droidpilot/pkg/logger"
	"droidpilot/pkg/pilot"
	"droidpilot/pkg/profile"
	"droidpilot/pkg/transport"
)

// Constants for default paths
const (
	DefaultConfigDir      = ".droidpilot"
	DefaultConfigFileName = "config.yaml"
	DefaultRegistryFile   = "registry.yaml"
)

// Config holds the whole process configuration. Every section starts from
// its package defaults and is overridden by whatever the YAML file sets.
type Config struct {
	DataDir          string        `yaml:"data_dir"`
	RegistryPath     string        `yaml:"registry_path"`
	WatchRegistry    bool          `yaml:"watch_registry"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	HistoryRetention time.Duration `yaml:"history_retention"`

	HTTP      HTTPConfig       `yaml:"http"`
	Log       logger.Config    `yaml:"log"`
	Transport transport.Config `yaml:"transport"`
	Profile   profile.Config   `yaml:"profile"`
	Health    health.Config    `yaml:"health"`
	Engine    engine.Config    `yaml:"engine"`
}

// HTTPConfig configures the serve command
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// AllowedOrigins lists browser origins accepted on /v1/events. Requests
	// without an Origin header are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// NewDefaultConfig creates a default configuration rooted at ~/.droidpilot
func NewDefaultConfig() *Config {
	service := pilot.DefaultConfig()
	dataDir := ExpandPathWithTilde("~/" + DefaultConfigDir)
	return &Config{
		DataDir:          dataDir,
		RegistryPath:     filepath.Join(dataDir, DefaultRegistryFile),
		WatchRegistry:    true,
		SnapshotInterval: service.SnapshotInterval,
		HistoryRetention: service.HistoryRetention,
		HTTP: HTTPConfig{
			Addr:         "127.0.0.1:7310",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: time.Minute,
		},
		Log:       logger.FileConfig(dataDir),
		Transport: transport.DefaultConfig(),
		Profile:   service.Profile,
		Health:    service.Health,
		Engine:    service.Engine,
	}
}

// ExpandPathWithTilde expands ~ to the user home directory.
// It respects DROIDPILOT_HOME for testing purposes.
func ExpandPathWithTilde(path string) string {
	if path == "~" {
		if home := getHomeDir(); home != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home := getHomeDir(); home != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// getHomeDir returns the home directory, respecting DROIDPILOT_HOME
func getHomeDir() string {
	if home := os.Getenv("DROIDPILOT_HOME"); home != "" {
		return home
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// GlobalConfigFilePath returns ~/.droidpilot/config.yaml
func GlobalConfigFilePath() (string, error) {
	home := getHomeDir()
	if home == "" {
		return "", fmt.Errorf("could not determine home directory")
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFileName), nil
}

// LoadConfig starts from the defaults and merges the YAML file at path over
// them. An empty path means the global config file, which may be missing.
// An explicit path must exist.
func LoadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	explicit := path != ""
	if !explicit {
		var err error
		path, err = GlobalConfigFilePath()
		if err != nil {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.DataDir = ExpandPathWithTilde(cfg.DataDir)
	cfg.RegistryPath = ExpandPathWithTilde(cfg.RegistryPath)
	cfg.Log.File = ExpandPathWithTilde(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with
// moveDataDir points DataDir at dir, carrying along the registry overlay
// and log file when they still live under the old data dir
func (c *Config) moveDataDir(dir string) {
	rebase := func(path string) string {
		rel, err := filepath.Rel(c.DataDir, path)
		if path == "" || err != nil || strings.HasPrefix(rel, "..") {
			return path
		}
		return filepath.Join(dir, rel)
	}
	c.RegistryPath = rebase(c.RegistryPath)
	c.Log.File = rebase(c.Log.File)
	c.DataDir = dir
}

func (c *Config) Validate() error {
	if c.Transport.CallTimeout <= 0 {
		return fmt.Errorf("transport.call_timeout must be positive")
	}
	if c.Engine.CallTimeout <= 0 {
		return fmt.Errorf("engine.call_timeout must be positive")
	}
	if c.Health.PollInterval <= 0 || c.Health.DiscoveryInterval <= 0 {
		return fmt.Errorf("health intervals must be positive")
	}
	if c.Health.StablePolls < 1 {
		return fmt.Errorf("health.stable_polls must be at least 1")
	}
	if c.Health.ReconnectAttempts < 0 {
		return fmt.Errorf("health.reconnect_attempts must not be negative")
	}
	s := c.Engine.Scoring
	if s.Floor >= s.Ceiling {
		return fmt.Errorf("engine.scoring.floor must be below the ceiling")
	}
	if s.RecoveryAlpha <= 0 || s.RecoveryAlpha > 1 {
		return fmt.Errorf("engine.scoring.recovery_alpha must be in (0, 1]")
	}
	if s.DecayStep < 0 || s.ExhaustedPenalty < 0 {
		return fmt.Errorf("engine.scoring decay and penalty must not be negative")
	}
	return nil
}

// ServiceConfig projects the file config onto the service's tunables. A
// registry overlay that does not exist yet is fine; the watcher picks it up.
func (c *Config) ServiceConfig() pilot.Config {
	health := c.Health
	health.CallTimeout = c.Transport.CallTimeout

	return pilot.Config{
		RegistryPath:     c.RegistryPath,
		DataDir:          c.DataDir,
		SnapshotInterval: c.SnapshotInterval,
		HistoryRetention: c.HistoryRetention,
		Profile:          c.Profile,
		Health:           health,
		Engine:           c.Engine,
	}
}

// Package config loads the daemon configuration from YAML, falling
// back to sensible defaults when no file exists. A missing config file
// is not an error; a present-but-unreadable or malformed one is, and
// callers treat that as fatal at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML scalars like "2s" or "500ms" via
// time.ParseDuration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LogRoot is one directory tree of agent session logs to tail.
type LogRoot struct {
	// Path is the root directory, ~ expanded at load time.
	Path string `yaml:"path"`

	// AgentKind labels sessions found under this root ("claude",
	// "codex").
	AgentKind string `yaml:"agent_kind"`

	// Layout is "dated" for root/YYYY/MM/DD trees or "projects" for
	// flat per-project trees.
	Layout string `yaml:"layout"`
}

// Config holds the daemon configuration.
type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address.
	ListenAddr string `yaml:"listen_addr"`

	// LogRoots are the session log trees to watch.
	LogRoots []LogRoot `yaml:"log_roots"`

	// PollInterval is the tailer's re-stat interval.
	PollInterval Duration `yaml:"poll_interval"`

	// RetentionDays bounds the initial scan window in calendar days.
	RetentionDays int `yaml:"retention_days"`

	// OverlayPath is where per-session metadata is persisted.
	OverlayPath string `yaml:"overlay_path"`

	// HistoryDBPath is the SQLite event archive location.
	HistoryDBPath string `yaml:"history_db_path"`

	// HistoryRetentionDays bounds how long archived events are kept.
	// Zero disables pruning.
	HistoryRetentionDays int `yaml:"history_retention_days"`

	// SubscriberBuffer is the per-subscriber delivery queue size.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// DedupCap bounds the broadcaster's duplicate-suppression window.
	DedupCap int `yaml:"dedup_cap"`

	// LogLevel is a logrus level name ("debug", "info", "warn").
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration: both well-known agent
// log trees, state under ~/.sessionsync.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		ListenAddr: "127.0.0.1:8765",
		LogRoots: []LogRoot{
			{Path: filepath.Join(home, ".codex", "sessions"), AgentKind: "codex", Layout: "dated"},
			{Path: filepath.Join(home, ".claude", "projects"), AgentKind: "claude", Layout: "projects"},
		},
		PollInterval:         Duration(2 * time.Second),
		RetentionDays:        2,
		OverlayPath:          filepath.Join(home, ".sessionsync", "overlay.json"),
		HistoryDBPath:        filepath.Join(home, ".sessionsync", "events.db"),
		HistoryRetentionDays: 30,
		SubscriberBuffer:     256,
		DedupCap:             8192,
		LogLevel:             "info",
	}
}

// Load reads the config at path over the defaults. A missing file
// yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfg.expandPaths()
	return cfg, nil
}

// LoadFromDefaultPath tries the standard config locations in order.
func LoadFromDefaultPath() (*Config, error) {
	home, _ := os.UserHomeDir()
	paths := []string{
		"sessionsync.yaml",
		filepath.Join(home, ".config", "sessionsync", "config.yaml"),
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "sessionsync", "config.yaml"))
	}
	for _, path := range paths {
		if _, err := os.Stat(filepath.Clean(path)); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval.Std())
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive, got %d", c.RetentionDays)
	}
	for i, root := range c.LogRoots {
		if root.Path == "" {
			return fmt.Errorf("log_roots[%d]: path must not be empty", i)
		}
		if root.AgentKind == "" {
			return fmt.Errorf("log_roots[%d]: agent_kind must not be empty", i)
		}
		switch root.Layout {
		case "dated", "projects":
		default:
			return fmt.Errorf("log_roots[%d]: unknown layout %q", i, root.Layout)
		}
	}
	return nil
}

// expandPaths resolves a leading ~ in every configured path.
func (c *Config) expandPaths() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(p string) string {
		if p == "~" {
			return home
		}
		if len(p) > 1 && p[0] == '~' && p[1] == '/' {
			return filepath.Join(home, p[2:])
		}
		return p
	}
	for i := range c.LogRoots {
		c.LogRoots[i].Path = expand(c.LogRoots[i].Path)
	}
	c.OverlayPath = expand(c.OverlayPath)
	c.HistoryDBPath = expand(c.HistoryDBPath)
}

// Package config loads and validates the optional .cordon YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cordon-project/cordon/internal/sandbox"
)

// DefaultCacheSize is the number of run records kept in memory in
// front of the disk store.
const DefaultCacheSize = 5

// Config holds the parsed .cordon configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version int                   `yaml:"version"`
	Sandbox SandboxConfig         `yaml:"sandbox"`
	Tasks   map[string]TaskConfig `yaml:"tasks"`
	Report  ReportConfig          `yaml:"report"`
}

// SandboxConfig mirrors the environment knobs in file form. The
// environment always wins over these values.
type SandboxConfig struct {
	Mode      string `yaml:"mode"`       // container | host | auto
	Image     string `yaml:"image"`      // image override, wins over detection
	CPUs      string `yaml:"cpus"`       // decimal core count, e.g. "2" or "1.5"
	Memory    string `yaml:"memory"`     // binary suffixes, e.g. "1g", "512m"
	Pids      int64  `yaml:"pids"`       // max processes in the container
	Timeout   string `yaml:"timeout"`    // default command timeout, e.g. "2m"
	MaxOutput int    `yaml:"max_output"` // per-stream capture cap in bytes
}

// TaskConfig adjusts a named task.
type TaskConfig struct {
	Args []string `yaml:"args"` // extra args appended to the task's command
}

// ReportConfig controls run-record storage.
type ReportConfig struct {
	CacheSize int `yaml:"cache_size"` // LRU entries kept in memory
}

// RunnerConfig resolves the effective sandbox configuration: defaults,
// overlaid with the file values, overlaid with the environment.
func (c *Config) RunnerConfig(logger *slog.Logger) sandbox.Config {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := sandbox.DefaultConfig()

	if c.Sandbox.Mode != "" {
		mode, ok := sandbox.ParseMode(c.Sandbox.Mode)
		if !ok {
			logger.Warn("unrecognised sandbox mode in .cordon, using auto", "value", c.Sandbox.Mode)
		}
		cfg.Mode = mode
	}
	if c.Sandbox.Image != "" {
		cfg.Image = c.Sandbox.Image
	}
	if c.Sandbox.CPUs != "" {
		cfg.CPUs = sandbox.ParseCPULimit(c.Sandbox.CPUs)
	}
	if c.Sandbox.Memory != "" {
		cfg.Memory = sandbox.ParseMemoryLimit(c.Sandbox.Memory)
	}
	if c.Sandbox.Pids > 0 {
		cfg.PidsLimit = c.Sandbox.Pids
	}
	if c.Sandbox.Timeout != "" {
		if d, err := time.ParseDuration(c.Sandbox.Timeout); err == nil && d > 0 {
			cfg.DefaultTimeout = d
		}
	}
	if c.Sandbox.MaxOutput > 0 {
		cfg.MaxOutput = c.Sandbox.MaxOutput
	}

	return sandbox.FromEnvWith(cfg, logger)
}

// TaskArgs returns the extra args configured for a named task.
func (c *Config) TaskArgs(name string) []string {
	if t, ok := c.Tasks[name]; ok {
		return t.Args
	}
	return nil
}

// CacheSize returns the configured record-cache size or the default.
func (c *Config) CacheSize() int {
	if c.Report.CacheSize > 0 {
		return c.Report.CacheSize
	}
	return DefaultCacheSize
}

// LoadResult holds the parsed config and the discovered repository root.
type LoadResult struct {
	Config   *Config
	RepoRoot string // directory carrying a repo marker; falls back to workspace
}

// rootMarkers identify a repository root during the upward walk. The
// .cordon file itself counts, so a config above the language manifest
// still applies.
var rootMarkers = []string{".cordon", ".git", "go.mod", "Cargo.toml", "package.json", "pyproject.toml"}

// Load reads the .cordon file from the repository root. The root is
// discovered by walking upward from workspace looking for a marker.
// If no .cordon file exists, a default Config is returned.
func Load(workspace string) (*LoadResult, error) {
	root, err := findRepoRoot(workspace)
	if err != nil {
		// No marker found; use workspace as root.
		root = workspace
	}

	path := filepath.Join(root, ".cordon")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &LoadResult{Config: &Config{}, RepoRoot: root}, nil
		}
		return nil, fmt.Errorf("reading .cordon: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing .cordon: %w", err)
	}
	return &LoadResult{Config: cfg, RepoRoot: root}, nil
}

// findRepoRoot walks upward from dir looking for a directory containing
// any root marker.
func findRepoRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		for _, marker := range rootMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no repository marker found")
		}
		dir = parent
	}
}

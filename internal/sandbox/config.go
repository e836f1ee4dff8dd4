package sandbox

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	units "github.com/docker/go-units"
)

// Environment variables consulted by ConfigFromEnv. All are optional.
const (
	EnvMode      = "CORDON_SANDBOX_MODE"       // container | host | auto
	EnvImage     = "CORDON_SANDBOX_IMAGE"      // image override, wins over detection
	EnvCPUs      = "CORDON_SANDBOX_CPUS"       // decimal core count, e.g. "2" or "1.5"
	EnvMemory    = "CORDON_SANDBOX_MEMORY"     // binary suffixes, e.g. "1g", "512m"
	EnvPids      = "CORDON_SANDBOX_PIDS"       // max processes in the container
	EnvTimeout   = "CORDON_SANDBOX_TIMEOUT"    // default command timeout, e.g. "2m"
	EnvMaxOutput = "CORDON_SANDBOX_MAX_OUTPUT" // per-stream capture cap in bytes
)

// Default resource and timing limits.
const (
	DefaultCPUs      = 2.0
	DefaultMemory    = int64(1 << 30) // 1 GiB
	DefaultPidsLimit = int64(256)
	DefaultTimeout   = 2 * time.Minute
	DefaultMaxOutput = 1 << 20 // 1 MiB per stream
)

// Config is the immutable runner configuration. It is built once from
// the environment (or the .cordon file with the environment winning)
// and shared read-only by every runner; execution logic never consults
// the environment directly.
type Config struct {
	Mode           Mode
	Image          string  // when set, overrides per-project image selection
	CPUs           float64 // admitted core count; enforced as an integer-core quota
	Memory         int64   // memory ceiling in bytes
	PidsLimit      int64   // process-count ceiling inside the container
	DefaultTimeout time.Duration
	MaxOutput      int // per-stream capture cap in bytes
}

// DefaultConfig returns the configuration used when nothing is set:
// auto mode, detected image, 2 CPUs, 1 GiB, 2 minute timeout.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeAuto,
		CPUs:           DefaultCPUs,
		Memory:         DefaultMemory,
		PidsLimit:      DefaultPidsLimit,
		DefaultTimeout: DefaultTimeout,
		MaxOutput:      DefaultMaxOutput,
	}
}

// ConfigFromEnv builds the runner configuration from the environment,
// falling back to defaults for anything unset or unparsable.
func ConfigFromEnv(logger *slog.Logger) Config {
	return FromEnvWith(DefaultConfig(), logger)
}

// FromEnvWith overlays the environment onto base. File-derived settings
// use this to let the environment win without re-parsing it themselves.
func FromEnvWith(base Config, logger *slog.Logger) Config {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := base

	if v, set := os.LookupEnv(EnvMode); set {
		mode, ok := ParseMode(v)
		if !ok {
			logger.Warn("unrecognised sandbox mode, using auto", "value", v)
		}
		cfg.Mode = mode
	}
	if v := os.Getenv(EnvImage); v != "" {
		cfg.Image = v
	}
	if v := os.Getenv(EnvCPUs); v != "" {
		cfg.CPUs = ParseCPULimit(v)
	}
	if v := os.Getenv(EnvMemory); v != "" {
		cfg.Memory = ParseMemoryLimit(v)
	}
	if v := os.Getenv(EnvPids); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.PidsLimit = n
		}
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.DefaultTimeout = d
		}
	}
	if v := os.Getenv(EnvMaxOutput); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOutput = n
		}
	}

	return cfg
}

// ParseMemoryLimit parses a memory limit with case-insensitive binary
// suffixes ("1g", "512M", "262144k"). Absent or invalid input yields
// the 1 GiB default.
func ParseMemoryLimit(s string) int64 {
	if s == "" {
		return DefaultMemory
	}
	n, err := units.RAMInBytes(s)
	if err != nil || n <= 0 {
		return DefaultMemory
	}
	return n
}

// ParseCPULimit parses a decimal core count. Absent, unparsable, or
// non-positive input yields the 2-core default. Fractional values are
// admitted here; the container quota truncates to whole cores.
func ParseCPULimit(s string) float64 {
	if s == "" {
		return DefaultCPUs
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return DefaultCPUs
	}
	return f
}

// effectiveTimeout resolves the timeout for one call: the caller's
// value, else the configured default, else the hard default.
func (c Config) effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return DefaultTimeout
}

// maxOutput returns the per-stream capture cap, guarding the zero
// value so a literal Config{} still behaves.
func (c Config) maxOutput() int {
	if c.MaxOutput > 0 {
		return c.MaxOutput
	}
	return DefaultMaxOutput
}

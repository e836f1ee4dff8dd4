package sandbox

import (
	"context"
	"log/slog"
)

// NewRunner selects the execution backend for the configured mode. It
// never fails and never panics: host execution is the guaranteed
// fallback, so callers always receive a usable Runner. Every fall back
// from isolation is logged, loudly when the caller asked for a
// container or opted out of isolation, quietly in auto mode.
func NewRunner(ctx context.Context, cfg Config, logger *slog.Logger) Runner {
	if logger == nil {
		logger = slog.Default()
	}

	mode := cfg.Mode
	switch mode {
	case ModeContainer, ModeHost, ModeAuto:
	case "":
		mode = ModeAuto
	default:
		logger.Warn("unrecognised sandbox mode, using auto", "mode", string(mode))
		mode = ModeAuto
	}

	if mode == ModeHost {
		logger.Warn("sandbox disabled by configuration: commands run directly on the host")
		return NewHostRunner(cfg, logger)
	}

	runner, err := NewDockerRunner(ctx, cfg, logger)
	if err == nil {
		logger.Debug("using container backend")
		return runner
	}
	if mode == ModeContainer {
		logger.Warn("container backend unavailable, falling back to unsandboxed host execution", "error", err)
	} else {
		logger.Info("container backend unavailable, using host execution", "error", err)
	}
	return NewHostRunner(cfg, logger)
}

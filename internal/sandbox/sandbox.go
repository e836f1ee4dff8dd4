// Package sandbox executes untrusted commands against a repository
// under a configurable isolation policy. The container backend runs
// each command in a throwaway, locked-down Docker container; the host
// backend runs it as a direct child process with timeout and
// process-group cleanup but no isolation. A factory picks the backend
// from the configured mode, degrading to host execution when the
// container backend is unavailable.
package sandbox

import (
	"context"
	"strings"
	"time"
)

// Result captures the outcome of one command execution.
type Result struct {
	Stdout    string // captured standard output (may be truncated)
	Stderr    string // captured standard error (may be truncated)
	Code      int    // process exit code; -1 when killed
	TimedOut  bool   // true iff the wall-clock bound was exceeded
	Truncated bool   // true if either stream exceeded the output cap
}

// Runner executes one command under one isolation policy.
//
// Implementations return an error only for infrastructure failures
// (backend unavailable, image pull failed, process could not start).
// A command that runs and exits non-zero is not an error; its status
// is carried in Result.Code.
type Runner interface {
	// RunCmd runs name with args in repoDir and waits for completion.
	// A timeout <= 0 falls back to the configured default. On timeout
	// the command is forcibly killed and Result.TimedOut is set.
	RunCmd(ctx context.Context, repoDir, name string, args []string, timeout time.Duration) (Result, error)

	// Name identifies the backend ("docker" or "host") for logging
	// and status reporting.
	Name() string
}

// Mode selects the isolation policy for command execution.
type Mode string

const (
	// ModeContainer requires the container backend. Unavailability
	// still degrades to host execution, with a loud warning.
	ModeContainer Mode = "container"
	// ModeHost runs commands directly on the host. This is the
	// explicit no-isolation opt-out.
	ModeHost Mode = "host"
	// ModeAuto prefers the container backend and quietly falls back
	// to the host when it is unavailable.
	ModeAuto Mode = "auto"
)

// ParseMode normalises a mode string. Unrecognised values resolve to
// ModeAuto; the ok result is false so callers can warn.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeContainer:
		return ModeContainer, true
	case ModeHost:
		return ModeHost, true
	case ModeAuto, Mode(""):
		return ModeAuto, true
	}
	return ModeAuto, false
}

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// HostRunner executes commands directly on the host as child
// processes. It enforces the timeout and captures output but provides
// no isolation; the factory only selects it as an explicit opt-out or
// as the degraded path when the container backend is unavailable.
type HostRunner struct {
	cfg    Config
	logger *slog.Logger
}

// NewHostRunner returns a host-execution runner. A nil logger falls
// back to slog.Default().
func NewHostRunner(cfg Config, logger *slog.Logger) *HostRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostRunner{cfg: cfg, logger: logger}
}

// Name identifies the backend for logging and status reporting.
func (r *HostRunner) Name() string { return "host" }

// RunCmd runs name with args in repoDir and waits for it to finish.
// The command is started in its own process group so that expiry kills
// the whole tree, including grandchildren, not just the direct child.
func (r *HostRunner) RunCmd(ctx context.Context, repoDir, name string, args []string, timeout time.Duration) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.effectiveTimeout(timeout))
	defer cancel()

	cmd := exec.Command(name, args...)
	cmd.Dir = repoDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	limit := r.cfg.maxOutput()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitWriter{buf: &stdout, limit: limit}
	cmd.Stderr = &limitWriter{buf: &stderr, limit: limit}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting %s: %w", name, err)
	}

	// Kill the process group when the bounding context ends. The done
	// channel releases the watcher once Wait has returned, and the
	// inner re-check keeps an already-finished command from being
	// signalled when expiry and completion race.
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-runCtx.Done():
			select {
			case <-done:
			default:
				_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
			}
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		TimedOut:  timedOut,
		Truncated: stdout.Len() >= limit || stderr.Len() >= limit,
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return Result{}, fmt.Errorf("running %s: %w", name, waitErr)
		}
		// Killed processes report -1 here, which stands as the
		// synthetic code on timeout.
		res.Code = exitErr.ExitCode()
	}

	if timedOut {
		r.logger.Debug("host command timed out", "name", name, "dir", repoDir)
	}
	return res, nil
}

// limitWriter writes up to limit bytes to buf, then silently discards
// the rest. It reports all bytes as consumed so the producing pipe
// never sees a short write.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}

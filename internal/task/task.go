// Package task maps common development tasks (test, build, lint) to
// concrete commands for the detected project type and executes them
// through the sandbox. It is consumed by both the MCP server and the
// CLI commands; every run is persisted as a report record.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cordon-project/cordon/internal/config"
	"github.com/cordon-project/cordon/internal/report"
	"github.com/cordon-project/cordon/internal/sandbox"
)

// commands maps project type and task name to the base command. Extra
// args from configuration and from the caller are appended in that
// order.
var commands = map[sandbox.ProjectType]map[string][]string{
	sandbox.ProjectGo: {
		"test":  {"go", "test", "./..."},
		"build": {"go", "build", "./..."},
		"lint":  {"go", "vet", "./..."},
	},
	sandbox.ProjectNode: {
		"test":  {"npm", "test"},
		"build": {"npm", "run", "build"},
		"lint":  {"npm", "run", "lint"},
	},
	sandbox.ProjectPython: {
		"test":  {"python", "-m", "pytest"},
		"build": {"python", "-m", "compileall", "-q", "."},
		"lint":  {"python", "-m", "flake8"},
	},
	sandbox.ProjectRust: {
		"test":  {"cargo", "test"},
		"build": {"cargo", "build"},
		"lint":  {"cargo", "clippy"},
	},
}

// Names returns the known task names, sorted.
func Names() []string {
	seen := make(map[string]bool)
	for _, byTask := range commands {
		for name := range byTask {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Engine holds shared dependencies for task and command execution.
type Engine struct {
	Runner  sandbox.Runner
	Store   report.Store   // nil disables record persistence
	Config  *config.Config // per-task extra args; nil means none
	Sandbox sandbox.Config // resolved runner config, for record metadata
	Logger  *slog.Logger
}

// Resolve returns the command for task name in repoDir, with any
// configured extra args appended. The project type decides the
// concrete tool; an unknown type cannot be resolved.
func (e *Engine) Resolve(repoDir, name string) ([]string, sandbox.ProjectType, error) {
	typ := sandbox.Detect(repoDir)
	byTask, ok := commands[typ]
	if !ok {
		return nil, typ, fmt.Errorf("cannot resolve task %q: unrecognised project type in %s", name, repoDir)
	}
	base, ok := byTask[name]
	if !ok {
		return nil, typ, fmt.Errorf("unknown task %q (known tasks: %s)", name, strings.Join(Names(), ", "))
	}
	argv := append([]string{}, base...)
	if e.Config != nil {
		argv = append(argv, e.Config.TaskArgs(name)...)
	}
	return argv, typ, nil
}

// Run executes the named task against repoDir and records the outcome.
func (e *Engine) Run(ctx context.Context, repoDir, name string, extra []string, timeout time.Duration) (*report.Record, error) {
	argv, _, err := e.Resolve(repoDir, name)
	if err != nil {
		return nil, err
	}
	argv = append(argv, extra...)
	return e.execute(ctx, report.Task, repoDir, argv, timeout)
}

// Exec runs an arbitrary command against repoDir and records the
// outcome.
func (e *Engine) Exec(ctx context.Context, repoDir string, argv []string, timeout time.Duration) (*report.Record, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	return e.execute(ctx, report.Command, repoDir, argv, timeout)
}

func (e *Engine) execute(ctx context.Context, kind report.Kind, repoDir string, argv []string, timeout time.Duration) (*report.Record, error) {
	logger := e.logger()

	rec := report.New(kind, argv, repoDir)
	rec.Backend = e.Runner.Name()
	if rec.Backend == "docker" {
		rec.Image = sandbox.GetImage(sandbox.Detect(repoDir), e.Sandbox)
	}

	logger.Debug("running command", "kind", string(kind), "argv", argv, "dir", repoDir)
	res, err := e.Runner.RunCmd(ctx, repoDir, argv[0], argv[1:], timeout)
	rec.Duration = time.Since(rec.Start)

	// A timeout is an outcome for the caller to inspect, not an
	// infrastructure failure; only the latter aborts without a record.
	if err != nil && !res.TimedOut {
		return nil, fmt.Errorf("running %s: %w", argv[0], err)
	}
	rec.Code = res.Code
	rec.TimedOut = res.TimedOut
	rec.Truncated = res.Truncated
	rec.Stdout = res.Stdout
	rec.Stderr = res.Stderr

	if e.Store != nil {
		if err := e.Store.Save(rec); err != nil {
			logger.Warn("saving run record", "id", rec.ID, "error", err)
		}
	}
	return rec, nil
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

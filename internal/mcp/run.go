package mcp

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cordon-project/cordon/internal/report"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// previewLimit caps the per-stream output echoed inline in a tool
// result. The full capture stays available through cordon_inspect.
const previewLimit = 4096

type runParams struct {
	Command []string `json:"command" jsonschema:"the command and its arguments as separate elements (e.g. [\"go\", \"test\", \"./...\"])"`
	Dir     string   `json:"dir,omitempty" jsonschema:"directory to run in, relative to the workspace root. Defaults to the workspace root."`
	Timeout string   `json:"timeout,omitempty" jsonschema:"wall-clock limit as a Go duration (e.g. 30s, 2m). Defaults to the configured timeout."`
}

func (h *handler) runHandler(ctx context.Context, req *mcp.CallToolRequest, params runParams) (*mcp.CallToolResult, any, error) {
	if len(params.Command) == 0 {
		return errorResult("command is required")
	}
	dir, err := h.resolveDir(params.Dir)
	if err != nil {
		return errorResult(err.Error())
	}
	timeout, err := parseTimeout(params.Timeout)
	if err != nil {
		return errorResult(err.Error())
	}

	rec, err := h.engine.Exec(ctx, dir, params.Command, timeout)
	if err != nil {
		return errorResult(fmt.Sprintf("run failed: %v", err))
	}
	return textResult(formatRun(rec))
}

type taskParams struct {
	Task    string   `json:"task" jsonschema:"task name: test, build, or lint"`
	Args    []string `json:"args,omitempty" jsonschema:"extra arguments appended to the resolved command"`
	Dir     string   `json:"dir,omitempty" jsonschema:"directory to run in, relative to the workspace root. Defaults to the workspace root."`
	Timeout string   `json:"timeout,omitempty" jsonschema:"wall-clock limit as a Go duration (e.g. 30s, 2m). Defaults to the configured timeout."`
}

func (h *handler) taskHandler(ctx context.Context, req *mcp.CallToolRequest, params taskParams) (*mcp.CallToolResult, any, error) {
	if params.Task == "" {
		return errorResult("task is required")
	}
	dir, err := h.resolveDir(params.Dir)
	if err != nil {
		return errorResult(err.Error())
	}
	timeout, err := parseTimeout(params.Timeout)
	if err != nil {
		return errorResult(err.Error())
	}

	rec, err := h.engine.Run(ctx, dir, params.Task, params.Args, timeout)
	if err != nil {
		return errorResult(fmt.Sprintf("task failed: %v", err))
	}
	return textResult(formatRun(rec))
}

// formatRun renders one run record as a status header plus per-stream
// previews. Anything beyond previewLimit is cut with an inspect hint.
func formatRun(rec *report.Record) string {
	var b strings.Builder

	switch {
	case rec.TimedOut:
		fmt.Fprintln(&b, "Status: TIMEOUT")
	case rec.Code == 0:
		fmt.Fprintln(&b, "Status: OK")
	default:
		fmt.Fprintln(&b, "Status: FAIL")
	}
	fmt.Fprintf(&b, "Run: %s\n", rec.ID)
	fmt.Fprintf(&b, "Command: %s\n", strings.Join(rec.Argv, " "))
	fmt.Fprintf(&b, "Exit: %d\n", rec.Code)
	fmt.Fprintf(&b, "Backend: %s\n", rec.Backend)
	if rec.Image != "" {
		fmt.Fprintf(&b, "Image: %s\n", rec.Image)
	}
	fmt.Fprintf(&b, "Duration: %s\n", rec.Duration.Round(time.Millisecond))

	if rec.TimedOut {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "The command was killed after exceeding its timeout.")
	}

	writeStream(&b, "Stdout", rec.Stdout)
	writeStream(&b, "Stderr", rec.Stderr)

	if rec.Stdout == "" && rec.Stderr == "" {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "No output.")
	}

	if rec.Truncated || len(rec.Stdout) > previewLimit || len(rec.Stderr) > previewLimit {
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "Output truncated. Full capture: cordon_inspect(run_id=%q).\n", rec.ID)
	}

	return b.String()
}

// writeStream appends a labelled, indented preview of one stream.
// Empty streams are skipped.
func writeStream(b *strings.Builder, label, s string) {
	if s == "" {
		return
	}
	if len(s) > previewLimit {
		s = s[:previewLimit]
	}
	fmt.Fprintln(b)
	fmt.Fprintf(b, "%s:\n", label)
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		fmt.Fprintf(b, "  %s\n", line)
	}
}

// resolveDir maps the optional dir parameter onto the workspace,
// rejecting paths that escape it.
func (h *handler) resolveDir(dir string) (string, error) {
	if dir == "" {
		return h.workspace, nil
	}

	var abs string
	if filepath.IsAbs(dir) {
		abs = filepath.Clean(dir)
	} else {
		abs = filepath.Clean(filepath.Join(h.workspace, dir))
	}

	rel, err := filepath.Rel(h.workspace, abs)
	if err != nil {
		return "", fmt.Errorf("resolving dir: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("dir %q is outside workspace %q", dir, h.workspace)
	}
	return abs, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q: must be positive", s)
	}
	return d, nil
}

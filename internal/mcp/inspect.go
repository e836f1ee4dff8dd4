package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cordon-project/cordon/internal/report"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type inspectParams struct {
	RunID  string `json:"run_id" jsonschema:"the run ID from a cordon_run or cordon_task result"`
	Stream string `json:"stream,omitempty" jsonschema:"which stream to return: stdout, stderr, or both. Default: both."`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}
	stream := params.Stream
	if stream == "" {
		stream = "both"
	}
	switch stream {
	case "stdout", "stderr", "both":
	default:
		return errorResult(fmt.Sprintf("invalid stream %q: want stdout, stderr, or both", params.Stream))
	}

	rec, err := h.store.Load(params.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}

	return textResult(formatInspect(rec, stream))
}

func formatInspect(rec *report.Record, stream string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run: %s (%s)\n", rec.ID, rec.Kind)
	fmt.Fprintf(&b, "Command: %s\n", strings.Join(rec.Argv, " "))
	fmt.Fprintf(&b, "Dir: %s\n", rec.Dir)
	fmt.Fprintf(&b, "Exit: %d\n", rec.Code)
	fmt.Fprintf(&b, "Backend: %s\n", rec.Backend)
	if rec.Image != "" {
		fmt.Fprintf(&b, "Image: %s\n", rec.Image)
	}
	fmt.Fprintf(&b, "Start: %s\n", rec.Start.Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration: %s\n", rec.Duration.Round(time.Millisecond))
	if rec.TimedOut {
		fmt.Fprintln(&b, "Timed out: yes")
	}
	if rec.Truncated {
		fmt.Fprintln(&b, "Truncated: yes (capture cap reached)")
	}

	if stream == "stdout" || stream == "both" {
		writeFull(&b, "stdout", rec.Stdout)
	}
	if stream == "stderr" || stream == "both" {
		writeFull(&b, "stderr", rec.Stderr)
	}

	return b.String()
}

// writeFull appends the complete stream under a separator.
func writeFull(b *strings.Builder, label, s string) {
	fmt.Fprintln(b)
	fmt.Fprintf(b, "--- %s ---\n", label)
	if s == "" {
		fmt.Fprintln(b, "(empty)")
		return
	}
	fmt.Fprintln(b, strings.TrimRight(s, "\n"))
}

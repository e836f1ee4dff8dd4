package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/cordon-project/cordon/internal/sandbox"
	units "github.com/docker/go-units"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type statusParams struct{}

func (h *handler) statusHandler(ctx context.Context, req *mcp.CallToolRequest, _ statusParams) (*mcp.CallToolResult, any, error) {
	cfg := h.engine.Sandbox
	typ := sandbox.Detect(h.workspace)

	var b strings.Builder
	fmt.Fprintf(&b, "Workspace: %s\n", h.workspace)
	fmt.Fprintf(&b, "Mode: %s\n", cfg.Mode)
	fmt.Fprintf(&b, "Backend: %s\n", h.engine.Runner.Name())
	fmt.Fprintf(&b, "Project: %s\n", typ)
	fmt.Fprintf(&b, "Image: %s\n", sandbox.GetImage(typ, cfg))
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Limits:")
	fmt.Fprintf(&b, "  cpus: %g\n", cfg.CPUs)
	fmt.Fprintf(&b, "  memory: %s\n", units.BytesSize(float64(cfg.Memory)))
	fmt.Fprintf(&b, "  pids: %d\n", cfg.PidsLimit)
	fmt.Fprintf(&b, "  timeout: %s\n", cfg.DefaultTimeout)
	fmt.Fprintf(&b, "  max output: %s per stream\n", units.BytesSize(float64(cfg.MaxOutput)))

	return textResult(b.String())
}

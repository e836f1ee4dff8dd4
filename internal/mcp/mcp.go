// Package mcp provides the Cordon MCP server, registering all tools
// and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"net/url"
	"time"

	"github.com/cordon-project/cordon"
	"github.com/cordon-project/cordon/internal/config"
	"github.com/cordon-project/cordon/internal/report"
	"github.com/cordon-project/cordon/internal/task"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	engine    *task.Engine
	store     report.Store
	workspace string
}

// NewServer creates an MCP server with all Cordon tools registered.
func NewServer(cfg *config.Config, engine *task.Engine, store report.Store, workspace string) *mcp.Server {
	if engine.Config == nil {
		engine.Config = cfg
	}
	h := &handler{
		engine:    engine,
		store:     store,
		workspace: workspace,
	}

	mcpOpts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateWorkspaceFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "cordon", Version: cordon.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "cordon_run",
		Description: `Run a command in the sandbox and wait for it to finish.

The command executes in a throwaway container with the repository mounted
at /workspace, or directly on the host when the sandbox is disabled.
The exit code and a preview of stdout/stderr are returned; the full
record is stored for drill-down via cordon_inspect.`,
	}, h.runHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "cordon_task",
		Description: `Run a named task (test, build, lint) for the detected project type.

The task resolves to the conventional command for the project, e.g.
'go test ./...' for Go or 'cargo test' for Rust, and runs it in the
sandbox. Results are stored for drill-down via cordon_inspect.`,
	}, h.taskHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "cordon_inspect",
		Description: `Retrieve the full stored output of an earlier run.

Use the run_id from a cordon_run or cordon_task result. Returns the
complete captured stdout and stderr without the preview cap.`,
	}, h.inspectHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "cordon_status",
		Description: "Report the sandbox configuration: mode, active backend, detected project type, image, and resource limits.",
	}, h.statusHandler)

	return s
}

// updateWorkspaceFromRoots queries the client for MCP roots and moves
// the working directory and task configuration to the first valid root.
// This is called during session initialization, before any tool calls.
// The sandbox runner is not rebuilt; only the directory and the task
// configuration move.
func (h *handler) updateWorkspaceFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil {
		return
	}
	if len(roots.Roots) == 0 {
		return
	}

	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}

	loaded, err := config.Load(u.Path)
	if err != nil {
		return
	}

	h.workspace = loaded.RepoRoot
	h.engine.Config = loaded.Config
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}

// Package mcp provides the cellkernel MCP server, exposing the interpreter
// kernel as tools and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"net/url"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/deixis/cellkernel"
	"github.com/deixis/cellkernel/internal/kernel"
	"github.com/deixis/cellkernel/internal/report"
)

//go:embed instructions.md
var Instructions string

// Kernel is the part of kernel.Kernel the tools drive.
type Kernel interface {
	Run(ctx context.Context, code string, h kernel.Execution) (kernel.RunResult, error)
	Status() kernel.Status
	Restart(ctx context.Context) error
	Stop(ctx context.Context) error
}

// handler holds shared dependencies for all tool handlers.
type handler struct {
	kernel  Kernel
	store   *report.LRUStore
	log     *zap.Logger
	timeout time.Duration
	onRoots func(ctx context.Context, workspace string)
}

// NewServer creates an MCP server with all kernel tools registered.
func NewServer(k Kernel, store *report.LRUStore, opts ...ServerOption) *mcp.Server {
	so := serverOptions{log: zap.NewNop(), timeout: DefaultRunTimeout}
	for _, o := range opts {
		o(&so)
	}
	h := &handler{
		kernel:  k,
		store:   store,
		log:     so.log,
		timeout: so.timeout,
		onRoots: so.onRoots,
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
	s := mcp.NewServer(&mcp.Implementation{Name: "cellkernel", Version: cellkernel.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "kernel_run",
		Description: `Run code as one cell in the interpreter and return its outputs.

The interpreter is started on first use and keeps its state between calls, so later cells
see definitions from earlier ones. Returns stdout/stderr, rich displays and any error with its
stack trace. The transcript is stored for drill-down via kernel_inspect.`,
	}, h.runHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "kernel_inspect",
		Description: `Show the stored transcript of a cell from kernel_run.

Use the cell_id from the kernel_run output. Optionally filter to one output kind
(display, stream or error). Also works for cells that are still running.`,
	}, h.inspectHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "kernel_status",
		Description: "Report whether the interpreter is running, its session, and recent cells.",
	}, h.statusHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "kernel_restart",
		Description: `Restart the interpreter, discarding all state.

Cells still running are failed. Use this after changing the project environment or when
the interpreter is stuck.`,
	}, h.restartHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "kernel_stop",
		Description: "Stop the interpreter. The next kernel_run starts a fresh one.",
	}, h.stopHandler)

	return s
}

// DefaultRunTimeout bounds how long kernel_run waits for a cell.
const DefaultRunTimeout = 5 * time.Minute

// ServerOption configures the MCP server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	log     *zap.Logger
	timeout time.Duration
	onRoots func(ctx context.Context, workspace string)
}

// WithLogger sets the server logger.
func WithLogger(log *zap.Logger) ServerOption {
	return func(o *serverOptions) {
		o.log = log
	}
}

// WithRunTimeout sets how long kernel_run waits before returning a running
// cell's id instead of its result.
func WithRunTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRootsHandler is called with the client's first file root, if any, once
// the session is initialized.
func WithRootsHandler(fn func(ctx context.Context, workspace string)) ServerOption {
	return func(o *serverOptions) {
		o.onRoots = fn
	}
}

// updateWorkspaceFromRoots queries the client for MCP roots and hands the
// first file root to the roots handler. It runs before any tool call.
func (h *handler) updateWorkspaceFromRoots(ctx context.Context, session *mcp.ServerSession) {
	if h.onRoots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil {
		h.log.Debug("listing roots", zap.Error(err))
		return
	}
	if len(roots.Roots) == 0 {
		return
	}

	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}
	h.onRoots(ctx, u.Path)
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
